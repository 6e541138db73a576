package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"JamFM/core/auth"
	"JamFM/core/jam"
	"JamFM/logger"
	"JamFM/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// SessionHandler Jam 会话 HTTP 处理器
type SessionHandler struct {
	registry   *jam.Registry
	presence   *jam.PresenceTracker
	replicator *jam.Replicator
	hub        *jam.Hub
	upgrader   websocket.Upgrader
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(registry *jam.Registry, presence *jam.PresenceTracker, replicator *jam.Replicator, hub *jam.Hub) *SessionHandler {
	return &SessionHandler{
		registry:   registry,
		presence:   presence,
		replicator: replicator,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// writeSessionError 把会话错误映射到 HTTP 状态码
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jam.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, jam.ErrForbidden),
		errors.Is(err, jam.ErrSessionFull),
		errors.Is(err, jam.ErrSessionEnded):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SessionResponse 创建/加入的响应。serverTime 供客户端采样时钟偏移。
type SessionResponse struct {
	Session    *model.Session `json:"session"`
	ServerTime int64          `json:"serverTime"` // Unix 毫秒
}

// CreateSessionRequest 创建会话请求
type CreateSessionRequest struct {
	Name string `json:"name"`
}

// CreateSessionHandler 创建会话
func (h *SessionHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	username, _ := GetUsernameFromContext(ctx)

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = username + " 的 Jam"
	}

	session, err := h.registry.Create(ctx, userID, username, req.Name)
	if err != nil {
		logger.Error("创建会话失败", logger.ErrorField(err))
		writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&SessionResponse{
		Session:    session,
		ServerTime: time.Now().UnixMilli(),
	})
}

// JoinSessionRequest 加入会话请求（凭加入码）
type JoinSessionRequest struct {
	Code string `json:"code"`
}

// JoinSessionHandler 凭加入码加入会话
func (h *SessionHandler) JoinSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	username, _ := GetUsernameFromContext(ctx)

	var req JoinSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "加入码不能为空", http.StatusBadRequest)
		return
	}

	session, err := h.registry.LookupByCode(ctx, req.Code)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	session, err = h.registry.Join(ctx, session.ID, userID, username)
	if err != nil {
		logger.Warn("加入会话失败", logger.ErrorField(err))
		writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&SessionResponse{
		Session:    session,
		ServerTime: time.Now().UnixMilli(),
	})
}

// GetSessionHandler 获取会话快照（对账轮询的读路径，已结束的行也返回）
func (h *SessionHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["session_id"]

	session, err := h.registry.LookupByID(ctx, sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if session == nil {
		http.Error(w, jam.ErrNotFound.Error(), http.StatusNotFound)
		return
	}

	info := model.SessionInfo{Session: *session}
	if views, err := h.registry.Participants(ctx, sessionID); err == nil {
		info.Participants = views
		info.ParticipantCount = len(views)
	}
	if online, err := h.registry.OnlineMembers(ctx, sessionID); err == nil {
		info.Online = online
	}
	if count, err := h.registry.OnlineCount(ctx, sessionID); err == nil {
		info.OnlineCount = count
	} else if h.hub != nil {
		// Redis 不可用时退回到当前 WebSocket 连接数
		info.OnlineCount = int64(h.hub.SessionClientCount(sessionID))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&info)
}

// GetParticipantsHandler 获取活跃参与者列表
func (h *SessionHandler) GetParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["session_id"]

	participants, err := h.registry.Participants(ctx, sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(participants)
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct {
	SessionID string `json:"sessionId"`
}

// HeartbeatHandler 心跳。永远返回 200，失败在服务端吞掉。
func (h *SessionHandler) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.SessionID != "" {
		h.presence.Heartbeat(ctx, req.SessionID, userID)
	}

	w.WriteHeader(http.StatusOK)
}

// LeaveSessionRequest 离开会话请求
type LeaveSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// LeaveSessionHandler 显式离开会话
func (h *SessionHandler) LeaveSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req LeaveSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}

	if err := h.registry.Leave(ctx, req.SessionID, userID); err != nil {
		logger.Warn("离开会话失败", logger.ErrorField(err))
		writeSessionError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "已离开会话"})
}

// BeaconRequest 页面卸载时的断线通知。token 放在 body 里，
// 因为 sendBeacon 这类调用无法携带请求头。
type BeaconRequest struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

// BeaconHandler 尽力而为的断线离开。永远返回 204，不暴露任何错误。
func (h *SessionHandler) BeaconHandler(w http.ResponseWriter, r *http.Request) {
	var req BeaconRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	claims, err := auth.ParseToken(req.Token)
	if err != nil || req.SessionID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// 请求可能在页面卸载后被浏览器掐断，用独立的 context 收尾
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.registry.Leave(ctx, req.SessionID, claims.UserID); err != nil {
		logger.Debug("beacon leave failed", logger.ErrorField(err))
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateStateHandler 主持人更新播放状态（部分补丁）
func (h *SessionHandler) UpdateStateHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["session_id"]

	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var patch model.StatePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}

	if err := h.replicator.UpdateState(ctx, sessionID, userID, &patch); err != nil {
		writeSessionError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
}

// EndSessionHandler 主持人结束会话
func (h *SessionHandler) EndSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["session_id"]

	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.registry.End(ctx, sessionID, userID); err != nil {
		writeSessionError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "会话已结束"})
}

// CleanupHandler 掉线参与者清扫。尽力而为、幂等，错误不外漏。
func (h *SessionHandler) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.presence.Cleanup(r.Context()); err != nil {
		logger.Warn("清扫失败", logger.ErrorField(err))
	}
	w.WriteHeader(http.StatusOK)
}

// WebSocketHandler 建立会话频道的 WebSocket 连接
func (h *SessionHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	if sessionID == "" {
		http.Error(w, "会话ID不能为空", http.StatusBadRequest)
		return
	}

	// WebSocket 握手无法带自定义 header，token 走查询参数
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "缺少认证信息", http.StatusUnauthorized)
		return
	}
	claims, err := auth.ParseToken(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	session, err := h.registry.LookupByID(ctx, sessionID)
	if err != nil || session == nil {
		http.Error(w, "会话不存在", http.StatusNotFound)
		return
	}
	if !session.IsActive {
		http.Error(w, jam.ErrSessionEnded.Error(), http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket 升级失败", logger.ErrorField(err))
		return
	}

	client := &jam.Client{
		Hub:       h.hub,
		Conn:      conn,
		Send:      make(chan []byte, 256),
		SessionID: sessionID,
		UserID:    claims.UserID,
		Username:  claims.Username,
	}

	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(context.Background(), h.presence)

	logger.Info("WebSocket 连接建立",
		logger.String("sessionId", sessionID),
		logger.Int64("userId", claims.UserID))
}

// RegisterSessionRoutes 注册会话相关路由
func RegisterSessionRoutes(router *mux.Router, handler *SessionHandler) {
	router.HandleFunc("/api/jams", AuthMiddleware(handler.CreateSessionHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/jams/join", AuthMiddleware(handler.JoinSessionHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/jams/heartbeat", AuthMiddleware(handler.HeartbeatHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/jams/leave", AuthMiddleware(handler.LeaveSessionHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/jams/beacon", handler.BeaconHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/jams/cleanup", AuthMiddleware(handler.CleanupHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/jams/{session_id}", AuthMiddleware(handler.GetSessionHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/jams/{session_id}", AuthMiddleware(handler.EndSessionHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/jams/{session_id}/state", AuthMiddleware(handler.UpdateStateHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/jams/{session_id}/participants", AuthMiddleware(handler.GetParticipantsHandler)).Methods(http.MethodGet)

	// WebSocket 路由
	router.HandleFunc("/ws/jam/{session_id}", handler.WebSocketHandler)

	logger.Info("Jam 会话API端点注册完成",
		logger.String("endpoints", "POST /api/jams, POST /api/jams/join, PUT /api/jams/{id}/state, DELETE /api/jams/{id}, WS /ws/jam/{id}"))
}
