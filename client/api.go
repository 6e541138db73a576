// Package client 实现 Jam 会话的客户端控制器：
// 创建/加入会话、心跳、状态补丁的广播应用以及周期对账。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"JamFM/core/jam"
	"JamFM/model"
)

// API 会话服务端的调用接口。测试里用假实现。
type API interface {
	CreateSession(ctx context.Context, name string) (*model.Session, int64, error)
	JoinByCode(ctx context.Context, code string) (*model.Session, int64, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	GetParticipants(ctx context.Context, sessionID string) ([]model.ParticipantView, error)
	Heartbeat(ctx context.Context, sessionID string) error
	Leave(ctx context.Context, sessionID string) error
	UpdateState(ctx context.Context, sessionID string, patch *model.StatePatch) error
	EndSession(ctx context.Context, sessionID string) error
	Cleanup(ctx context.Context) error
}

// httpAPI 基于 HTTP 的 API 实现
type httpAPI struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPAPI 创建 HTTP API 客户端
func NewHTTPAPI(baseURL, token string) API {
	return &httpAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// sessionEnvelope 创建/加入响应的外层结构
type sessionEnvelope struct {
	Session    *model.Session `json:"session"`
	ServerTime int64          `json:"serverTime"`
}

func (a *httpAPI) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return mapStatusError(resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// mapStatusError 把 HTTP 错误还原成会话子系统的哨兵错误，
// 调用方可以继续用 errors.Is 判断。
func mapStatusError(status int, msg string) error {
	switch status {
	case http.StatusNotFound:
		return jam.ErrNotFound
	case http.StatusForbidden:
		switch {
		case strings.Contains(msg, jam.ErrSessionFull.Error()):
			return jam.ErrSessionFull
		case strings.Contains(msg, jam.ErrSessionEnded.Error()):
			return jam.ErrSessionEnded
		default:
			return jam.ErrForbidden
		}
	default:
		return fmt.Errorf("server returned %d: %s", status, msg)
	}
}

func (a *httpAPI) CreateSession(ctx context.Context, name string) (*model.Session, int64, error) {
	var env sessionEnvelope
	err := a.do(ctx, http.MethodPost, "/api/jams", map[string]string{"name": name}, &env)
	if err != nil {
		return nil, 0, err
	}
	return env.Session, env.ServerTime, nil
}

func (a *httpAPI) JoinByCode(ctx context.Context, code string) (*model.Session, int64, error) {
	var env sessionEnvelope
	err := a.do(ctx, http.MethodPost, "/api/jams/join", map[string]string{"code": code}, &env)
	if err != nil {
		return nil, 0, err
	}
	return env.Session, env.ServerTime, nil
}

func (a *httpAPI) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	if err := a.do(ctx, http.MethodGet, "/api/jams/"+sessionID, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (a *httpAPI) GetParticipants(ctx context.Context, sessionID string) ([]model.ParticipantView, error) {
	var participants []model.ParticipantView
	err := a.do(ctx, http.MethodGet, "/api/jams/"+sessionID+"/participants", nil, &participants)
	return participants, err
}

func (a *httpAPI) Heartbeat(ctx context.Context, sessionID string) error {
	return a.do(ctx, http.MethodPost, "/api/jams/heartbeat", map[string]string{"sessionId": sessionID}, nil)
}

func (a *httpAPI) Leave(ctx context.Context, sessionID string) error {
	return a.do(ctx, http.MethodPost, "/api/jams/leave", map[string]string{"sessionId": sessionID}, nil)
}

func (a *httpAPI) UpdateState(ctx context.Context, sessionID string, patch *model.StatePatch) error {
	return a.do(ctx, http.MethodPut, "/api/jams/"+sessionID+"/state", patch, nil)
}

func (a *httpAPI) EndSession(ctx context.Context, sessionID string) error {
	return a.do(ctx, http.MethodDelete, "/api/jams/"+sessionID, nil, nil)
}

func (a *httpAPI) Cleanup(ctx context.Context) error {
	return a.do(ctx, http.MethodPost, "/api/jams/cleanup", nil, nil)
}
