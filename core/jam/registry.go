package jam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"JamFM/cache"
	"JamFM/logger"
	"JamFM/model"
	"JamFM/repository"

	"github.com/google/uuid"
)

// 加入码字符集，去掉了易混淆的 0/O/1/I/L
const codeCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Registry 会话注册表：创建/查找会话，生成加入码，执行容量限制。
type Registry struct {
	repo            repository.SessionRepository
	cache           *cache.SessionCache
	presence        *PresenceTracker
	broadcaster     Broadcaster
	maxParticipants int
	codeLength      int
	codeAttempts    int
	rng             *rand.Rand
	now             func() time.Time
}

// NewRegistry 创建会话注册表
func NewRegistry(repo repository.SessionRepository, sessionCache *cache.SessionCache, presence *PresenceTracker, broadcaster Broadcaster, maxParticipants, codeLength, codeAttempts int) *Registry {
	return &Registry{
		repo:            repo,
		cache:           sessionCache,
		presence:        presence,
		broadcaster:     broadcaster,
		maxParticipants: maxParticipants,
		codeLength:      codeLength,
		codeAttempts:    codeAttempts,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		now:             time.Now,
	}
}

// Create 创建会话并让主持人入座
func (r *Registry) Create(ctx context.Context, hostID int64, hostName, name string) (*model.Session, error) {
	// 先做一次尽力而为的掉线清扫，避免僵尸会话占着加入码
	if err := r.presence.Cleanup(ctx); err != nil {
		logger.Warn("pre-create cleanup failed", logger.ErrorField(err))
	}

	code, err := r.generateUniqueCode(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	session := &model.Session{
		ID:              uuid.NewString(),
		Code:            code,
		Name:            name,
		HostUserID:      hostID,
		IsActive:        true,
		MaxParticipants: r.maxParticipants,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// 会话行和主持人的参与者行在一个事务里落库
	if err := r.repo.CreateWithHost(ctx, session, now); err != nil {
		return nil, fmt.Errorf("创建会话失败: %w", err)
	}

	online := &model.ParticipantOnline{
		UserID:   hostID,
		Username: hostName,
		IsHost:   true,
		JoinedAt: now.UnixMilli(),
	}
	if err := r.cache.SetMemberOnline(ctx, session.ID, online); err != nil {
		logger.Warn("设置成员在线状态失败", logger.ErrorField(err))
	}

	logger.Info("会话创建成功",
		logger.String("sessionId", session.ID),
		logger.String("code", code),
		logger.Int64("hostId", hostID),
		logger.String("name", name))

	return session, nil
}

// generateUniqueCode 生成在活跃会话间唯一的加入码，重试次数有上限
func (r *Registry) generateUniqueCode(ctx context.Context) (string, error) {
	for i := 0; i < r.codeAttempts; i++ {
		buf := make([]byte, r.codeLength)
		for j := range buf {
			buf[j] = codeCharset[r.rng.Intn(len(codeCharset))]
		}
		code := string(buf)

		exists, err := r.repo.ActiveCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}

	return "", ErrCodeGenExhausted
}

// LookupByCode 根据加入码查找活跃会话
func (r *Registry) LookupByCode(ctx context.Context, code string) (*model.Session, error) {
	session, err := r.repo.GetActiveByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("查找会话失败: %w", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}
	return session, nil
}

// LookupByID 根据ID查找会话（不区分状态）
func (r *Registry) LookupByID(ctx context.Context, id string) (*model.Session, error) {
	return r.repo.GetByID(ctx, id)
}

// Join 加入会话。重复加入是幂等的状态复位，不报错。
func (r *Registry) Join(ctx context.Context, sessionID string, userID int64, username string) (*model.Session, error) {
	session, err := r.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("获取会话失败: %w", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}
	if !session.IsActive {
		return nil, ErrSessionEnded
	}

	// 容量检查和入座由仓库在一个事务里完成，并发加入不会超员
	now := r.now()
	rejoin, err := r.repo.AddParticipant(ctx, sessionID, userID, now)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSessionFull):
			return nil, ErrSessionFull
		case errors.Is(err, repository.ErrSessionNotActive):
			return nil, ErrSessionEnded
		}
		return nil, fmt.Errorf("加入会话失败: %w", err)
	}

	online := &model.ParticipantOnline{
		UserID:   userID,
		Username: username,
		IsHost:   session.HostUserID == userID,
		JoinedAt: now.UnixMilli(),
	}
	if err := r.cache.SetMemberOnline(ctx, sessionID, online); err != nil {
		logger.Warn("设置成员在线状态失败", logger.ErrorField(err))
	}

	r.broadcastParticipant(sessionID, EventParticipantJoined, userID, username)

	logger.Info("用户加入会话",
		logger.String("sessionId", sessionID),
		logger.Int64("userId", userID),
		logger.Bool("rejoin", rejoin))

	return session, nil
}

// Leave 离开会话。主持人离开等价于结束会话，没有移交机制。
func (r *Registry) Leave(ctx context.Context, sessionID string, userID int64) error {
	session, err := r.repo.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("获取会话失败: %w", err)
	}
	if session == nil {
		return ErrNotFound
	}

	if session.HostUserID == userID {
		return r.End(ctx, sessionID, userID)
	}

	now := r.now()
	if err := r.repo.DeactivateParticipant(ctx, sessionID, userID, now); err != nil {
		return fmt.Errorf("离开会话失败: %w", err)
	}

	if err := r.cache.RemoveMemberOnline(ctx, sessionID, userID); err != nil {
		logger.Warn("移除在线状态失败", logger.ErrorField(err))
	}
	if err := r.cache.RemovePresence(ctx, sessionID, userID); err != nil {
		logger.Warn("移除心跳状态失败", logger.ErrorField(err))
	}

	r.broadcastParticipant(sessionID, EventParticipantLeft, userID, "")

	logger.Info("用户离开会话",
		logger.String("sessionId", sessionID),
		logger.Int64("userId", userID))

	return nil
}

// End 结束会话（仅主持人）。终态：级联停用所有参与者，加入码随之释放。
func (r *Registry) End(ctx context.Context, sessionID string, callerID int64) error {
	session, err := r.repo.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("获取会话失败: %w", err)
	}
	if session == nil {
		return ErrNotFound
	}
	if session.HostUserID != callerID {
		return ErrForbidden
	}
	if !session.IsActive {
		return ErrSessionEnded
	}

	now := r.now()
	if err := r.repo.End(ctx, sessionID, now); err != nil {
		return fmt.Errorf("结束会话失败: %w", err)
	}

	// 先广播再断开，让在线客户端拿到 ended 事件
	r.broadcaster.BroadcastEvent(sessionID, &Event{Type: EventEnded}, 0)
	r.broadcaster.CloseSession(sessionID)

	if err := r.cache.ClearSession(ctx, sessionID); err != nil {
		logger.Warn("清理会话缓存失败", logger.ErrorField(err))
	}

	logger.Info("会话已结束",
		logger.String("sessionId", sessionID),
		logger.Int64("hostId", callerID))

	return nil
}

// Participants 获取活跃参与者列表
func (r *Registry) Participants(ctx context.Context, sessionID string) ([]model.ParticipantView, error) {
	return r.repo.ListActiveParticipantViews(ctx, sessionID)
}

// OnlineMembers 获取缓存中的在线成员。缓存不可用时返回错误，调用方降级。
func (r *Registry) OnlineMembers(ctx context.Context, sessionID string) ([]model.ParticipantOnline, error) {
	return r.cache.GetMembersOnline(ctx, sessionID)
}

// OnlineCount 获取 TTL 过滤后的在线人数
func (r *Registry) OnlineCount(ctx context.Context, sessionID string) (int64, error) {
	return r.cache.ActiveOnlineCount(ctx, sessionID)
}

func (r *Registry) broadcastParticipant(sessionID string, typ EventType, userID int64, username string) {
	data, _ := json.Marshal(map[string]interface{}{
		"userId": userID,
	})
	evt := &Event{
		Type:     typ,
		UserID:   userID,
		Username: username,
		Data:     data,
	}
	if err := r.broadcaster.BroadcastEvent(sessionID, evt, 0); err != nil {
		logger.Warn("广播参与者变更失败", logger.ErrorField(err))
	}
}
