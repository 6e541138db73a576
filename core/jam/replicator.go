package jam

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"JamFM/cache"
	"JamFM/logger"
	"JamFM/model"
	"JamFM/repository"
)

// Replicator 播放状态复制器：主持人唯一的写入口。
// 每次写走双路：先落库（可靠路径），随即在会话频道广播同一个补丁（快速路径），
// 跟随端不必等持久化的往返。
type Replicator struct {
	repo        repository.SessionRepository
	cache       *cache.SessionCache
	broadcaster Broadcaster
	now         func() time.Time
}

// NewReplicator 创建状态复制器
func NewReplicator(repo repository.SessionRepository, sessionCache *cache.SessionCache, broadcaster Broadcaster) *Replicator {
	return &Replicator{
		repo:        repo,
		cache:       sessionCache,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// UpdateState 应用主持人的播放状态补丁。非主持人调用返回 ErrForbidden，不落任何写。
func (r *Replicator) UpdateState(ctx context.Context, sessionID string, callerID int64, patch *model.StatePatch) error {
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
	if patch.IsEmpty() {
		return nil
	}

	now := r.now()
	if err := r.repo.ApplyStatePatch(ctx, sessionID, patch, now); err != nil {
		return fmt.Errorf("写入播放状态失败: %w", err)
	}

	// 刷新缓存快照（尽力而为）
	patch.ApplyTo(session)
	session.UpdatedAt = now
	if err := r.cache.SetState(ctx, sessionID, session); err != nil {
		logger.Warn("刷新播放状态缓存失败", logger.ErrorField(err))
	}

	// 快速路径：把补丁原样广播出去。频道上没有序号，
	// 乱序/丢失由跟随端的对账轮询兜底。
	payload := statePayload{StatePatch: *patch, UpdatedAt: now.UnixMilli()}
	data, err := json.Marshal(&payload)
	if err != nil {
		return fmt.Errorf("序列化状态补丁失败: %w", err)
	}

	evt := &Event{
		Type:   EventStateUpdate,
		UserID: callerID,
		Data:   data,
	}
	if err := r.broadcaster.BroadcastEvent(sessionID, evt, callerID); err != nil {
		logger.Warn("广播状态补丁失败", logger.ErrorField(err))
	}

	logger.Debug("播放状态已更新",
		logger.String("sessionId", sessionID),
		logger.Int64("hostId", callerID))

	return nil
}

// statePayload state_update 事件的负载：补丁加上服务端写入时间戳
type statePayload struct {
	model.StatePatch
	UpdatedAt int64 `json:"updatedAt"`
}

// DecodeStatePayload 解析 state_update 事件负载（跟随端使用）
func DecodeStatePayload(data json.RawMessage) (*model.StatePatch, int64, error) {
	var payload statePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, 0, err
	}
	patch := payload.StatePatch
	return &patch, payload.UpdatedAt, nil
}
