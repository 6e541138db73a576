package jam

import (
	"context"
	"time"

	"JamFM/cache"
	"JamFM/logger"
	"JamFM/repository"
)

// PresenceTracker 参与者在线状态追踪。
// 心跳走双路：持久层 last_seen 喂给 Cleanup，Redis TTL key 喂在线统计。
// 所有方法都是尽力而为，单次失败不影响播放。
type PresenceTracker struct {
	repo        repository.SessionRepository
	cache       *cache.SessionCache
	broadcaster Broadcaster
	staleAfter  time.Duration
	now         func() time.Time
}

// NewPresenceTracker 创建在线状态追踪器
func NewPresenceTracker(repo repository.SessionRepository, sessionCache *cache.SessionCache, broadcaster Broadcaster, staleAfter time.Duration) *PresenceTracker {
	return &PresenceTracker{
		repo:        repo,
		cache:       sessionCache,
		broadcaster: broadcaster,
		staleAfter:  staleAfter,
		now:         time.Now,
	}
}

// Heartbeat 刷新参与者的 last_seen。行不存在或已离开时静默返回。
func (p *PresenceTracker) Heartbeat(ctx context.Context, sessionID string, userID int64) {
	touched, err := p.repo.TouchHeartbeat(ctx, sessionID, userID, p.now())
	if err != nil {
		logger.Debug("heartbeat touch failed",
			logger.ErrorField(err),
			logger.String("session", sessionID),
			logger.Int64("user", userID))
		return
	}
	if !touched {
		// 参与者已不在会话中，心跳按约定静默丢弃
		return
	}

	if err := p.cache.TouchPresence(ctx, sessionID, userID); err != nil {
		logger.Debug("presence cache touch failed", logger.ErrorField(err))
	}
}

// Cleanup 清扫心跳超时的参与者。幂等；只做卫生工作，正确性不依赖它。
func (p *PresenceTracker) Cleanup(ctx context.Context) error {
	now := p.now()
	cutoff := now.Add(-p.staleAfter)

	stale, err := p.repo.DeactivateStaleParticipants(ctx, cutoff, now)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	for _, participant := range stale {
		if err := p.cache.RemoveMemberOnline(ctx, participant.SessionID, participant.UserID); err != nil {
			logger.Debug("remove member online failed", logger.ErrorField(err))
		}
		if err := p.cache.RemovePresence(ctx, participant.SessionID, participant.UserID); err != nil {
			logger.Debug("remove presence failed", logger.ErrorField(err))
		}

		if p.broadcaster != nil {
			evt := &Event{Type: EventParticipantLeft, UserID: participant.UserID}
			if err := p.broadcaster.BroadcastEvent(participant.SessionID, evt, 0); err != nil {
				logger.Debug("broadcast stale leave failed", logger.ErrorField(err))
			}
		}
	}

	logger.Info("stale participants purged",
		logger.Int("count", len(stale)),
		logger.Duration("staleAfter", p.staleAfter))

	return nil
}
