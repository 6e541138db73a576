package client

import (
	"context"
	"errors"

	"JamFM/core/jam"
	"JamFM/logger"
	"JamFM/model"
)

// cleanupEvery 主持人每隔这么多次对账触发一次服务端清扫
const cleanupEvery = 12

// reconcile 对账：以持久层为准校正本地视图。
// 广播丢了靠它收敛，正确性不依赖快速路径。
func (c *Controller) reconcile(ctx context.Context, epoch uint64, sessionID string, tick int) {
	remote, err := c.api.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, jam.ErrNotFound) {
			c.terminate(epoch, "会话已不存在")
			return
		}
		// 瞬时失败留给下一个周期
		logger.Debug("reconcile fetch failed", logger.ErrorField(err))
		return
	}

	if !remote.IsActive {
		c.terminate(epoch, "会话已结束")
		return
	}

	isHost := c.applyRemote(epoch, remote)

	c.refreshParticipants(ctx, epoch, sessionID)

	// 清扫是全局卫生工作，挂在主持人的对账节拍上
	if isHost && tick%cleanupEvery == 0 {
		if err := c.api.Cleanup(ctx); err != nil {
			logger.Debug("cleanup request failed", logger.ErrorField(err))
		}
	}
}

// applyRemote 把持久层快照合并进本地会话，返回本端是否主持人。
// 主持人本地就是播放状态的权威，只采纳非播放元数据；
// 跟随端逐字段按值比较，避免无意义的界面刷新。
func (c *Controller) applyRemote(epoch uint64, remote *model.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.session == nil {
		return false
	}

	local := c.session
	isHost := local.HostUserID == c.userID
	changed := false

	if local.Name != remote.Name {
		local.Name = remote.Name
		changed = true
	}
	if local.Code != remote.Code {
		local.Code = remote.Code
		changed = true
	}
	if local.MaxParticipants != remote.MaxParticipants {
		local.MaxParticipants = remote.MaxParticipants
		changed = true
	}

	if !isHost {
		if !strPtrEqual(local.CurrentTrackID, remote.CurrentTrackID) {
			local.CurrentTrackID = remote.CurrentTrackID
			changed = true
		}
		if local.CurrentPosition != remote.CurrentPosition {
			local.CurrentPosition = remote.CurrentPosition
			changed = true
		}
		if local.IsPlaying != remote.IsPlaying {
			local.IsPlaying = remote.IsPlaying
			changed = true
		}
		if !local.Queue.Equal(remote.Queue) {
			local.Queue = remote.Queue
			changed = true
		}
	}

	if changed {
		c.emitLocked()
	}
	return isHost
}

// terminate 对账发现会话已终结，收尾并通知
func (c *Controller) terminate(epoch uint64, msg string) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()
	c.notice(msg)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// participantsEqual 只看成员身份和在线状态，last_seen 的抖动不算变化
func participantsEqual(a, b []model.ParticipantView) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID ||
			a[i].Username != b[i].Username ||
			a[i].IsHost != b[i].IsHost ||
			a[i].IsActive != b[i].IsActive {
			return false
		}
	}
	return true
}
