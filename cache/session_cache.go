package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"JamFM/model"

	"github.com/go-redis/redis/v8"
)

const (
	sessionMembersKey  = "jam:%s:members"     // Hash: userID -> ParticipantOnline JSON
	sessionStateKey    = "jam:%s:state"       // Hash: 播放状态快照
	sessionPresenceKey = "jam:%s:presence:%d" // String: 心跳 key (sessionID:userID)，带TTL
	sessionOnlineSet   = "jam:%s:online"      // Set: 在线用户集合
	sessionTTL         = 24 * time.Hour
	presenceTTL        = 90 * time.Second // 心跳 key 过期时间，略大于客户端 60s 心跳间隔
)

// SessionCache Jam 会话缓存操作。所有方法都是尽力而为，
// 调用方在缓存失败时应降级到数据库。
type SessionCache struct {
	client *redis.Client
}

// NewSessionCache 创建会话缓存
func NewSessionCache() *SessionCache {
	return &SessionCache{client: RedisClient}
}

// ========== 成员在线状态 ==========

// SetMemberOnline 设置成员在线状态
func (c *SessionCache) SetMemberOnline(ctx context.Context, sessionID string, member *model.ParticipantOnline) error {
	if c.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	key := fmt.Sprintf(sessionMembersKey, sessionID)
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, strconv.FormatInt(member.UserID, 10), data)
	pipe.Expire(ctx, key, sessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveMemberOnline 移除成员在线状态
func (c *SessionCache) RemoveMemberOnline(ctx context.Context, sessionID string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	key := fmt.Sprintf(sessionMembersKey, sessionID)
	return c.client.HDel(ctx, key, strconv.FormatInt(userID, 10)).Err()
}

// GetMembersOnline 获取所有在线成员
func (c *SessionCache) GetMembersOnline(ctx context.Context, sessionID string) ([]model.ParticipantOnline, error) {
	if c.client == nil {
		return nil, fmt.Errorf("redis client not initialized")
	}

	key := fmt.Sprintf(sessionMembersKey, sessionID)
	result, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	members := make([]model.ParticipantOnline, 0, len(result))
	for _, data := range result {
		var member model.ParticipantOnline
		if err := json.Unmarshal([]byte(data), &member); err == nil {
			members = append(members, member)
		}
	}
	return members, nil
}

// ========== 心跳在线状态 ==========

// TouchPresence 刷新用户心跳 key
func (c *SessionCache) TouchPresence(ctx context.Context, sessionID string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	presenceKey := fmt.Sprintf(sessionPresenceKey, sessionID, userID)
	onlineSetKey := fmt.Sprintf(sessionOnlineSet, sessionID)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, presenceKey, time.Now().UnixMilli(), presenceTTL)
	pipe.SAdd(ctx, onlineSetKey, userID)
	pipe.Expire(ctx, onlineSetKey, sessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemovePresence 移除用户心跳状态
func (c *SessionCache) RemovePresence(ctx context.Context, sessionID string, userID int64) error {
	if c.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	presenceKey := fmt.Sprintf(sessionPresenceKey, sessionID, userID)
	onlineSetKey := fmt.Sprintf(sessionOnlineSet, sessionID)

	pipe := c.client.Pipeline()
	pipe.Del(ctx, presenceKey)
	pipe.SRem(ctx, onlineSetKey, userID)
	_, err := pipe.Exec(ctx)
	return err
}

// ActiveOnlineCount 获取活跃在线人数（基于心跳 key 存活），顺带清理过期成员
func (c *SessionCache) ActiveOnlineCount(ctx context.Context, sessionID string) (int64, error) {
	if c.client == nil {
		return 0, fmt.Errorf("redis client not initialized")
	}

	onlineSetKey := fmt.Sprintf(sessionOnlineSet, sessionID)
	members, err := c.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	activeCount := int64(0)
	expired := make([]interface{}, 0)
	for _, memberStr := range members {
		userID, err := strconv.ParseInt(memberStr, 10, 64)
		if err != nil {
			continue
		}

		presenceKey := fmt.Sprintf(sessionPresenceKey, sessionID, userID)
		exists, err := c.client.Exists(ctx, presenceKey).Result()
		if err != nil {
			continue
		}
		if exists > 0 {
			activeCount++
		} else {
			expired = append(expired, memberStr)
		}
	}

	if len(expired) > 0 {
		c.client.SRem(ctx, onlineSetKey, expired...)
	}
	return activeCount, nil
}

// ========== 播放状态快照 ==========

// SetState 写入播放状态快照（用于 HTTP 端快速读取）
func (c *SessionCache) SetState(ctx context.Context, sessionID string, s *model.Session) error {
	if c.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	trackID := ""
	if s.CurrentTrackID != nil {
		trackID = *s.CurrentTrackID
	}
	queueJSON := ""
	if s.Queue != nil {
		data, _ := json.Marshal(s.Queue)
		queueJSON = string(data)
	}

	key := fmt.Sprintf(sessionStateKey, sessionID)
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"current_track_id": trackID,
		"position":         s.CurrentPosition,
		"is_playing":       s.IsPlaying,
		"queue":            queueJSON,
		"updated_at":       s.UpdatedAt.UnixMilli(),
	})
	pipe.Expire(ctx, key, sessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ClearSession 清理会话的所有缓存
func (c *SessionCache) ClearSession(ctx context.Context, sessionID string) error {
	if c.client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	keys := []string{
		fmt.Sprintf(sessionMembersKey, sessionID),
		fmt.Sprintf(sessionStateKey, sessionID),
		fmt.Sprintf(sessionOnlineSet, sessionID),
	}
	return c.client.Del(ctx, keys...).Err()
}
