package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// TrackRef 队列中的一首曲目引用
type TrackRef struct {
	TrackID  string `json:"trackId"`
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Cover    string `json:"cover,omitempty"`
	Duration int    `json:"duration,omitempty"` // 毫秒
}

// TrackQueue 自定义类型用于 GORM JSON 字段的自动扫描
type TrackQueue []TrackRef

// Scan 实现 sql.Scanner 接口
func (q *TrackQueue) Scan(value interface{}) error {
	if value == nil {
		*q = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*q = nil
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*q = nil
		return nil
	}
	return json.Unmarshal(bytes, q)
}

// Value 实现 driver.Valuer 接口
func (q TrackQueue) Value() (driver.Value, error) {
	if q == nil {
		return nil, nil
	}
	return json.Marshal(q)
}

// Equal 按值比较两个队列（对账时使用，不能比较引用）
func (q TrackQueue) Equal(other TrackQueue) bool {
	if len(q) != len(other) {
		return false
	}
	for i := range q {
		if q[i] != other[i] {
			return false
		}
	}
	return true
}

// Session Jam 会话。播放字段只允许主持人的写入路径修改。
type Session struct {
	ID              string     `json:"id" gorm:"primaryKey;size:36"`
	Code            string     `json:"code" gorm:"size:8;index;not null"`
	Name            string     `json:"name" gorm:"size:100;not null"`
	HostUserID      int64      `json:"hostUserId" gorm:"index;not null"`
	IsActive        bool       `json:"isActive" gorm:"index;default:true"`
	MaxParticipants int        `json:"maxParticipants" gorm:"default:10"`
	CurrentTrackID  *string    `json:"currentTrackId" gorm:"size:64"`
	CurrentPosition float64    `json:"currentPosition"` // 秒
	IsPlaying       bool       `json:"isPlaying"`
	Queue           TrackQueue `json:"queue" gorm:"type:json"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
}

// TableName 指定表名
func (Session) TableName() string {
	return "sessions"
}

// Participant 会话参与者。(session_id, user_id) 唯一，重新加入时复用原行。
type Participant struct {
	ID        int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID string     `json:"sessionId" gorm:"size:36;uniqueIndex:idx_session_user;not null"`
	UserID    int64      `json:"userId" gorm:"uniqueIndex:idx_session_user;not null"`
	IsActive  bool       `json:"isActive" gorm:"index;default:true"`
	JoinedAt  time.Time  `json:"joinedAt"`
	LeftAt    *time.Time `json:"leftAt,omitempty"`
	LastSeen  time.Time  `json:"lastSeen"`
}

// TableName 指定表名
func (Participant) TableName() string {
	return "participants"
}

// StatePatch 主持人对播放状态的部分更新。nil 字段表示保持不变。
type StatePatch struct {
	CurrentTrackID  *string     `json:"currentTrackId,omitempty"`
	CurrentPosition *float64    `json:"currentPosition,omitempty"`
	IsPlaying       *bool       `json:"isPlaying,omitempty"`
	Queue           *TrackQueue `json:"queue,omitempty"`
}

// IsEmpty 判断补丁是否没有任何字段
func (p *StatePatch) IsEmpty() bool {
	return p.CurrentTrackID == nil && p.CurrentPosition == nil &&
		p.IsPlaying == nil && p.Queue == nil
}

// ApplyTo 把补丁浅合并到会话视图上（跟随端的快速路径）
func (p *StatePatch) ApplyTo(s *Session) {
	if p.CurrentTrackID != nil {
		s.CurrentTrackID = p.CurrentTrackID
	}
	if p.CurrentPosition != nil {
		s.CurrentPosition = *p.CurrentPosition
	}
	if p.IsPlaying != nil {
		s.IsPlaying = *p.IsPlaying
	}
	if p.Queue != nil {
		s.Queue = *p.Queue
	}
}

// ========== 非持久化结构（用于 Redis 和 API 响应） ==========

// ParticipantOnline 在线参与者信息（Redis 缓存）
type ParticipantOnline struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	IsHost   bool   `json:"isHost"`
	JoinedAt int64  `json:"joinedAt"` // Unix 毫秒
}

// ParticipantView 参与者列表项（API 响应用，带用户名）
type ParticipantView struct {
	UserID   int64     `json:"userId"`
	Username string    `json:"username"`
	IsHost   bool      `json:"isHost"`
	IsActive bool      `json:"isActive"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// SessionInfo 会话完整信息（API 响应用）。
// Participants 来自持久层，Online 来自 Redis 的 TTL 过滤视图。
type SessionInfo struct {
	Session
	ParticipantCount int                 `json:"participantCount"`
	OnlineCount      int64               `json:"onlineCount"`
	Participants     []ParticipantView   `json:"participants,omitempty"`
	Online           []ParticipantOnline `json:"online,omitempty"`
}
