package repository

import (
	"context"
	"errors"
	"time"

	"JamFM/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 参与者入座的哨兵错误，调用方映射成自己的错误类型
var (
	// ErrSessionNotActive 会话不存在或已结束
	ErrSessionNotActive = errors.New("session is not active")
	// ErrSessionFull 会话人数已达上限
	ErrSessionFull = errors.New("session is full")
)

// SessionRepository Jam 会话数据访问接口
type SessionRepository interface {
	// 会话
	CreateWithHost(ctx context.Context, session *model.Session, at time.Time) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	GetActiveByCode(ctx context.Context, code string) (*model.Session, error)
	ActiveCodeExists(ctx context.Context, code string) (bool, error)
	ApplyStatePatch(ctx context.Context, id string, patch *model.StatePatch, at time.Time) error
	End(ctx context.Context, id string, at time.Time) error

	// 参与者
	AddParticipant(ctx context.Context, sessionID string, userID int64, at time.Time) (rejoin bool, err error)
	GetParticipant(ctx context.Context, sessionID string, userID int64) (*model.Participant, error)
	DeactivateParticipant(ctx context.Context, sessionID string, userID int64, at time.Time) error
	ListActiveParticipantViews(ctx context.Context, sessionID string) ([]model.ParticipantView, error)
	CountActiveParticipants(ctx context.Context, sessionID string) (int64, error)
	TouchHeartbeat(ctx context.Context, sessionID string, userID int64, at time.Time) (bool, error)
	DeactivateStaleParticipants(ctx context.Context, cutoff, at time.Time) ([]*model.Participant, error)
}

type gormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository 创建 GORM 会话仓库
func NewGormSessionRepository(db *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: db}
}

// ========== 会话 ==========

// CreateWithHost 创建会话并让主持人入座，在一个事务里完成。
// 任何一步失败都整体回滚。
func (r *gormSessionRepository) CreateWithHost(ctx context.Context, session *model.Session, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		return tx.Create(&model.Participant{
			SessionID: session.ID,
			UserID:    session.HostUserID,
			IsActive:  true,
			JoinedAt:  at,
			LastSeen:  at,
		}).Error
	})
}

// GetByID 根据ID获取会话（不区分状态，对账轮询需要读到已结束的行）
func (r *gormSessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// GetActiveByCode 根据加入码获取活跃会话。码只在活跃会话间唯一。
func (r *gormSessionRepository) GetActiveByCode(ctx context.Context, code string) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).
		Where("code = ? AND is_active = ?", code, true).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// ActiveCodeExists 检查加入码是否被某个活跃会话占用
func (r *gormSessionRepository) ActiveCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Session{}).
		Where("code = ? AND is_active = ?", code, true).
		Count(&count).Error
	return count > 0, err
}

// ApplyStatePatch 应用播放状态补丁，只更新补丁中出现的字段并刷新 updated_at
func (r *gormSessionRepository) ApplyStatePatch(ctx context.Context, id string, patch *model.StatePatch, at time.Time) error {
	updates := map[string]interface{}{
		"updated_at": at,
	}
	if patch.CurrentTrackID != nil {
		updates["current_track_id"] = *patch.CurrentTrackID
	}
	if patch.CurrentPosition != nil {
		updates["current_position"] = *patch.CurrentPosition
	}
	if patch.IsPlaying != nil {
		updates["is_playing"] = *patch.IsPlaying
	}
	if patch.Queue != nil {
		updates["queue"] = *patch.Queue
	}

	return r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(updates).Error
}

// End 结束会话：标记会话不活跃并级联停用所有参与者行。终态，不可逆。
func (r *gormSessionRepository) End(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Session{}).
			Where("id = ? AND is_active = ?", id, true).
			Updates(map[string]interface{}{
				"is_active": false,
				"ended_at":  at,
			}).Error; err != nil {
			return err
		}

		return tx.Model(&model.Participant{}).
			Where("session_id = ? AND is_active = ?", id, true).
			Updates(map[string]interface{}{
				"is_active": false,
				"left_at":   at,
			}).Error
	})
}

// ========== 参与者 ==========

// AddParticipant 加入会话。容量检查和入座在同一个事务里完成，
// 会话行加写锁串行化并发加入。重复加入是幂等的状态复位，不占新名额；
// 离开后重新加入复用原行，但要重新过容量检查。
func (r *gormSessionRepository) AddParticipant(ctx context.Context, sessionID string, userID int64, at time.Time) (bool, error) {
	var rejoin bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session model.Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND is_active = ?", sessionID, true).
			First(&session).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotActive
			}
			return err
		}

		var existing *model.Participant
		var row model.Participant
		err = tx.Where("session_id = ? AND user_id = ?", sessionID, userID).
			First(&row).Error
		if err == nil {
			existing = &row
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if existing != nil && existing.IsActive {
			rejoin = true
			return tx.Model(&model.Participant{}).
				Where("id = ?", existing.ID).
				Update("last_seen", at).Error
		}

		var count int64
		if err := tx.Model(&model.Participant{}).
			Where("session_id = ? AND is_active = ?", sessionID, true).
			Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(session.MaxParticipants) {
			return ErrSessionFull
		}

		if existing != nil {
			// 重新加入：复用原行
			return tx.Model(&model.Participant{}).
				Where("id = ?", existing.ID).
				Updates(map[string]interface{}{
					"is_active": true,
					"left_at":   nil,
					"last_seen": at,
				}).Error
		}

		return tx.Create(&model.Participant{
			SessionID: sessionID,
			UserID:    userID,
			IsActive:  true,
			JoinedAt:  at,
			LastSeen:  at,
		}).Error
	})
	return rejoin, err
}

// GetParticipant 获取参与者行（不区分状态）
func (r *gormSessionRepository) GetParticipant(ctx context.Context, sessionID string, userID int64) (*model.Participant, error) {
	var participant model.Participant
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		First(&participant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &participant, nil
}

// DeactivateParticipant 参与者离开（软删除，盖上离开时间）
func (r *gormSessionRepository) DeactivateParticipant(ctx context.Context, sessionID string, userID int64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Participant{}).
		Where("session_id = ? AND user_id = ? AND is_active = ?", sessionID, userID, true).
		Updates(map[string]interface{}{
			"is_active": false,
			"left_at":   at,
		}).Error
}

// ListActiveParticipantViews 获取活跃参与者列表（带用户名，API 响应用）
func (r *gormSessionRepository) ListActiveParticipantViews(ctx context.Context, sessionID string) ([]model.ParticipantView, error) {
	var views []model.ParticipantView
	err := r.db.WithContext(ctx).
		Table("participants p").
		Select("p.user_id, u.username, s.host_user_id = p.user_id AS is_host, p.is_active, p.joined_at, p.last_seen").
		Joins("JOIN users u ON u.id = p.user_id").
		Joins("JOIN sessions s ON s.id = p.session_id").
		Where("p.session_id = ? AND p.is_active = ?", sessionID, true).
		Order("p.joined_at ASC").
		Scan(&views).Error
	return views, err
}

// CountActiveParticipants 统计活跃参与者数量
func (r *gormSessionRepository) CountActiveParticipants(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Participant{}).
		Where("session_id = ? AND is_active = ?", sessionID, true).
		Count(&count).Error
	return count, err
}

// TouchHeartbeat 刷新活跃参与者的 last_seen。行不存在或已离开时返回 false，不报错。
func (r *gormSessionRepository) TouchHeartbeat(ctx context.Context, sessionID string, userID int64, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.Participant{}).
		Where("session_id = ? AND user_id = ? AND is_active = ?", sessionID, userID, true).
		Update("last_seen", at)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeactivateStaleParticipants 停用心跳超时的参与者，返回被清理的行。
// 只触碰活跃会话里的行，已结束会话由 End 级联处理。
func (r *gormSessionRepository) DeactivateStaleParticipants(ctx context.Context, cutoff, at time.Time) ([]*model.Participant, error) {
	var stale []*model.Participant
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Joins("JOIN sessions s ON s.id = participants.session_id AND s.is_active = ?", true).
			Where("participants.is_active = ? AND participants.last_seen < ?", true, cutoff).
			Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(stale))
		for _, p := range stale {
			ids = append(ids, p.ID)
		}
		return tx.Model(&model.Participant{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"is_active": false,
				"left_at":   at,
			}).Error
	})
	return stale, err
}
