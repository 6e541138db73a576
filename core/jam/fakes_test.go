package jam

import (
	"context"
	"fmt"
	"sync"
	"time"

	"JamFM/model"
	"JamFM/repository"
)

// fakeSessionRepo 内存版会话仓库，测试用
type fakeSessionRepo struct {
	mu           sync.Mutex
	sessions     map[string]*model.Session
	participants map[string]*model.Participant // key: sessionID:userID
	usernames    map[int64]string
	hostSeatErr  error // CreateWithHost 注入失败，模拟事务回滚
}

var _ repository.SessionRepository = (*fakeSessionRepo)(nil)

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions:     make(map[string]*model.Session),
		participants: make(map[string]*model.Participant),
		usernames:    make(map[int64]string),
	}
}

func pkey(sessionID string, userID int64) string {
	return fmt.Sprintf("%s:%d", sessionID, userID)
}

func (f *fakeSessionRepo) CreateWithHost(_ context.Context, session *model.Session, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hostSeatErr != nil {
		return f.hostSeatErr
	}
	copied := *session
	f.sessions[session.ID] = &copied
	f.participants[pkey(session.ID, session.HostUserID)] = &model.Participant{
		ID:        int64(len(f.participants) + 1),
		SessionID: session.ID,
		UserID:    session.HostUserID,
		IsActive:  true,
		JoinedAt:  at,
		LastSeen:  at,
	}
	return nil
}

func (f *fakeSessionRepo) GetByID(_ context.Context, id string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (f *fakeSessionRepo) GetActiveByCode(_ context.Context, code string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, session := range f.sessions {
		if session.Code == code && session.IsActive {
			copied := *session
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeSessionRepo) ActiveCodeExists(_ context.Context, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, session := range f.sessions {
		if session.Code == code && session.IsActive {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSessionRepo) ApplyStatePatch(_ context.Context, id string, patch *model.StatePatch, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok || !session.IsActive {
		return nil
	}
	patch.ApplyTo(session)
	session.UpdatedAt = at
	return nil
}

func (f *fakeSessionRepo) End(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return nil
	}
	session.IsActive = false
	ended := at
	session.EndedAt = &ended
	for _, participant := range f.participants {
		if participant.SessionID == id && participant.IsActive {
			participant.IsActive = false
			left := at
			participant.LeftAt = &left
		}
	}
	return nil
}

func (f *fakeSessionRepo) AddParticipant(_ context.Context, sessionID string, userID int64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok || !session.IsActive {
		return false, repository.ErrSessionNotActive
	}
	key := pkey(sessionID, userID)
	if existing, ok := f.participants[key]; ok && existing.IsActive {
		existing.LastSeen = at
		return true, nil
	}
	var count int64
	for _, participant := range f.participants {
		if participant.SessionID == sessionID && participant.IsActive {
			count++
		}
	}
	if count >= int64(session.MaxParticipants) {
		return false, repository.ErrSessionFull
	}
	if existing, ok := f.participants[key]; ok {
		existing.IsActive = true
		existing.LeftAt = nil
		existing.LastSeen = at
		return false, nil
	}
	f.participants[key] = &model.Participant{
		ID:        int64(len(f.participants) + 1),
		SessionID: sessionID,
		UserID:    userID,
		IsActive:  true,
		JoinedAt:  at,
		LastSeen:  at,
	}
	return false, nil
}

func (f *fakeSessionRepo) GetParticipant(_ context.Context, sessionID string, userID int64) (*model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	participant, ok := f.participants[pkey(sessionID, userID)]
	if !ok {
		return nil, nil
	}
	copied := *participant
	return &copied, nil
}

func (f *fakeSessionRepo) DeactivateParticipant(_ context.Context, sessionID string, userID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	participant, ok := f.participants[pkey(sessionID, userID)]
	if !ok || !participant.IsActive {
		return nil
	}
	participant.IsActive = false
	left := at
	participant.LeftAt = &left
	return nil
}

func (f *fakeSessionRepo) ListActiveParticipantViews(_ context.Context, sessionID string) ([]model.ParticipantView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session := f.sessions[sessionID]
	var out []model.ParticipantView
	for _, participant := range f.participants {
		if participant.SessionID == sessionID && participant.IsActive {
			out = append(out, model.ParticipantView{
				UserID:   participant.UserID,
				Username: f.usernames[participant.UserID],
				IsHost:   session != nil && session.HostUserID == participant.UserID,
				IsActive: true,
				JoinedAt: participant.JoinedAt,
				LastSeen: participant.LastSeen,
			})
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) CountActiveParticipants(_ context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, participant := range f.participants {
		if participant.SessionID == sessionID && participant.IsActive {
			count++
		}
	}
	return count, nil
}

func (f *fakeSessionRepo) TouchHeartbeat(_ context.Context, sessionID string, userID int64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	participant, ok := f.participants[pkey(sessionID, userID)]
	if !ok || !participant.IsActive {
		return false, nil
	}
	participant.LastSeen = at
	return true, nil
}

func (f *fakeSessionRepo) DeactivateStaleParticipants(_ context.Context, cutoff, at time.Time) ([]*model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stale []*model.Participant
	for _, participant := range f.participants {
		session := f.sessions[participant.SessionID]
		if session == nil || !session.IsActive {
			continue
		}
		if participant.IsActive && participant.LastSeen.Before(cutoff) {
			participant.IsActive = false
			left := at
			participant.LeftAt = &left
			copied := *participant
			stale = append(stale, &copied)
		}
	}
	return stale, nil
}

// fakeBroadcaster 记录广播事件，测试用
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
	closed []string
}

type recordedEvent struct {
	SessionID string
	Event     Event
	Exclude   int64
}

func (f *fakeBroadcaster) BroadcastEvent(sessionID string, evt *Event, excludeUserID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{SessionID: sessionID, Event: *evt, Exclude: excludeUserID})
	return nil
}

func (f *fakeBroadcaster) CloseSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

func (f *fakeBroadcaster) eventsOfType(typ EventType) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, rec := range f.events {
		if rec.Event.Type == typ {
			out = append(out, rec)
		}
	}
	return out
}
