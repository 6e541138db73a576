package client

import (
	"context"
	"sync"

	"JamFM/core/jam"
	"JamFM/model"
)

// fakeAPI 内存版服务端，测试用
type fakeAPI struct {
	mu sync.Mutex

	session      *model.Session
	participants []model.ParticipantView
	serverTime   int64

	createErr error
	joinErr   error
	getErr    error

	heartbeats int
	cleanups   int
	leaves     int
	ends       int
	patches    []*model.StatePatch
}

var _ API = (*fakeAPI)(nil)

func (f *fakeAPI) CreateSession(_ context.Context, name string) (*model.Session, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, 0, f.createErr
	}
	copied := *f.session
	copied.Name = name
	return &copied, f.serverTime, nil
}

func (f *fakeAPI) JoinByCode(_ context.Context, _ string) (*model.Session, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return nil, 0, f.joinErr
	}
	copied := *f.session
	return &copied, f.serverTime, nil
}

func (f *fakeAPI) GetSession(_ context.Context, _ string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	copied := *f.session
	return &copied, nil
}

func (f *fakeAPI) GetParticipants(_ context.Context, _ string) ([]model.ParticipantView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ParticipantView(nil), f.participants...), nil
}

func (f *fakeAPI) Heartbeat(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeAPI) Leave(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeAPI) UpdateState(_ context.Context, _ string, patch *model.StatePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch)
	patch.ApplyTo(f.session)
	return nil
}

func (f *fakeAPI) EndSession(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	f.session.IsActive = false
	return nil
}

func (f *fakeAPI) Cleanup(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func (f *fakeAPI) cleanupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

// fakeStream 手动喂事件的流
type fakeStream struct {
	events chan jam.Event
	closed bool
	mu     sync.Mutex
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan jam.Event, 16)}
}

func (s *fakeStream) Events() <-chan jam.Event { return s.events }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeOpener 返回预置流的工厂
type fakeOpener struct {
	stream *fakeStream
}

func (o *fakeOpener) Open(_ context.Context, _, _ string) (Stream, error) {
	return o.stream, nil
}
