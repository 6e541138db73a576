package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"JamFM/core/jam"
	"JamFM/logger"
	"JamFM/model"
)

// Phase 控制器所处的生命周期阶段
type Phase string

const (
	PhaseIdle      Phase = "idle"       // 不在任何会话中
	PhaseCreating  Phase = "creating"   // 创建请求进行中
	PhaseJoining   Phase = "joining"    // 加入请求进行中
	PhaseInSession Phase = "in_session" // 在会话中
	PhaseLeaving   Phase = "leaving"    // 离开请求进行中
	PhaseEnding    Phase = "ending"     // 结束请求进行中
)

// Snapshot 控制器状态的一致性快照，onUpdate 回调携带它
type Snapshot struct {
	Phase        Phase
	Session      *model.Session
	Participants []model.ParticipantView
	IsHost       bool
	TimeOffset   int64 // 服务端时钟减本地时钟，毫秒
}

// Controller 单个客户端的会话控制器。
// 同一时刻最多处于一个会话；所有异步结果都带世代号，
// 旧会话的迟到结果一律丢弃。
type Controller struct {
	api    API
	opener StreamOpener

	baseURL string
	token   string
	userID  int64

	heartbeatInterval time.Duration
	reconcilePeriod   time.Duration

	mu           sync.Mutex
	phase        Phase
	session      *model.Session
	participants []model.ParticipantView
	timeOffset   int64
	epoch        uint64
	cancel       context.CancelFunc
	stream       Stream

	onUpdate func(Snapshot)
	onNotice func(string)

	now func() time.Time
}

// NewController 创建会话控制器。onUpdate/onNotice 可以为 nil。
func NewController(api API, opener StreamOpener, baseURL, token string, userID int64,
	heartbeatInterval, reconcilePeriod time.Duration,
	onUpdate func(Snapshot), onNotice func(string)) *Controller {
	return &Controller{
		api:               api,
		opener:            opener,
		baseURL:           baseURL,
		token:             token,
		userID:            userID,
		heartbeatInterval: heartbeatInterval,
		reconcilePeriod:   reconcilePeriod,
		phase:             PhaseIdle,
		onUpdate:          onUpdate,
		onNotice:          onNotice,
		now:               time.Now,
	}
}

// Snapshot 返回当前状态快照
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Phase:      c.phase,
		IsHost:     c.session != nil && c.session.HostUserID == c.userID,
		TimeOffset: c.timeOffset,
	}
	if c.session != nil {
		copied := *c.session
		snap.Session = &copied
	}
	if c.participants != nil {
		snap.Participants = append([]model.ParticipantView(nil), c.participants...)
	}
	return snap
}

func (c *Controller) emitLocked() {
	if c.onUpdate != nil {
		c.onUpdate(c.snapshotLocked())
	}
}

func (c *Controller) notice(msg string) {
	if c.onNotice != nil {
		c.onNotice(msg)
	}
}

// Create 创建新会话并进入，本端成为主持人
func (c *Controller) Create(ctx context.Context, name string) error {
	if err := c.beginTransition(PhaseCreating); err != nil {
		return err
	}

	session, serverTime, err := c.api.CreateSession(ctx, name)
	if err != nil {
		c.abortTransition()
		return err
	}

	c.enterSession(session, serverTime)
	return nil
}

// JoinByCode 凭加入码加入会话
func (c *Controller) JoinByCode(ctx context.Context, code string) error {
	if err := c.beginTransition(PhaseJoining); err != nil {
		return err
	}

	session, serverTime, err := c.api.JoinByCode(ctx, code)
	if err != nil {
		c.abortTransition()
		return err
	}

	c.enterSession(session, serverTime)
	return nil
}

// beginTransition 进入过渡阶段。已在会话或过渡中时拒绝新操作。
func (c *Controller) beginTransition(next Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseIdle {
		return errors.New("another session operation is in progress")
	}
	c.phase = next
	c.emitLocked()
	return nil
}

func (c *Controller) abortTransition() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = PhaseIdle
	c.emitLocked()
}

// enterSession 进入会话：采样时钟偏移，启动心跳、对账和事件流
func (c *Controller) enterSession(session *model.Session, serverTime int64) {
	c.mu.Lock()

	// 单次采样足够：对账周期远大于网络抖动
	c.timeOffset = serverTime - c.now().UnixMilli()
	c.session = session
	c.participants = nil
	c.phase = PhaseInSession
	c.epoch++
	epoch := c.epoch

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.emitLocked()
	c.mu.Unlock()

	go c.run(ctx, epoch, session.ID)
}

// run 会话期间的后台循环：事件流、心跳、对账
func (c *Controller) run(ctx context.Context, epoch uint64, sessionID string) {
	var events <-chan jam.Event
	if c.opener != nil {
		stream, err := c.opener.Open(ctx, sessionID, c.token)
		if err != nil {
			// 没有快速路径也能工作，对账是兜底
			logger.Warn("event stream unavailable, reconcile only", logger.ErrorField(err))
		} else {
			events = stream.Events()
			c.mu.Lock()
			if c.epoch == epoch {
				c.stream = stream
			} else {
				c.mu.Unlock()
				stream.Close()
				return
			}
			c.mu.Unlock()
		}
	}

	// 进入会话后立刻拉一次参与者列表
	c.refreshParticipants(ctx, epoch, sessionID)

	heartbeat := time.NewTicker(c.heartbeatInterval)
	defer heartbeat.Stop()
	reconcile := time.NewTicker(c.reconcilePeriod)
	defer reconcile.Stop()

	var tick int
	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-events:
			if !ok {
				// 流断了就只剩对账路径，不主动重连
				events = nil
				continue
			}
			c.handleEvent(ctx, epoch, sessionID, &evt)

		case <-heartbeat.C:
			if err := c.api.Heartbeat(ctx, sessionID); err != nil {
				logger.Debug("heartbeat failed", logger.ErrorField(err))
			}

		case <-reconcile.C:
			tick++
			c.reconcile(ctx, epoch, sessionID, tick)
		}
	}
}

// handleEvent 应用一条广播事件
func (c *Controller) handleEvent(ctx context.Context, epoch uint64, sessionID string, evt *jam.Event) {
	switch evt.Type {
	case jam.EventStateUpdate:
		patch, _, err := jam.DecodeStatePayload(evt.Data)
		if err != nil {
			logger.Debug("bad state payload", logger.ErrorField(err))
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch || c.session == nil {
			return
		}
		// 主持人是权威，不吃自己的回声
		if c.session.HostUserID == c.userID {
			return
		}
		patch.ApplyTo(c.session)
		c.emitLocked()

	case jam.EventParticipantJoined, jam.EventParticipantLeft:
		c.refreshParticipants(ctx, epoch, sessionID)

	case jam.EventEnded:
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		c.teardownLocked()
		c.mu.Unlock()
		c.notice("会话已结束")
	}
}

// refreshParticipants 拉取参与者列表，失败时保留旧值
func (c *Controller) refreshParticipants(ctx context.Context, epoch uint64, sessionID string) {
	participants, err := c.api.GetParticipants(ctx, sessionID)
	if err != nil {
		logger.Debug("participants fetch failed", logger.ErrorField(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	if participantsEqual(c.participants, participants) {
		return
	}
	c.participants = participants
	c.emitLocked()
}

// UpdateState 主持人更新播放状态。本地先行应用，再走服务端双路分发。
func (c *Controller) UpdateState(ctx context.Context, patch *model.StatePatch) error {
	c.mu.Lock()
	if c.phase != PhaseInSession || c.session == nil {
		c.mu.Unlock()
		return jam.ErrNotFound
	}
	if c.session.HostUserID != c.userID {
		c.mu.Unlock()
		return jam.ErrForbidden
	}
	sessionID := c.session.ID
	patch.ApplyTo(c.session)
	c.emitLocked()
	c.mu.Unlock()

	return c.api.UpdateState(ctx, sessionID, patch)
}

// Leave 离开会话。主持人离开等价于结束会话，由服务端裁决。
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseInSession || c.session == nil {
		c.mu.Unlock()
		return nil
	}
	sessionID := c.session.ID
	c.phase = PhaseLeaving
	c.emitLocked()
	c.mu.Unlock()

	err := c.api.Leave(ctx, sessionID)

	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
	return err
}

// End 主持人结束会话
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseInSession || c.session == nil {
		c.mu.Unlock()
		return jam.ErrNotFound
	}
	if c.session.HostUserID != c.userID {
		c.mu.Unlock()
		return jam.ErrForbidden
	}
	sessionID := c.session.ID
	c.phase = PhaseEnding
	c.emitLocked()
	c.mu.Unlock()

	err := c.api.EndSession(ctx, sessionID)

	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
	return err
}

// LeaveBeacon 页面卸载路径的离开通知。同步但短超时，不报告结果。
func (c *Controller) LeaveBeacon() {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	sessionID := c.session.ID
	c.teardownLocked()
	c.mu.Unlock()

	SendBeacon(c.baseURL, sessionID, c.token)
}

// teardownLocked 退出会话的统一收尾。每条退出路径都走这里。
func (c *Controller) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.epoch++
	c.session = nil
	c.participants = nil
	c.phase = PhaseIdle
	c.emitLocked()
}
