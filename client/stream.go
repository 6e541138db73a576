package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"JamFM/core/jam"
	"JamFM/logger"

	"github.com/gorilla/websocket"
)

// Stream 会话事件流。Events 通道在连接断开后关闭。
type Stream interface {
	Events() <-chan jam.Event
	Close() error
}

// StreamOpener 建立会话事件流的工厂。测试里用假实现。
type StreamOpener interface {
	Open(ctx context.Context, sessionID, token string) (Stream, error)
}

// wsOpener 基于 gorilla/websocket 的事件流工厂
type wsOpener struct {
	baseURL string
}

// NewWSOpener 创建 WebSocket 事件流工厂。baseURL 是 HTTP 地址，
// 内部换成 ws/wss 协议。
func NewWSOpener(baseURL string) StreamOpener {
	return &wsOpener{baseURL: strings.TrimRight(baseURL, "/")}
}

func (o *wsOpener) Open(ctx context.Context, sessionID, token string) (Stream, error) {
	wsURL := strings.Replace(o.baseURL, "http", "ws", 1) +
		"/ws/jam/" + sessionID + "?token=" + url.QueryEscape(token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	s := &wsStream{
		conn:   conn,
		events: make(chan jam.Event, 32),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// wsStream WebSocket 事件流
type wsStream struct {
	conn      *websocket.Conn
	events    chan jam.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsStream) Events() <-chan jam.Event {
	return s.events
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.conn.Close()
}

func (s *wsStream) readLoop() {
	defer close(s.events)
	defer s.conn.Close()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read error", logger.ErrorField(err))
			}
			return
		}

		// 服务端会把积压的消息用换行合并成一帧
		for _, line := range bytes.Split(raw, []byte{'\n'}) {
			if len(line) == 0 {
				continue
			}
			var evt jam.Event
			if err := json.Unmarshal(line, &evt); err != nil {
				logger.Debug("skip malformed event", logger.ErrorField(err))
				continue
			}
			if evt.Type == jam.EventPong {
				continue
			}
			// events 无人消费时不能卡死在这里，Close 后要能退出
			select {
			case s.events <- evt:
			case <-s.done:
				return
			}
		}
	}
}
