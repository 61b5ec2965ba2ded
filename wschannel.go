package chatwidget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/NeboLoop/chatwidget-go-sdk/frame"
	"github.com/NeboLoop/chatwidget-go-sdk/wire"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	eventBufferSize         = 64
)

var errServerClosed = errors.New("gateway closed the subscription")

// WSConfig holds gateway connection parameters.
type WSConfig struct {
	Endpoint         string        // WebSocket URL (e.g. "ws://localhost:9000/widget")
	Token            string        // widget JWT, optional for anonymous widgets
	HandshakeTimeout time.Duration // default 10s
	Logger           *slog.Logger
}

// WSChannel is a Channel over the gateway's binary WebSocket protocol. Every
// Subscribe dials a fresh connection: CONNECT, AUTH, SUBSCRIBE, SUBSCRIBE_ACK.
type WSChannel struct {
	cfg    WSConfig
	logger *slog.Logger
}

// NewWSChannel creates a WebSocket channel. It does not connect until
// Subscribe is called.
func NewWSChannel(cfg WSConfig) *WSChannel {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSChannel{
		cfg:    cfg,
		logger: logger.With("component", "wschannel"),
	}
}

// Subscribe implements Channel.
func (c *WSChannel) Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error) {
	conn, _, _, err := ws.Dial(ctx, c.cfg.Endpoint)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	s := &wsSubscription{
		conn:   conn,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		dedup:  frame.NewDedupWindow(),
		logger: c.logger,
	}

	// Abort a handshake stuck on the network when ctx is canceled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	pending, err := s.handshake(req, c.cfg)
	if !stop() {
		conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	s.connected.Store(true)
	c.logger.Info("subscribed to gateway",
		"endpoint", c.cfg.Endpoint,
		"conversation", s.convID,
		"buffered", len(pending))

	go s.readLoop(pending)
	return s, nil
}

type wsSubscription struct {
	conn   net.Conn
	convID string
	events chan Event
	done   chan struct{}
	dedup  *frame.DedupWindow
	logger *slog.Logger

	writeMu   sync.Mutex
	connected atomic.Bool
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// handshake authenticates and subscribes. Events that arrive before the
// subscription ack are returned in arrival order.
func (s *wsSubscription) handshake(req SubscribeRequest, cfg WSConfig) ([]Event, error) {
	s.conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	if err := s.writeJSON(frame.Header{Type: frame.TypeConnect}, wire.ConnectPayload{
		Token:      cfg.Token,
		BotID:      req.BotID,
		UserID:     req.UserID,
		InstanceID: req.InstanceID,
	}); err != nil {
		return nil, &TransportError{Op: "send connect", Err: err}
	}

	h, payload, err := s.read()
	if err != nil {
		return nil, &TransportError{Op: "read auth", Err: err}
	}
	switch h.Type {
	case frame.TypeAuthOK:
	case frame.TypeAuthFail:
		var result wire.AuthResultPayload
		if err := json.Unmarshal(payload, &result); err != nil {
			s.logger.Warn("bad auth result", "error", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, result.Reason)
	default:
		return nil, &TransportError{Op: "read auth", Err: fmt.Errorf("unexpected frame %s", frame.TypeName(h.Type))}
	}

	if err := s.writeJSON(frame.Header{
		Type:           frame.TypeSubscribe,
		ConversationID: conversationBytes(req.ConversationID),
	}, wire.SubscribePayload{ConversationID: req.ConversationID}); err != nil {
		return nil, &TransportError{Op: "send subscribe", Err: err}
	}

	var pending []Event
	for {
		h, payload, err := s.read()
		if err != nil {
			return nil, &TransportError{Op: "read subscribe ack", Err: err}
		}
		switch h.Type {
		case frame.TypeSubscribeAck:
			var ack wire.SubscribeAckPayload
			if err := json.Unmarshal(payload, &ack); err != nil {
				return nil, &TransportError{Op: "read subscribe ack", Err: err}
			}
			s.convID = ack.ConversationID
			if s.convID == "" {
				s.convID = req.ConversationID
			}
			return pending, nil
		case frame.TypeConversationEnded:
			return nil, EndedReason(payload)
		case frame.TypeClose:
			return nil, &TransportError{Op: "read subscribe ack", Err: errServerClosed}
		}
		if ev, ok := s.decode(h, payload); ok {
			pending = append(pending, ev)
		}
	}
}

func (s *wsSubscription) readLoop(pending []Event) {
	defer close(s.events)

	for _, ev := range pending {
		if !s.emit(ev) {
			return
		}
	}

	for {
		h, payload, err := s.read()
		if err != nil {
			s.fail(&TransportError{Op: "read", Err: err})
			return
		}

		switch h.Type {
		case frame.TypeConversationEnded:
			s.fail(EndedReason(payload))
			return
		case frame.TypeClose:
			s.fail(&TransportError{Op: "read", Err: errServerClosed})
			return
		}

		ev, ok := s.decode(h, payload)
		if !ok {
			continue
		}
		if !s.emit(ev) {
			return
		}
	}
}

// decode drops replayed frames and converts the rest into events.
func (s *wsSubscription) decode(h frame.Header, payload []byte) (Event, bool) {
	if h.HasID() && !h.IsEphemeral() && s.dedup.IsDuplicate(h.ID) {
		s.logger.Debug("dropped replayed frame", "type", frame.TypeName(h.Type), "seq", h.Seq)
		return Event{}, false
	}
	ev, ok, err := DecodeEvent(h, payload)
	if err != nil {
		s.logger.Debug("bad frame", "type", frame.TypeName(h.Type), "error", err)
		return Event{}, false
	}
	return ev, ok
}

func (s *wsSubscription) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *wsSubscription) read() (frame.Header, []byte, error) {
	for {
		data, err := wsutil.ReadServerBinary(s.conn)
		if err != nil {
			return frame.Header{}, nil, err
		}
		h, payload, err := frame.Unpack(data)
		if err != nil {
			s.logger.Debug("bad frame", "error", err)
			continue
		}
		return h, payload, nil
	}
}

func (s *wsSubscription) writeJSON(h frame.Header, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data, err := frame.Pack(h, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteClientBinary(s.conn, data)
}

// fail records why the subscription ended, unless it was unsubscribed.
func (s *wsSubscription) fail(err error) {
	s.connected.Store(false)
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.logger.Warn("subscription ended", "conversation", s.convID, "error", err)
	s.conn.Close()
}

func (s *wsSubscription) Events() <-chan Event { return s.events }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) IsConnected() bool { return s.connected.Load() }

func (s *wsSubscription) ConversationID() string { return s.convID }

// Unsubscribe tells the gateway and closes the connection. It is safe to
// call more than once.
func (s *wsSubscription) Unsubscribe() error {
	s.closeOnce.Do(func() {
		close(s.done)
		wasConnected := s.connected.Swap(false)
		if wasConnected {
			s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := s.writeJSON(frame.Header{
				Type:           frame.TypeUnsubscribe,
				ConversationID: conversationBytes(s.convID),
			}, wire.UnsubscribePayload{ConversationID: s.convID}); err != nil {
				s.logger.Debug("unsubscribe frame not sent", "error", err)
			}
		}
		s.conn.Close()
	})
	return nil
}

// conversationBytes packs a UUID conversation id into a frame header field.
// Non-UUID ids travel in the payload only.
func conversationBytes(id string) [16]byte {
	u, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return u
}
