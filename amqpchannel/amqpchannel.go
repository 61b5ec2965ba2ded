// Package amqpchannel implements the widget push channel over RabbitMQ, for
// server-side widget hosts that sit next to the broker instead of behind the
// WebSocket gateway.
//
// The gateway publishes the same binary frames it writes to WebSocket clients
// to a topic exchange. Each subscription declares an exclusive auto-delete
// queue bound to the instance's routing key and, for device lock pushes, to
// the user's routing key.
package amqpchannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	chatwidget "github.com/NeboLoop/chatwidget-go-sdk"
	"github.com/NeboLoop/chatwidget-go-sdk/frame"
)

const (
	DefaultExchange    = "chatwidget.push"
	defaultDialTimeout = 10 * time.Second
	eventBufferSize    = 64
)

// Config holds broker connection parameters.
type Config struct {
	URL         string
	Exchange    string        // topic exchange, default "chatwidget.push"
	DialTimeout time.Duration // default 10s
	Logger      *slog.Logger

	// Dialer overrides how connections are made.
	Dialer func(ctx context.Context, url string) (*amqp.Connection, error)
}

// Channel is a chatwidget.Channel backed by RabbitMQ.
type Channel struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a channel. It does not connect until Subscribe is called.
func New(cfg Config) *Channel {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Dialer == nil {
		timeout := cfg.DialTimeout
		cfg.Dialer = func(_ context.Context, u string) (*amqp.Connection, error) {
			return amqp.DialConfig(u, amqp.Config{Dial: amqp.DefaultDial(timeout)})
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:    cfg,
		logger: logger.With("component", "amqpchannel"),
	}
}

// Subscribe implements chatwidget.Channel.
func (c *Channel) Subscribe(ctx context.Context, req chatwidget.SubscribeRequest) (chatwidget.Subscription, error) {
	if req.BotID == "" || req.InstanceID == "" {
		return nil, errors.New("amqpchannel: bot and instance id required")
	}

	conn, err := c.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &chatwidget.TransportError{Op: "dial", Err: err}
	}
	if ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, &chatwidget.TransportError{Op: "open channel", Err: err}
	}

	deliveries, err := c.declare(ch, req)
	if err != nil {
		conn.Close()
		return nil, &chatwidget.TransportError{Op: "declare", Err: err}
	}

	s := &subscription{
		conn:   conn,
		ch:     ch,
		convID: req.ConversationID,
		events: make(chan chatwidget.Event, eventBufferSize),
		done:   make(chan struct{}),
		dedup:  frame.NewDedupWindow(),
		logger: c.logger,
	}
	s.connected.Store(true)
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.Info("subscribed to broker",
		"exchange", c.cfg.Exchange,
		"instance_key", InstanceRoutingKey(req.BotID, req.InstanceID))

	go s.consume(deliveries, closeCh)
	return s, nil
}

// dial runs the dialer in the background so that canceling ctx returns at
// once. A connection that completes after that is closed.
func (c *Channel) dial(ctx context.Context) (*amqp.Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := c.cfg.Dialer(ctx, c.cfg.URL)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				c.logger.Debug("closing connection dialed after cancel")
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// declare sets up the exchange, a private queue and its bindings, and starts
// consuming.
func (c *Channel) declare(ch *amqp.Channel, req chatwidget.SubscribeRequest) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("exchange %s: %w", c.cfg.Exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	for _, key := range BindingKeys(req) {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return ch.Consume(q.Name, "", true, true, false, false, nil)
}

var keyEscaper = strings.NewReplacer(".", "_", "*", "_", "#", "_")

// InstanceRoutingKey is the routing key of events for one widget instance:
// widget.<bot>.instance.<instance>.
func InstanceRoutingKey(botID, instanceID string) string {
	return "widget." + keyEscaper.Replace(botID) + ".instance." + keyEscaper.Replace(instanceID)
}

// UserRoutingKey is the routing key of events for every device of a user:
// widget.<bot>.user.<user>. Device lock pushes use it.
func UserRoutingKey(botID, userID string) string {
	return "widget." + keyEscaper.Replace(botID) + ".user." + keyEscaper.Replace(userID)
}

// BindingKeys returns the routing keys a subscription listens on. Anonymous
// visitors have no user-wide key.
func BindingKeys(req chatwidget.SubscribeRequest) []string {
	keys := []string{InstanceRoutingKey(req.BotID, req.InstanceID)}
	if req.UserID != "" {
		keys = append(keys, UserRoutingKey(req.BotID, req.UserID))
	}
	return keys
}

type subscription struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	convID string
	events chan chatwidget.Event
	done   chan struct{}
	dedup  *frame.DedupWindow
	logger *slog.Logger

	connected atomic.Bool
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *subscription) consume(deliveries <-chan amqp.Delivery, closeCh <-chan *amqp.Error) {
	defer close(s.events)

	for {
		select {
		case <-s.done:
			return

		case aerr, ok := <-closeCh:
			if !ok || aerr == nil {
				aerr = &amqp.Error{Reason: "connection closed"}
			}
			s.fail(&chatwidget.TransportError{Op: "consume", Err: aerr})
			return

		case d, ok := <-deliveries:
			if !ok {
				s.fail(&chatwidget.TransportError{Op: "consume", Err: errors.New("delivery channel closed")})
				return
			}
			ev, ok, err := s.handle(d.Body)
			if err != nil {
				s.fail(err)
				return
			}
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// handle decodes one delivery. A non-nil error ends the subscription.
func (s *subscription) handle(body []byte) (chatwidget.Event, bool, error) {
	h, payload, err := frame.Unpack(body)
	if err != nil {
		s.logger.Debug("bad frame", "error", err)
		return chatwidget.Event{}, false, nil
	}
	if h.Type == frame.TypeConversationEnded {
		return chatwidget.Event{}, false, chatwidget.EndedReason(payload)
	}
	if h.HasID() && !h.IsEphemeral() && s.dedup.IsDuplicate(h.ID) {
		return chatwidget.Event{}, false, nil
	}
	ev, ok, err := chatwidget.DecodeEvent(h, payload)
	if err != nil {
		s.logger.Debug("bad frame", "type", frame.TypeName(h.Type), "error", err)
		return chatwidget.Event{}, false, nil
	}
	return ev, ok, nil
}

func (s *subscription) fail(err error) {
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
	s.logger.Warn("subscription ended", "error", err)
}

func (s *subscription) Events() <-chan chatwidget.Event { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) IsConnected() bool { return s.connected.Load() }

func (s *subscription) ConversationID() string { return s.convID }

// Unsubscribe closes the channel and the connection; the broker drops the
// auto-delete queue.
func (s *subscription) Unsubscribe() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.connected.Store(false)
		_ = s.ch.Close()
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = cerr
		}
	})
	return err
}
