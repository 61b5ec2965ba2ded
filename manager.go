package chatwidget

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/NeboLoop/chatwidget-go-sdk/conversation"
	"github.com/NeboLoop/chatwidget-go-sdk/frame"
	"github.com/NeboLoop/chatwidget-go-sdk/identity"
	"github.com/NeboLoop/chatwidget-go-sdk/lock"
)

// State is the connection manager's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateBlocked
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateBlocked:
		return "blocked"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ManagerConfig holds the collaborators of a Manager.
type ManagerConfig struct {
	Instance identity.Instance
	Channel  Channel
	Backend  Backend
	Logger   *slog.Logger

	ReconnectBase          time.Duration // default 1s
	ReconnectCap           time.Duration // default 30s
	ReconnectJitterPercent int           // default 20, negative disables
}

// Snapshot is the read-only view of a session the UI renders.
type Snapshot struct {
	State                       State
	ConnectionStatus            conversation.ConnectionStatus
	ConversationID              string
	Messages                    []conversation.Message
	IsTyping                    bool
	TypingSender                conversation.TypingSender
	IsBlockedByOtherDevice      bool
	BlockMessage                string
	IsMobileSessionActive       bool
	IsMobileConversationExpired bool
}

// Manager owns the push channel lifecycle of one widget instance. It relays
// pushed events into the message store and the lock mirror, and round-trips
// outbound questions through the backend.
//
// Each connection attempt runs in its own goroutine tagged with an attempt
// id. Events and results of a superseded attempt are dropped.
type Manager struct {
	inst     identity.Instance
	channel  Channel
	backend  Backend
	logger   *slog.Logger
	store    *conversation.Store
	lock     *lock.Lock
	ids      *frame.ULIDGen
	backoff  Backoff
	onChange func(durable bool)

	// overridable in tests
	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time

	mu         sync.Mutex
	state      State
	status     conversation.ConnectionStatus
	convID     string
	attempt    uint64
	cancel     context.CancelFunc
	sub        Subscription
	sendSeq    uint64
	sendCancel context.CancelFunc
	sendMsgID  string
	fields     map[string]string
	started    bool
	closed     bool
	err        error

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates an idle manager hydrated from a cached state. onChange
// is called outside the manager's lock after every observable change; durable
// is true when the change should be persisted.
func NewManager(cfg ManagerConfig, initial conversation.State, onChange func(durable bool)) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	jitter := cfg.ReconnectJitterPercent
	if jitter == 0 {
		jitter = DefaultReconnectJitter
	}
	if onChange == nil {
		onChange = func(bool) {}
	}

	m := &Manager{
		inst:    cfg.Instance,
		channel: cfg.Channel,
		backend: cfg.Backend,
		logger:  logger.With("component", "manager", "instance", cfg.Instance.InstanceID),
		store:   conversation.NewStore(initial),
		ids:     frame.NewULIDGen(),
		backoff: Backoff{
			Base:          cfg.ReconnectBase,
			Cap:           cfg.ReconnectCap,
			JitterPercent: jitter,
		},
		onChange: onChange,
		wait:     waitFor,
		now:      time.Now,
		state:    StateIdle,
		status:   conversation.ConnectionDisconnected,
		convID:   initial.ConversationID,
		fields:   make(map[string]string),
		done:     make(chan struct{}),
	}
	if m.backoff.Cap == 0 {
		m.backoff.Cap = DefaultReconnectCap
	}
	m.lock = lock.New(initial.Lock, func(lock.State) {
		m.logger.Info("mobile conversation expired")
		m.onChange(true)
	})
	return m
}

// Start moves the manager from Idle to Connecting. Calling it again is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.attachLocked()
	m.mu.Unlock()

	m.onChange(false)
}

// SetConversation switches the manager to another conversation. A new
// connection attempt starts only if the id actually changes. Messages of the
// previous conversation are dropped and the new one's history is loaded.
func (m *Manager) SetConversation(id string) {
	m.mu.Lock()
	if m.closed || id == "" || id == m.convID {
		m.mu.Unlock()
		return
	}
	m.setConversationLocked(id)
	m.mu.Unlock()

	m.onChange(true)
}

// setConversationLocked keeps the store only when the first conversation id
// is assigned. Replacing one conversation with another empties it and drops
// any in-flight send.
func (m *Manager) setConversationLocked(id string) {
	m.logger.Info("conversation changed", "from", m.convID, "to", id)
	if m.convID != "" {
		if m.sendCancel != nil {
			m.sendCancel()
			m.sendCancel = nil
			m.sendMsgID = ""
			m.sendSeq++
		}
		m.store.Reset()
	}
	m.convID = id
	if m.started {
		m.attachLocked()
	}
}

// attachLocked supersedes the current attempt and starts a new one.
func (m *Manager) attachLocked() {
	if m.cancel != nil {
		m.cancel()
	}
	m.sub = nil
	m.attempt++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.state = StateConnecting
	m.status = conversation.ConnectionConnecting

	m.wg.Add(1)
	go m.run(ctx, m.attempt, m.convID)
}

// run drives one connection attempt until it is superseded, closed or hits a
// terminal error. It owns every subscription it creates.
func (m *Manager) run(ctx context.Context, attempt uint64, convID string) {
	defer m.wg.Done()

	bo := m.backoff
	hydrated := false
	for {
		sub, err := m.channel.Subscribe(ctx, SubscribeRequest{
			BotID:          m.inst.BotID,
			UserID:         m.inst.UserID,
			InstanceID:     m.inst.InstanceID,
			ConversationID: convID,
		})
		if err == nil {
			if !m.adopt(attempt, sub) {
				_ = sub.Unsubscribe()
				return
			}
			bo.Reset()
			convID = m.ConversationID()
			if !hydrated && convID != "" && m.store.Len() == 0 {
				m.hydrate(ctx, attempt, convID)
			}
			hydrated = true
			err = m.pump(ctx, attempt, sub)
			m.release(sub)
		}

		if ctx.Err() != nil {
			return
		}
		if isTerminal(err) {
			m.fail(attempt, err)
			return
		}

		delay := bo.Next()
		if !m.disconnected(attempt, err, delay) {
			return
		}
		if m.wait(ctx, delay) != nil {
			return
		}
		if id := m.ConversationID(); id != "" {
			convID = id
		}
	}
}

// adopt installs a fresh subscription if its attempt is still current.
func (m *Manager) adopt(attempt uint64, sub Subscription) bool {
	m.mu.Lock()
	if attempt != m.attempt || m.closed {
		m.mu.Unlock()
		return false
	}
	m.sub = sub
	durable := false
	if id := sub.ConversationID(); id != "" && m.convID == "" {
		m.convID = id
		durable = true
	}
	m.state = StateConnected
	m.status = conversation.ConnectionConnected
	convID := m.convID
	m.mu.Unlock()

	m.logger.Info("subscribed", "conversation", convID, "attempt", attempt)
	m.onChange(durable)
	return true
}

// hydrate fills an empty store from the backend history.
func (m *Manager) hydrate(ctx context.Context, attempt uint64, convID string) {
	if m.backend == nil {
		return
	}
	history, err := m.backend.GetConversationHistory(ctx, convID)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("history fetch failed", "conversation", convID, "error", err)
		}
		return
	}

	m.mu.Lock()
	if attempt != m.attempt || m.closed {
		m.mu.Unlock()
		return
	}
	changed := false
	for _, msg := range history {
		if m.store.Append(msg) {
			changed = true
		}
	}
	m.mu.Unlock()

	if changed {
		m.logger.Debug("history hydrated", "conversation", convID, "messages", len(history))
		m.onChange(true)
	}
}

// pump applies events until the subscription ends or ctx is canceled.
func (m *Manager) pump(ctx context.Context, attempt uint64, sub Subscription) error {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return &TransportError{Op: "read", Err: io.EOF}
			}
			m.apply(attempt, ev)
		}
	}
}

// apply relays one event into the store or the lock mirror.
func (m *Manager) apply(attempt uint64, ev Event) {
	m.mu.Lock()
	if attempt != m.attempt || m.closed {
		m.mu.Unlock()
		return
	}

	var changed, durable bool
	switch ev.Type {
	case EventMessage:
		changed = m.store.Append(ev.Message)
		durable = changed
	case EventTyping:
		changed = m.store.SetTyping(ev.TypingSender, ev.TypingActive)
	case EventLock:
		wasBlocked := !m.lock.IsSendAllowed()
		changed = m.lock.Apply(ev.Lock)
		durable = changed
		if changed {
			blocked := !m.lock.IsSendAllowed()
			switch {
			case blocked && !wasBlocked:
				m.logger.Info("blocked by another device", "message", ev.Lock.BlockMessage)
			case wasBlocked && !blocked:
				m.logger.Info("block released, resubscribing")
				m.attachLocked()
			}
		}
	}
	m.mu.Unlock()

	if changed {
		m.onChange(durable)
	}
}

// release drops a finished subscription.
func (m *Manager) release(sub Subscription) {
	m.mu.Lock()
	if m.sub == sub {
		m.sub = nil
	}
	m.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		m.logger.Debug("unsubscribe failed", "error", err)
	}
}

// disconnected records a transport failure. It reports false if the attempt
// was superseded meanwhile.
func (m *Manager) disconnected(attempt uint64, err error, retryIn time.Duration) bool {
	m.mu.Lock()
	if attempt != m.attempt || m.closed {
		m.mu.Unlock()
		return false
	}
	m.state = StateReconnecting
	changed := m.status != conversation.ConnectionDisconnected
	m.status = conversation.ConnectionDisconnected
	m.mu.Unlock()

	m.logger.Warn("push channel lost, reconnecting", "error", err, slog.Duration("retry_in", retryIn))
	if changed {
		m.onChange(false)
	}
	return true
}

// fail closes the manager on a terminal error.
func (m *Manager) fail(attempt uint64, err error) {
	m.mu.Lock()
	if attempt != m.attempt || m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.err = err
	m.state = StateClosed
	m.status = conversation.ConnectionDisconnected
	m.stopLocked()
	m.mu.Unlock()

	m.logger.Error("session closed", "error", err)
	m.finish()
	m.onChange(false)
}

// stopLocked cancels the active attempt and any in-flight send. The bot typing
// indicator of that send goes with it; its user message stays pending.
func (m *Manager) stopLocked() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.sendCancel != nil {
		m.sendCancel()
		m.sendCancel = nil
		m.sendMsgID = ""
	}
	m.store.SetTyping(conversation.TypingNone, false)
}

func (m *Manager) finish() {
	m.doneOnce.Do(func() {
		m.lock.Stop()
		close(m.done)
	})
}

// Send posts a question to the backend. The user message is appended as
// pending right away and settled when the answer arrives.
//
// A newer Send supersedes this one: the superseded call returns ErrCanceled
// and its user message is withdrawn. Canceling ctx does the same. A send cut
// short by Close also returns ErrCanceled, but its message stays pending and
// comes back as failed when the conversation is reopened.
func (m *Manager) Send(ctx context.Context, question string) error {
	return m.send(ctx, question, "")
}

// send is Send, optionally replacing the failed message replaces once the
// new question has been accepted.
func (m *Manager) send(ctx context.Context, question, replaces string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return ErrEmptyMessage
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !m.lock.IsSendAllowed() {
		m.mu.Unlock()
		return ErrBlocked
	}
	if replaces != "" && !m.store.Remove(replaces) {
		m.mu.Unlock()
		return ErrNotFailed
	}
	if m.sendCancel != nil {
		m.sendCancel()
		m.store.Withdraw(m.sendMsgID)
	}
	m.sendSeq++
	token := m.sendSeq
	sendCtx, cancel := context.WithCancel(ctx)
	m.sendCancel = cancel

	userMsg := conversation.Message{
		ID:        m.ids.NextString(),
		Sender:    conversation.SenderUser,
		Text:      question,
		Timestamp: m.now(),
		Status:    conversation.StatusPending,
	}
	m.sendMsgID = userMsg.ID
	m.store.Append(userMsg)
	m.store.SetTyping(conversation.TypingBot, true)
	req := AskRequest{
		BotID:          m.inst.BotID,
		UserID:         m.inst.UserID,
		InstanceID:     m.inst.InstanceID,
		Question:       question,
		ConversationID: m.convID,
		CapturedFields: m.fieldsLocked(),
	}
	m.mu.Unlock()
	m.onChange(true)

	resp, err := m.backend.AskBot(sendCtx, req)

	m.mu.Lock()
	if token != m.sendSeq || m.closed {
		m.mu.Unlock()
		cancel()
		return ErrCanceled
	}
	m.sendCancel = nil
	m.sendMsgID = ""
	cancel()
	m.store.SetTyping(conversation.TypingNone, false)

	if err != nil && ctx.Err() != nil {
		m.store.Withdraw(userMsg.ID)
		m.mu.Unlock()
		m.onChange(true)
		return ErrCanceled
	}
	if err == nil && resp.Error != "" {
		err = errors.New(resp.Error)
	}
	if err != nil {
		m.store.MarkFailed(userMsg.ID)
		m.mu.Unlock()
		m.logger.Warn("ask failed", "message", userMsg.ID, "error", err)
		m.onChange(true)
		return &BackendError{MessageID: userMsg.ID, Reason: "ask", Err: err}
	}

	m.store.MarkDelivered(userMsg.ID)
	if resp.ConversationID != "" && resp.ConversationID != m.convID {
		// The exchange belongs to the conversation the backend answered in.
		delivered, _ := m.store.Get(userMsg.ID)
		m.setConversationLocked(resp.ConversationID)
		m.store.Append(delivered)
	}
	replyID := resp.MessageID
	if replyID == "" {
		replyID = m.ids.NextString()
	}
	ts := m.now()
	if ts.Before(userMsg.Timestamp) {
		ts = userMsg.Timestamp
	}
	m.store.Append(conversation.Message{
		ID:        replyID,
		Sender:    conversation.SenderBot,
		Text:      resp.Answer,
		Timestamp: ts,
		Status:    conversation.StatusDelivered,
	})
	m.mu.Unlock()

	m.onChange(true)
	return nil
}

// Resend sends the text of a failed message again. The failed message is
// replaced by the new pending one; if the send is refused it stays put.
func (m *Manager) Resend(ctx context.Context, id string) error {
	msg, ok := m.store.Get(id)
	if !ok || msg.Status != conversation.StatusFailed {
		return ErrNotFailed
	}
	return m.send(ctx, msg.Text, id)
}

// Inject appends a locally produced message, such as a greeting.
func (m *Manager) Inject(msg conversation.Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	changed := m.store.Append(msg)
	m.mu.Unlock()

	if changed {
		m.onChange(true)
	}
	return changed
}

// CaptureField records a captured form value. Values can be overwritten but
// are never removed.
func (m *Manager) CaptureField(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[name] = value
}

// CapturedFields returns a copy of the captured values.
func (m *Manager) CapturedFields() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fieldsLocked()
}

func (m *Manager) fieldsLocked() map[string]string {
	out := make(map[string]string, len(m.fields))
	for k, v := range m.fields {
		out[k] = v
	}
	return out
}

// Close cancels the active attempt and any in-flight send, and waits until
// every subscription the manager created has been unsubscribed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.state = StateClosed
		m.status = conversation.ConnectionDisconnected
		m.stopLocked()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.finish()
	return nil
}

// Done is closed once the manager is closed.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Err returns the terminal error that closed the manager, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// ConversationID returns the current conversation id, empty until one is
// established.
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convID
}

// IsConnected reports whether a live subscription is attached.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub != nil && m.sub.IsConnected()
}

// State returns the lifecycle state. Blocked is derived from the lock mirror.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	if m.closed {
		return StateClosed
	}
	if !m.lock.IsSendAllowed() {
		return StateBlocked
	}
	return m.state
}

func (m *Manager) statusLocked() conversation.ConnectionStatus {
	if m.closed {
		return conversation.ConnectionDisconnected
	}
	if !m.lock.IsSendAllowed() {
		return conversation.ConnectionBlocked
	}
	return m.status
}

// Snapshot returns the current UI view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	typing, sender := m.store.Typing()
	ls := m.lock.State()
	return Snapshot{
		State:                       m.stateLocked(),
		ConnectionStatus:            m.statusLocked(),
		ConversationID:              m.convID,
		Messages:                    m.store.Messages(),
		IsTyping:                    typing,
		TypingSender:                sender,
		IsBlockedByOtherDevice:      ls.IsBlockedByOtherDevice,
		BlockMessage:                ls.BlockMessage,
		IsMobileSessionActive:       ls.IsMobileSessionActive,
		IsMobileConversationExpired: ls.IsMobileConversationExpired,
	}
}

// CacheState returns the state to persist in the conversation cache.
func (m *Manager) CacheState() conversation.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	typing, sender := m.store.Typing()
	return conversation.State{
		ConversationID:   m.convID,
		Messages:         m.store.Messages(),
		IsTyping:         typing,
		TypingSender:     sender,
		ConnectionStatus: m.statusLocked(),
		Lock:             m.lock.State(),
	}
}
