package chatwidget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeboLoop/chatwidget-go-sdk/cache"
	"github.com/NeboLoop/chatwidget-go-sdk/conversation"
	"github.com/NeboLoop/chatwidget-go-sdk/identity"
	"github.com/NeboLoop/chatwidget-go-sdk/lock"
	"github.com/NeboLoop/chatwidget-go-sdk/storage"
)

const (
	waitFor1s = time.Second
	tick      = 5 * time.Millisecond
)

func testInstance(t *testing.T) identity.Instance {
	t.Helper()
	inst, err := identity.New(context.Background(), storage.NewMemory(), "2", "")
	require.NoError(t, err)
	return inst
}

func newTestManager(t *testing.T, ch *fakeChannel, be *fakeBackend, initial conversation.State) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	var m *Manager
	m = NewManager(ManagerConfig{
		Instance:      testInstance(t),
		Channel:       ch,
		Backend:       be,
		ReconnectBase: time.Millisecond,
		ReconnectCap:  10 * time.Millisecond,
	}, initial, func(bool) { rec.add(m.Snapshot()) })
	t.Cleanup(func() { m.Close() })
	return m, rec
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, waitFor1s, tick,
		"state never reached %s (at %s)", want, m.State())
}

func cachedMessages() []conversation.Message {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return []conversation.Message{
		{ID: "u-1", Sender: conversation.SenderUser, Text: "hi", Timestamp: base, Status: conversation.StatusDelivered},
		{ID: "b-1", Sender: conversation.SenderBot, Text: "hello", Timestamp: base.Add(time.Second), Status: conversation.StatusDelivered},
	}
}

func TestManager_FreshTabScenario(t *testing.T) {
	ctx := context.Background()

	inst, err := identity.New(ctx, storage.NewMemory(), "2", "")
	require.NoError(t, err)
	assert.Regexp(t, `^chat_cache_2_anon_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, inst.CacheKey)

	initial := cache.New(storage.NewMemory(), nil).Load(inst.CacheKey)
	assert.Equal(t, conversation.EmptyState(), initial)

	ch := &fakeChannel{}
	be := &fakeBackend{}
	rec := &recorder{}
	inAsk := make(chan Snapshot, 1)

	var m *Manager
	be.askFn = func(context.Context, AskRequest) (*AskResponse, error) {
		inAsk <- m.Snapshot()
		return &AskResponse{Answer: "¡Hola! ¿En qué puedo ayudarte?", ConversationID: "conv-1", MessageID: "bot-1"}, nil
	}
	m = NewManager(ManagerConfig{Instance: inst, Channel: ch, Backend: be}, initial, func(bool) { rec.add(m.Snapshot()) })
	defer m.Close()

	assert.Equal(t, StateIdle, m.State())
	m.Start()
	waitState(t, m, StateConnected)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]State{StateConnecting, StateConnected}, rec.states())
	}, waitFor1s, tick, "states: %v", rec.states())

	require.NoError(t, m.Send(ctx, "hola"))

	during := <-inAsk
	require.Len(t, during.Messages, 1)
	assert.Equal(t, conversation.SenderUser, during.Messages[0].Sender)
	assert.Equal(t, "hola", during.Messages[0].Text)
	assert.Equal(t, conversation.StatusPending, during.Messages[0].Status)
	assert.True(t, during.IsTyping)
	assert.Equal(t, conversation.TypingBot, during.TypingSender)

	snap := m.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, conversation.StatusDelivered, snap.Messages[0].Status)
	assert.Equal(t, "bot-1", snap.Messages[1].ID)
	assert.Equal(t, conversation.SenderBot, snap.Messages[1].Sender)
	assert.Equal(t, "¡Hola! ¿En qué puedo ayudarte?", snap.Messages[1].Text)
	assert.False(t, snap.IsTyping)
	assert.Equal(t, conversation.TypingNone, snap.TypingSender)
	assert.Equal(t, "conv-1", snap.ConversationID)

	req := be.ask(0)
	assert.Equal(t, "2", req.BotID)
	assert.Empty(t, req.UserID)
	assert.Equal(t, "hola", req.Question)
	assert.Equal(t, inst.InstanceID, req.InstanceID)
}

func TestManager_BlockedScenario(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{ackConversation: "conv-1"}
	be := &fakeBackend{}
	m, _ := newTestManager(t, ch, be, conversation.EmptyState())

	m.Start()
	waitState(t, m, StateConnected)

	ch.sub(0).push(Event{Type: EventLock, Lock: lock.State{
		IsBlockedByOtherDevice: true,
		BlockMessage:           "Active on another device",
	}})
	waitState(t, m, StateBlocked)

	snap := m.Snapshot()
	assert.Equal(t, conversation.ConnectionBlocked, snap.ConnectionStatus)
	assert.True(t, snap.IsBlockedByOtherDevice)
	assert.Equal(t, "Active on another device", snap.BlockMessage)

	err := m.Send(ctx, "hola")
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, 0, be.askCount(), "blocked sends must not reach the backend")
	assert.Empty(t, m.Snapshot().Messages)

	// Inbound events still apply while blocked.
	ch.sub(0).push(Event{Type: EventMessage, Message: conversation.Message{
		ID: "a-1", Sender: conversation.SenderAgent, Text: "typed on the phone",
	}})
	require.Eventually(t, func() bool { return len(m.Snapshot().Messages) == 1 }, waitFor1s, tick)
	assert.Equal(t, StateBlocked, m.State())
}

func TestManager_LockReleaseResubscribes(t *testing.T) {
	ch := &fakeChannel{ackConversation: "conv-1"}
	m, _ := newTestManager(t, ch, &fakeBackend{}, conversation.EmptyState())

	m.Start()
	waitState(t, m, StateConnected)

	ch.sub(0).push(Event{Type: EventLock, Lock: lock.State{IsBlockedByOtherDevice: true}})
	waitState(t, m, StateBlocked)

	ch.sub(0).push(Event{Type: EventLock, Lock: lock.State{}})
	require.Eventually(t, func() bool {
		_, subs, _ := ch.counts()
		return subs == 2 && m.State() == StateConnected && ch.sub(0).unsubscribed()
	}, waitFor1s, tick)

	assert.Equal(t, 1, ch.live())
	assert.Equal(t, "conv-1", ch.lastReq().ConversationID)
}

func TestManager_LockPushIsIdempotent(t *testing.T) {
	ch := &fakeChannel{ackConversation: "conv-1"}
	m, rec := newTestManager(t, ch, &fakeBackend{}, conversation.EmptyState())

	m.Start()
	waitState(t, m, StateConnected)

	push := Event{Type: EventLock, Lock: lock.State{IsMobileSessionActive: true}}
	ch.sub(0).push(push)
	require.Eventually(t, func() bool {
		last, ok := rec.last()
		return ok && last.IsMobileSessionActive
	}, waitFor1s, tick)

	before := rec.len()
	first := m.Snapshot()

	ch.sub(0).push(push)
	// A marker event proves the duplicate push has been processed.
	ch.sub(0).push(Event{Type: EventTyping, TypingSender: conversation.TypingAgent, TypingActive: true})
	require.Eventually(t, func() bool {
		last, ok := rec.last()
		return ok && last.IsTyping
	}, waitFor1s, tick)

	assert.Equal(t, before+1, rec.len(), "only the typing marker should notify")

	second := m.Snapshot()
	assert.Equal(t, first.IsMobileSessionActive, second.IsMobileSessionActive)
	assert.Equal(t, first.IsBlockedByOtherDevice, second.IsBlockedByOtherDevice)
	assert.Equal(t, first.BlockMessage, second.BlockMessage)
}

func TestManager_MobileFlagsDoNotGateSends(t *testing.T) {
	ch := &fakeChannel{ackConversation: "conv-1"}
	be := &fakeBackend{}
	m, _ := newTestManager(t, ch, be, conversation.EmptyState())

	m.Start()
	waitState(t, m, StateConnected)

	ch.sub(0).push(Event{Type: EventLock, Lock: lock.State{IsMobileSessionActive: true, IsMobileConversationExpired: true}})
	require.Eventually(t, func() bool { return m.Snapshot().IsMobileConversationExpired }, waitFor1s, tick)

	assert.Equal(t, StateConnected, m.State())
	require.NoError(t, m.Send(context.Background(), "still here"))
	assert.Equal(t, 1, be.askCount())
}

func TestManager_StaleSendIsSuppressed(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{ackConversation: "conv-1"}
	be := &fakeBackend{}
	release := make(chan struct{})
	var n atomic.Int32
	be.askFn = func(_ context.Context, req AskRequest) (*AskResponse, error) {
		if n.Add(1) == 1 {
			<-release
			return &AskResponse{Answer: "first", MessageID: "r-1"}, nil
		}
		return &AskResponse{Answer: "second", MessageID: "r-2"}, nil
	}
	m, _ := newTestManager(t, ch, be, conversation.EmptyState())
	m.Start()
	waitState(t, m, StateConnected)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Send(ctx, "one") }()
	require.Eventually(t, func() bool { return be.askCount() == 1 }, waitFor1s, tick)

	require.NoError(t, m.Send(ctx, "two"))
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(waitFor1s):
		t.Fatal("superseded send never returned")
	}

	msgs := m.Snapshot().Messages
	require.Len(t, msgs, 2, "superseded message is withdrawn")
	assert.Equal(t, "two", msgs[0].Text)
	assert.Equal(t, conversation.StatusDelivered, msgs[0].Status)
	assert.Equal(t, "r-2", msgs[1].ID)
	for _, msg := range msgs {
		assert.NotEqual(t, "one", msg.Text)
		assert.NotEqual(t, "first", msg.Text, "late response must not be applied")
		assert.NotEqual(t, conversation.StatusPending, msg.Status)
	}
}

func TestManager_CallerCancelIsNotAFailure(t *testing.T) {
	ch := &fakeChannel{ackConversation: "conv-1"}
	be := &fakeBackend{askFn: func(ctx context.Context, _ AskRequest) (*AskResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m, _ := newTestManager(t, ch, be, conversation.EmptyState())
	m.Start()
	waitState(t, m, StateConnected)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Send(ctx, "hola") }()
	require.Eventually(t, func() bool { return be.askCount() == 1 }, waitFor1s, tick)
	cancel()

	assert.ErrorIs(t, <-errCh, ErrCanceled)
	snap := m.Snapshot()
	assert.Empty(t, snap.Messages, "a canceled send is withdrawn, not failed")
	assert.False(t, snap.IsTyping)
	assert.Equal(t, StateConnected, snap.State)
}

func TestManager_ReconnectStatusSequence(t *testing.T) {
	ch := &fakeChannel{}
	var attempts atomic.Int32
	ch.subscribeFn = func(context.Context, SubscribeRequest) (*fakeSub, error) {
		if attempts.Add(1) <= 3 {
			return nil, &TransportError{Op: "dial", Err: errors.New("connection refused")}
		}
		return ch.newSub("conv-1"), nil
	}

	initial := conversation.EmptyState()
	initial.ConversationID = "conv-1"
	initial.Messages = cachedMessages()

	rec := &recorder{}
	var m *Manager
	m = NewManager(ManagerConfig{
		Instance:               testInstance(t),
		Channel:                ch,
		Backend:                &fakeBackend{},
		ReconnectBase:          100 * time.Millisecond,
		ReconnectCap:           time.Second,
		ReconnectJitterPercent: 50,
	}, initial, func(bool) { rec.add(m.Snapshot()) })
	defer m.Close()

	var dmu sync.Mutex
	var delays []time.Duration
	m.wait = func(_ context.Context, d time.Duration) error {
		dmu.Lock()
		delays = append(delays, d)
		dmu.Unlock()
		return nil
	}

	m.Start()
	waitState(t, m, StateConnected)

	want := []conversation.ConnectionStatus{
		conversation.ConnectionConnecting,
		conversation.ConnectionDisconnected,
		conversation.ConnectionConnected,
	}
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, rec.statuses()) },
		waitFor1s, tick, "statuses: %v", rec.statuses())

	dmu.Lock()
	defer dmu.Unlock()
	require.Len(t, delays, 3)
	for i, d := range delays {
		assert.LessOrEqual(t, d, time.Second)
		if i > 0 {
			assert.GreaterOrEqual(t, d, delays[i-1], "backoff delay decreased at %d", i)
		}
	}

	assert.Equal(t, cachedMessages(), m.Snapshot().Messages, "failures must not touch the store")
}

func TestManager_TransportDropReconnects(t *testing.T) {
	ch := &fakeChannel{ackConversation: "conv-1"}
	initial := conversation.EmptyState()
	initial.Messages = cachedMessages()
	m, rec := newTestManager(t, ch, &fakeBackend{}, initial)

	m.Start()
	waitState(t, m, StateConnected)

	ch.sub(0).drop(&TransportError{Op: "read", Err: io.ErrUnexpectedEOF})
	require.Eventually(t, func() bool {
		_, subs, _ := ch.counts()
		return subs == 2 && m.State() == StateConnected
	}, waitFor1s, tick)

	want := []conversation.ConnectionStatus{
		conversation.ConnectionConnecting,
		conversation.ConnectionConnected,
		conversation.ConnectionDisconnected,
		conversation.ConnectionConnected,
	}
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, rec.statuses()) },
		waitFor1s, tick, "statuses: %v", rec.statuses())
	assert.True(t, ch.sub(0).unsubscribed())
	assert.Equal(t, 1, ch.live())
	assert.Equal(t, "conv-1", ch.lastReq().ConversationID)
	assert.Equal(t, cachedMessages(), m.Snapshot().Messages)
}

func TestManager_CloseDuringConnecting(t *testing.T) {
	ch := &fakeChannel{}
	entered := make(chan struct{}, 1)
	ch.subscribeFn = func(ctx context.Context, _ SubscribeRequest) (*fakeSub, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m, _ := newTestManager(t, ch, &fakeBackend{}, conversation.EmptyState())

	m.Start()
	<-entered
	assert.Equal(t, StateConnecting, m.State())

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 0, ch.live())
}

func TestManager_CloseDuringConnectingLateAck(t *testing.T) {
	ch := &fakeChannel{}
	entered := make(chan struct{}, 1)
	ch.subscribeFn = func(ctx context.Context, _ SubscribeRequest) (*fakeSub, error) {
		entered <- struct{}{}
		<-ctx.Done()
		// The gateway acked anyway; the manager must give it back.
		return ch.newSub("conv-1"), nil
	}
	m, _ := newTestManager(t, ch, &fakeBackend{}, conversation.EmptyState())

	m.Start()
	<-entered
	require.NoError(t, m.Close())

	_, subs, unsubs := ch.counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, subs, unsubs)
}

func TestManager_CloseUnsubscribes(t *testing.T) {
	ch := &fakeChannel{ackConversation: "conv-1"}
	m, _ := newTestManager(t, ch, &fakeBackend{}, conversation.EmptyState())
	m.Start()
	waitState(t, m, StateConnected)
	assert.True(t, m.IsConnected())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 0, ch.live())
	assert.False(t, m.IsConnected())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.NoError(t, m.Err())
	assert.ErrorIs(t, m.Send(context.Background(), "hola"), ErrClosed)
}

func TestManager_SupersededAttemptIsDiscarded(t *testing.T) {
	ch := &fakeChannel{}
	initial := conversation.EmptyState()
	initial.ConversationID = "conv-1"
	m, _ := newTestManager(t, ch, &fakeBackend{}, initial)

	m.Start()
	waitState(t, m, StateConnected)
	old := ch.sub(0)

	m.SetConversation("conv-1")
	calls, _, _ := ch.counts()
	assert.Equal(t, 1, calls, "same conversation must not resubscribe")

	m.SetConversation("conv-2")
	require.Eventually(t, func() bool {
		_, subs, _ := ch.counts()
		return subs == 2 && m.State() == StateConnected && old.unsubscribed()
	}, waitFor1s, tick)
	assert.Equal(t, "conv-2", ch.lastReq().ConversationID)

	old.push(Event{Type: EventMessage, Message: conversation.Message{ID: "stale", Text: "from the old subscription"}})
	ch.sub(1).push(Event{Type: EventMessage, Message: conversation.Message{ID: "fresh", Text: "from the new one"}})
	require.Eventually(t, func() bool { return len(m.Snapshot().Messages) == 1 }, waitFor1s, tick)

	time.Sleep(20 * time.Millisecond)
	msgs := m.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh", msgs[0].ID)
}

func TestManager_TerminalErrorCloses(t *testing.T) {
	ch := &fakeChannel{ackConversation: "conv-1"}
	m, _ := newTestManager(t, ch, &fakeBackend{}, conversation.EmptyState())
	m.Start()
	waitState(t, m, StateConnected)

	ch.sub(0).drop(fmt.Errorf("%w: %s", ErrConversationEnded, "closed by agent"))

	select {
	case <-m.Done():
	case <-time.After(waitFor1s):
		t.Fatal("manager did not close on terminal error")
	}
	assert.ErrorIs(t, m.Err(), ErrConversationEnded)
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, conversation.ConnectionDisconnected, m.Snapshot().ConnectionStatus)
	assert.ErrorIs(t, m.Send(context.Background(), "hola"), ErrClosed)

	calls, _, _ := ch.counts()
	assert.Equal(t, 1, calls, "terminal errors are not retried")
	assert.Equal(t, 0, ch.live())
}

func TestManager_AuthRejectedIsTerminal(t *testing.T) {
	ch := &fakeChannel{}
	ch.subscribeFn = func(context.Context, SubscribeRequest) (*fakeSub, error) {
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, "bad token")
	}
	m, _ := newTestManager(t, ch, &fakeBackend{}, conversation.EmptyState())
	m.Start()

	select {
	case <-m.Done():
	case <-time.After(waitFor1s):
		t.Fatal("manager did not close on auth rejection")
	}
	assert.ErrorIs(t, m.Err(), ErrAuthRejected)
}

func TestManager_BackendErrorAndResend(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{ackConversation: "conv-1"}
	var n atomic.Int32
	be := &fakeBackend{askFn: func(context.Context, AskRequest) (*AskResponse, error) {
		switch n.Add(1) {
		case 1:
			return nil, errors.New("chat backend returned 503: unavailable")
		case 2:
			return &AskResponse{Error: "quota exceeded"}, nil
		}
		return &AskResponse{Answer: "back online", MessageID: "r-1"}, nil
	}}
	m, _ := newTestManager(t, ch, be, conversation.EmptyState())
	m.Start()
	waitState(t, m, StateConnected)

	err := m.Send(ctx, "hola")
	var berr *BackendError
	require.ErrorAs(t, err, &berr)
	msgs := m.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, berr.MessageID, msgs[0].ID)
	assert.Equal(t, conversation.StatusFailed, msgs[0].Status)
	assert.Equal(t, StateConnected, m.State(), "backend errors do not touch the connection")

	err = m.Resend(ctx, msgs[0].ID)
	require.ErrorAs(t, err, &berr)
	assert.Contains(t, err.Error(), "quota exceeded")

	msgs = m.Snapshot().Messages
	require.Len(t, msgs, 1, "resend replaces the failed message")
	require.NoError(t, m.Resend(ctx, msgs[0].ID))

	msgs = m.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "hola", msgs[0].Text)
	assert.Equal(t, conversation.StatusDelivered, msgs[0].Status)
	assert.Equal(t, "back online", msgs[1].Text)

	assert.ErrorIs(t, m.Resend(ctx, msgs[0].ID), ErrNotFailed)
	assert.ErrorIs(t, m.Send(ctx, "   "), ErrEmptyMessage)
}

func TestManager_CapturedFieldsTravelWithAsk(t *testing.T) {
	ch := &fakeChannel{ackConversation: "conv-1"}
	be := &fakeBackend{}
	m, _ := newTestManager(t, ch, be, conversation.EmptyState())
	m.Start()
	waitState(t, m, StateConnected)

	m.CaptureField("email", "ana@example.com")
	m.CaptureField("name", "Ana")
	m.CaptureField("name", "Ana María")

	fields := m.CapturedFields()
	fields["email"] = "tampered"

	require.NoError(t, m.Send(context.Background(), "hola"))
	assert.Equal(t, map[string]string{"email": "ana@example.com", "name": "Ana María"}, be.ask(0).CapturedFields)
	assert.Equal(t, "conv-1", be.ask(0).ConversationID)
}

func TestManager_HydratesHistoryWhenEmpty(t *testing.T) {
	ch := &fakeChannel{}
	be := &fakeBackend{history: map[string][]conversation.Message{"conv-1": cachedMessages()}}
	initial := conversation.EmptyState()
	initial.ConversationID = "conv-1"
	m, _ := newTestManager(t, ch, be, initial)

	m.Start()
	require.Eventually(t, func() bool { return len(m.Snapshot().Messages) == 2 }, waitFor1s, tick)
	assert.Equal(t, "conv-1", ch.lastReq().ConversationID)
	assert.Equal(t, cachedMessages(), m.Snapshot().Messages)
}

func TestManager_AckAssignsConversation(t *testing.T) {
	ch := &fakeChannel{ackConversation: "conv-9"}
	m, _ := newTestManager(t, ch, &fakeBackend{}, conversation.EmptyState())

	m.Start()
	waitState(t, m, StateConnected)
	assert.Equal(t, "conv-9", m.ConversationID())
	assert.Empty(t, ch.lastReq().ConversationID)
}

func TestManager_PushedReplyMergesWithAskReply(t *testing.T) {
	ch := &fakeChannel{ackConversation: "conv-1"}
	be := &fakeBackend{}
	m, _ := newTestManager(t, ch, be, conversation.EmptyState())
	be.askFn = func(context.Context, AskRequest) (*AskResponse, error) {
		ch.sub(0).push(Event{Type: EventMessage, Message: conversation.Message{
			ID: "bot-1", Sender: conversation.SenderBot, Text: "hi there", Timestamp: time.Now(),
		}})
		require.Eventually(t, func() bool { return len(m.Snapshot().Messages) == 2 }, waitFor1s, tick)
		return &AskResponse{Answer: "hi there", MessageID: "bot-1"}, nil
	}
	m.Start()
	waitState(t, m, StateConnected)

	require.NoError(t, m.Send(context.Background(), "hola"))

	msgs := m.Snapshot().Messages
	require.Len(t, msgs, 2)
	count := 0
	for _, msg := range msgs {
		if msg.ID == "bot-1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestManager_TypingEvents(t *testing.T) {
	ch := &fakeChannel{ackConversation: "conv-1"}
	m, _ := newTestManager(t, ch, &fakeBackend{}, conversation.EmptyState())
	m.Start()
	waitState(t, m, StateConnected)

	ch.sub(0).push(Event{Type: EventTyping, TypingSender: conversation.TypingAgent, TypingActive: true})
	require.Eventually(t, func() bool { return m.Snapshot().TypingSender == conversation.TypingAgent }, waitFor1s, tick)

	ch.sub(0).push(Event{Type: EventTyping, TypingSender: conversation.TypingAgent, TypingActive: false})
	require.Eventually(t, func() bool { return !m.Snapshot().IsTyping }, waitFor1s, tick)
	assert.Equal(t, conversation.TypingNone, m.Snapshot().TypingSender)
}

func TestManager_ConversationFromAskResubscribes(t *testing.T) {
	ch := &fakeChannel{}
	be := &fakeBackend{askFn: func(context.Context, AskRequest) (*AskResponse, error) {
		return &AskResponse{Answer: "hey", ConversationID: "conv-5"}, nil
	}}
	m, _ := newTestManager(t, ch, be, conversation.EmptyState())
	m.Start()
	waitState(t, m, StateConnected)

	require.NoError(t, m.Send(context.Background(), "hola"))
	require.Eventually(t, func() bool {
		_, subs, _ := ch.counts()
		return subs == 2 && m.State() == StateConnected && ch.live() == 1
	}, waitFor1s, tick)
	assert.Equal(t, "conv-5", ch.lastReq().ConversationID)
	assert.Equal(t, "conv-5", m.ConversationID())
}

func TestManager_ResendKeepsMessageWhenRefused(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{ackConversation: "conv-1"}
	be := &fakeBackend{askFn: func(context.Context, AskRequest) (*AskResponse, error) {
		return nil, errors.New("chat backend returned 503: unavailable")
	}}
	m, _ := newTestManager(t, ch, be, conversation.EmptyState())
	m.Start()
	waitState(t, m, StateConnected)

	var berr *BackendError
	require.ErrorAs(t, m.Send(ctx, "hola"), &berr)
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Resend(ctx, berr.MessageID), ErrClosed)
	msgs := m.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, berr.MessageID, msgs[0].ID)
	assert.Equal(t, "hola", msgs[0].Text)
	assert.Equal(t, conversation.StatusFailed, msgs[0].Status)
	assert.Equal(t, 1, be.askCount())
}

func TestManager_ResendWhileBlockedKeepsMessage(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{ackConversation: "conv-1"}
	be := &fakeBackend{askFn: func(context.Context, AskRequest) (*AskResponse, error) {
		return nil, errors.New("timeout")
	}}
	m, _ := newTestManager(t, ch, be, conversation.EmptyState())
	m.Start()
	waitState(t, m, StateConnected)

	var berr *BackendError
	require.ErrorAs(t, m.Send(ctx, "hola"), &berr)
	ch.sub(0).push(Event{Type: EventLock, Lock: lock.State{IsBlockedByOtherDevice: true, BlockMessage: "open on your phone"}})
	waitState(t, m, StateBlocked)

	assert.ErrorIs(t, m.Resend(ctx, berr.MessageID), ErrBlocked)
	msgs := m.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.StatusFailed, msgs[0].Status)
}

func TestManager_SwitchingConversationReplacesMessages(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	convB := []conversation.Message{
		{ID: "B-u-1", Sender: conversation.SenderUser, Text: "where is my order?", Timestamp: at, Status: conversation.StatusDelivered},
		{ID: "B-a-1", Sender: conversation.SenderAgent, Text: "on its way", Timestamp: at.Add(time.Minute), Status: conversation.StatusDelivered},
	}
	ch := &fakeChannel{}
	be := &fakeBackend{history: map[string][]conversation.Message{
		"conv-A": cachedMessages(),
		"conv-B": convB,
	}}
	initial := conversation.EmptyState()
	initial.ConversationID = "conv-A"
	initial.Messages = cachedMessages()
	m, _ := newTestManager(t, ch, be, initial)
	m.Start()
	waitState(t, m, StateConnected)
	require.Equal(t, cachedMessages(), m.Snapshot().Messages)

	m.SetConversation("conv-B")
	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return snap.ConversationID == "conv-B" && len(snap.Messages) == len(convB) && snap.State == StateConnected
	}, waitFor1s, tick)

	assert.Equal(t, convB, m.Snapshot().Messages)
	assert.Equal(t, "conv-B", ch.lastReq().ConversationID)
	cached := m.CacheState()
	assert.Equal(t, "conv-B", cached.ConversationID)
	assert.Equal(t, convB, cached.Messages, "no conv-A message is saved under conv-B")
}

func TestManager_AskMovesConversation(t *testing.T) {
	ch := &fakeChannel{}
	be := &fakeBackend{askFn: func(context.Context, AskRequest) (*AskResponse, error) {
		return &AskResponse{Answer: "new thread", MessageID: "r-1", ConversationID: "conv-B"}, nil
	}}
	initial := conversation.EmptyState()
	initial.ConversationID = "conv-A"
	initial.Messages = cachedMessages()
	m, _ := newTestManager(t, ch, be, initial)
	m.Start()
	waitState(t, m, StateConnected)

	require.NoError(t, m.Send(context.Background(), "hola"))
	assert.Equal(t, "conv-A", be.ask(0).ConversationID)

	snap := m.Snapshot()
	assert.Equal(t, "conv-B", snap.ConversationID)
	require.Len(t, snap.Messages, 2, "conv-A history is dropped")
	assert.Equal(t, "hola", snap.Messages[0].Text)
	assert.Equal(t, conversation.StatusDelivered, snap.Messages[0].Status)
	assert.Equal(t, "r-1", snap.Messages[1].ID)

	require.Eventually(t, func() bool {
		return ch.lastReq().ConversationID == "conv-B" && m.State() == StateConnected && ch.live() == 1
	}, waitFor1s, tick)
	assert.Len(t, m.Snapshot().Messages, 2)
}
