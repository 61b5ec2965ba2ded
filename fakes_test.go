package chatwidget

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/NeboLoop/chatwidget-go-sdk/conversation"
)

// fakeChannel is a scripted Channel. Each Subscribe consults subscribeFn;
// by default it succeeds at once with an ack for ackConversation.
type fakeChannel struct {
	mu              sync.Mutex
	subscribeFn     func(ctx context.Context, req SubscribeRequest) (*fakeSub, error)
	ackConversation string
	calls           int
	reqs            []SubscribeRequest
	subs            []*fakeSub
	subscribes      int
	unsubscribes    int
}

func (c *fakeChannel) Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error) {
	c.mu.Lock()
	c.calls++
	c.reqs = append(c.reqs, req)
	fn := c.subscribeFn
	c.mu.Unlock()

	var (
		sub *fakeSub
		err error
	)
	if fn != nil {
		sub, err = fn(ctx, req)
	} else {
		convID := req.ConversationID
		if convID == "" {
			convID = c.ackConversation
		}
		sub = c.newSub(convID)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.subscribes++
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

func (c *fakeChannel) newSub(convID string) *fakeSub {
	s := &fakeSub{owner: c, convID: convID, events: make(chan Event, 16)}
	s.connected.Store(true)
	return s
}

func (c *fakeChannel) counts() (calls, subscribes, unsubscribes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.subscribes, c.unsubscribes
}

func (c *fakeChannel) live() int {
	_, subs, unsubs := c.counts()
	return subs - unsubs
}

func (c *fakeChannel) sub(i int) *fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.subs) {
		return nil
	}
	return c.subs[i]
}

func (c *fakeChannel) lastReq() SubscribeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[len(c.reqs)-1]
}

type fakeSub struct {
	owner     *fakeChannel
	convID    string
	events    chan Event
	connected atomic.Bool

	mu      sync.Mutex
	err     error
	dropped bool
	unsub   bool
}

func (s *fakeSub) Events() <-chan Event { return s.events }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) IsConnected() bool { return s.connected.Load() }

func (s *fakeSub) ConversationID() string { return s.convID }

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub {
		return nil
	}
	s.unsub = true
	s.connected.Store(false)

	s.owner.mu.Lock()
	s.owner.unsubscribes++
	s.owner.mu.Unlock()
	return nil
}

func (s *fakeSub) push(ev Event) { s.events <- ev }

// drop ends the subscription from the transport side.
func (s *fakeSub) drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		return
	}
	s.dropped = true
	s.err = err
	s.connected.Store(false)
	close(s.events)
}

func (s *fakeSub) unsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsub
}

// fakeBackend records ask calls and answers through askFn.
type fakeBackend struct {
	mu      sync.Mutex
	asks    []AskRequest
	askFn   func(ctx context.Context, req AskRequest) (*AskResponse, error)
	history map[string][]conversation.Message
}

func (b *fakeBackend) AskBot(ctx context.Context, req AskRequest) (*AskResponse, error) {
	b.mu.Lock()
	b.asks = append(b.asks, req)
	fn := b.askFn
	b.mu.Unlock()

	if fn == nil {
		return &AskResponse{Answer: "ok"}, nil
	}
	return fn(ctx, req)
}

func (b *fakeBackend) GetConversationHistory(_ context.Context, conversationID string) ([]conversation.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history[conversationID], nil
}

func (b *fakeBackend) askCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.asks)
}

func (b *fakeBackend) ask(i int) AskRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.asks[i]
}

// recorder collects snapshots from a change callback.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) add(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

// statuses returns the connection statuses seen, with consecutive repeats
// collapsed.
func (r *recorder) statuses() []conversation.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []conversation.ConnectionStatus
	for _, s := range r.snaps {
		if len(out) == 0 || out[len(out)-1] != s.ConnectionStatus {
			out = append(out, s.ConnectionStatus)
		}
	}
	return out
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, s := range r.snaps {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}
