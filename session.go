// Package chatwidget is the real-time session core of an embeddable chat
// widget. A Session ties one widget instance (a browser tab, or any other
// host) to its cached conversation, its push channel subscription and the
// chat backend.
package chatwidget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NeboLoop/chatwidget-go-sdk/cache"
	"github.com/NeboLoop/chatwidget-go-sdk/identity"
	"github.com/NeboLoop/chatwidget-go-sdk/storage"
)

// Config holds the parameters of a Session.
type Config struct {
	BotID  string // required
	UserID string // empty for anonymous visitors

	TabStore   storage.Store // tab-scoped storage holding the instance id
	CacheStore storage.Store // durable storage holding conversation snapshots

	Channel Channel // required
	Backend Backend // required
	Welcome WelcomeSource

	UserLocation string
	DemoMode     bool

	ReconnectBase          time.Duration
	ReconnectCap           time.Duration
	ReconnectJitterPercent int

	Logger *slog.Logger
}

// Session is the per-instance context object. Every Session owns its
// manager, store, lock mirror and cache key; nothing is shared between
// sessions.
type Session struct {
	inst    identity.Instance
	cache   *cache.Cache
	mgr     *Manager
	welcome *WelcomeController
	logger  *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wmu     sync.Mutex
	closing bool
	wg      sync.WaitGroup

	saveMu sync.Mutex

	// nmu orders notifications: a snapshot is taken and delivered under it.
	nmu      sync.Mutex
	hmu      sync.RWMutex
	handlers map[string]func(Snapshot)
	order    []string
}

// Open resolves the widget instance, hydrates its cached conversation and
// starts connecting.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.BotID == "" {
		return nil, errors.New("chatwidget: bot id required")
	}
	if cfg.Channel == nil {
		return nil, errors.New("chatwidget: channel required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("chatwidget: backend required")
	}
	if cfg.TabStore == nil {
		cfg.TabStore = storage.NewMemory()
	}
	if cfg.CacheStore == nil {
		cfg.CacheStore = storage.NewMemory()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	inst, err := identity.New(ctx, cfg.TabStore, cfg.BotID, cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("instance identity: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		inst:     inst,
		cache:    cache.New(cfg.CacheStore, logger),
		welcome:  NewWelcomeController(cfg.Welcome, inst.BotID, cfg.DemoMode, logger),
		logger:   logger.With("component", "session", "cache_key", inst.CacheKey),
		ctx:      sctx,
		cancel:   cancel,
		handlers: make(map[string]func(Snapshot)),
	}
	s.welcome.SetLocation(cfg.UserLocation)

	initial := s.cache.Load(inst.CacheKey)
	s.mgr = NewManager(ManagerConfig{
		Instance:               inst,
		Channel:                cfg.Channel,
		Backend:                cfg.Backend,
		Logger:                 logger,
		ReconnectBase:          cfg.ReconnectBase,
		ReconnectCap:           cfg.ReconnectCap,
		ReconnectJitterPercent: cfg.ReconnectJitterPercent,
	}, initial, s.changed)

	s.logger.Info("session opened",
		"bot", inst.BotID,
		"conversation", initial.ConversationID,
		"cached_messages", len(initial.Messages))
	s.mgr.Start()
	return s, nil
}

// Instance returns the widget instance the session belongs to.
func (s *Session) Instance() identity.Instance { return s.inst }

// Manager returns the session's connection manager.
func (s *Session) Manager() *Manager { return s.mgr }

// Snapshot returns the current UI view.
func (s *Session) Snapshot() Snapshot { return s.mgr.Snapshot() }

// SendMessage sends a question to the bot. See Manager.Send.
func (s *Session) SendMessage(ctx context.Context, question string) error {
	return s.mgr.Send(ctx, question)
}

// Resend retries a failed message.
func (s *Session) Resend(ctx context.Context, id string) error {
	return s.mgr.Resend(ctx, id)
}

// CaptureField records a captured form value sent along with every question.
func (s *Session) CaptureField(name, value string) {
	s.mgr.CaptureField(name, value)
}

// SetUserLocation records the resolved user location, which may trigger the
// greeting.
func (s *Session) SetUserLocation(location string) {
	s.welcome.SetLocation(location)
	s.maybeWelcome(s.mgr.Snapshot())
}

// OnChange registers a handler called with a fresh snapshot after every
// observable change. Handlers are called one change at a time, so the last
// snapshot delivered is always the current one. They run on the goroutine
// that made the change, must not block and must not send messages. The
// returned func removes the handler.
func (s *Session) OnChange(h func(Snapshot)) (remove func()) {
	id := uuid.NewString()

	s.hmu.Lock()
	s.handlers[id] = h
	s.order = append(s.order, id)
	s.hmu.Unlock()

	return func() {
		s.hmu.Lock()
		defer s.hmu.Unlock()
		if _, ok := s.handlers[id]; !ok {
			return
		}
		delete(s.handlers, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

// Done is closed when the session is closed, by Close or a terminal error.
func (s *Session) Done() <-chan struct{} { return s.mgr.Done() }

// Err returns the terminal error that closed the session, if any.
func (s *Session) Err() error { return s.mgr.Err() }

// Close tears the session down: the active subscription is unsubscribed,
// in-flight sends are canceled and the final state is written to the cache.
func (s *Session) Close() error {
	s.wmu.Lock()
	s.closing = true
	s.wmu.Unlock()

	s.cancel()
	err := s.mgr.Close()
	s.wg.Wait()
	s.save()
	s.logger.Info("session closed")
	return err
}

// changed is the manager's change callback.
func (s *Session) changed(durable bool) {
	if durable {
		s.save()
	}

	s.nmu.Lock()
	snap := s.mgr.Snapshot()
	s.hmu.RLock()
	targets := make([]func(Snapshot), 0, len(s.order))
	for _, id := range s.order {
		targets = append(targets, s.handlers[id])
	}
	s.hmu.RUnlock()

	for _, h := range targets {
		h(snap)
	}
	s.nmu.Unlock()

	s.maybeWelcome(snap)
}

func (s *Session) save() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.cache.Save(s.inst.CacheKey, s.mgr.CacheState())
}

// maybeWelcome fetches and injects the greeting in the background so the
// event pump is never held up by the welcome request.
func (s *Session) maybeWelcome(snap Snapshot) {
	location, ok := s.welcome.claim(snap)
	if !ok {
		return
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closing {
		s.welcome.unclaim(location)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		msg, ok := s.welcome.fetch(s.ctx, location)
		if ok {
			s.mgr.Inject(msg)
		}
	}()
}
