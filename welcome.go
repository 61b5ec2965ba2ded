package chatwidget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/NeboLoop/chatwidget-go-sdk/conversation"
)

// WelcomeSource provides the greeting a bot shows at a user location.
type WelcomeSource interface {
	WelcomeMessage(ctx context.Context, botID, location string) (string, error)
}

// StaticWelcome is a WelcomeSource backed by a fixed location → text map.
// The "" key, if present, is the fallback for unknown locations.
type StaticWelcome map[string]string

func (s StaticWelcome) WelcomeMessage(_ context.Context, _ string, location string) (string, error) {
	if text, ok := s[location]; ok {
		return text, nil
	}
	return s[""], nil
}

// WelcomeID is the deterministic id of the greeting for a bot and location.
// Injecting the same greeting twice merges into one message.
func WelcomeID(botID, location string) string {
	return "welcome:" + botID + ":" + location
}

// WelcomeController injects a greeting at most once per (bot, location) for
// the lifetime of a conversation. It fires only when the bot and the user
// location are known, the session is not in demo mode, and the connection
// is up.
type WelcomeController struct {
	source WelcomeSource
	botID  string
	demo   bool
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	location string
	convID   string
	fired    map[string]bool
}

// NewWelcomeController creates a controller. Pass nil logger for default.
func NewWelcomeController(source WelcomeSource, botID string, demo bool, logger *slog.Logger) *WelcomeController {
	if logger == nil {
		logger = slog.Default()
	}
	return &WelcomeController{
		source: source,
		botID:  botID,
		demo:   demo,
		logger: logger.With("component", "welcome"),
		now:    time.Now,
		fired:  make(map[string]bool),
	}
}

// SetLocation records the resolved user location.
func (w *WelcomeController) SetLocation(location string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.location = location
}

// claim decides whether snap warrants a greeting and marks it fired. The
// guard is reset only when one established conversation is replaced by
// another.
func (w *WelcomeController) claim(snap Snapshot) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if snap.ConversationID != "" && snap.ConversationID != w.convID {
		if w.convID != "" {
			w.fired = make(map[string]bool)
		}
		w.convID = snap.ConversationID
	}

	if w.source == nil || w.demo || w.botID == "" || w.location == "" {
		return "", false
	}
	if snap.ConnectionStatus != conversation.ConnectionConnected {
		return "", false
	}
	if w.fired[w.location] {
		return "", false
	}
	w.fired[w.location] = true
	return w.location, true
}

func (w *WelcomeController) unclaim(location string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.fired, location)
}

// Evaluate returns the greeting to inject for snap, if any. A failed fetch
// releases the guard so a later evaluation can try again; an empty greeting
// does not.
func (w *WelcomeController) Evaluate(ctx context.Context, snap Snapshot) (conversation.Message, bool) {
	location, ok := w.claim(snap)
	if !ok {
		return conversation.Message{}, false
	}
	return w.fetch(ctx, location)
}

func (w *WelcomeController) fetch(ctx context.Context, location string) (conversation.Message, bool) {
	text, err := w.source.WelcomeMessage(ctx, w.botID, location)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("welcome fetch failed", "location", location, "error", err)
		}
		w.unclaim(location)
		return conversation.Message{}, false
	}
	if text == "" {
		return conversation.Message{}, false
	}

	return conversation.Message{
		ID:        WelcomeID(w.botID, location),
		Sender:    conversation.SenderBot,
		Text:      text,
		Timestamp: w.now(),
		Status:    conversation.StatusDelivered,
	}, true
}
