// Package lock mirrors the server-authoritative device session lock that keeps
// a user from holding an active widget session on two devices at once.
package lock

import (
	"sync"
	"time"
)

// State is the device session lock as pushed by the gateway.
type State struct {
	IsBlockedByOtherDevice      bool      `json:"isBlockedByOtherDevice"`
	BlockMessage                string    `json:"blockMessage,omitempty"`
	IsMobileSessionActive       bool      `json:"isMobileSessionActive"`
	IsMobileConversationExpired bool      `json:"isMobileConversationExpired"`
	MobileExpiresAt             time.Time `json:"mobileExpiresAt,omitempty"`
}

func (s State) equal(o State) bool {
	return s.IsBlockedByOtherDevice == o.IsBlockedByOtherDevice &&
		s.BlockMessage == o.BlockMessage &&
		s.IsMobileSessionActive == o.IsMobileSessionActive &&
		s.IsMobileConversationExpired == o.IsMobileConversationExpired &&
		s.MobileExpiresAt.Equal(o.MobileExpiresAt)
}

// Lock is the client-side mirror of State. The only change it makes on its
// own is flagging the mobile conversation as expired once MobileExpiresAt
// passes.
type Lock struct {
	mu       sync.Mutex
	state    State
	timer    *time.Timer
	onExpire func(State)
	now      func() time.Time
	stopped  bool
}

// New creates a lock mirror starting from a cached state. onExpire, if set,
// is called from the timer goroutine when the mobile conversation expires.
// Changes made through Apply are reported by its return value instead.
func New(initial State, onExpire func(State)) *Lock {
	l := &Lock{
		onExpire: onExpire,
		now:      time.Now,
	}
	l.state = l.expireLocked(initial)
	l.armLocked()
	return l
}

// Apply replaces the mirrored state with the latest authoritative value.
// Applying a value equal to the current one is a no-op; it reports whether
// anything changed.
func (l *Lock) Apply(s State) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	s = l.expireLocked(s)
	if s.equal(l.state) {
		l.mu.Unlock()
		return false
	}
	l.state = s
	l.armLocked()
	l.mu.Unlock()
	return true
}

// expireLocked marks an already elapsed mobile session as expired so that
// re-applying the same push after the deadline stays idempotent.
func (l *Lock) expireLocked(s State) State {
	if s.IsMobileSessionActive && !s.MobileExpiresAt.IsZero() && !l.now().Before(s.MobileExpiresAt) {
		s.IsMobileConversationExpired = true
	}
	return s
}

func (l *Lock) armLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	s := l.state
	if !s.IsMobileSessionActive || s.IsMobileConversationExpired || s.MobileExpiresAt.IsZero() {
		return
	}
	deadline := s.MobileExpiresAt
	l.timer = time.AfterFunc(deadline.Sub(l.now()), func() { l.expire(deadline) })
}

func (l *Lock) expire(deadline time.Time) {
	l.mu.Lock()
	if l.stopped || !l.state.MobileExpiresAt.Equal(deadline) || l.state.IsMobileConversationExpired {
		l.mu.Unlock()
		return
	}
	l.state.IsMobileConversationExpired = true
	l.timer = nil
	snapshot := l.state
	l.mu.Unlock()

	if l.onExpire != nil {
		l.onExpire(snapshot)
	}
}

// IsSendAllowed reports whether outbound sends may proceed. Only the
// other-device block gates sends; the mobile flags are informational.
func (l *Lock) IsSendAllowed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.state.IsBlockedByOtherDevice
}

// State returns the mirrored lock state.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stop cancels the expiry timer. Further Apply calls are ignored.
func (l *Lock) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}
