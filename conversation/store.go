package conversation

import (
	"sort"
	"sync"
	"time"
)

// Store is the ordered message log of one conversation together with its
// typing indicator. It is safe for concurrent use.
//
// Messages are kept ordered by timestamp (ties keep arrival order). Appending
// a message whose ID is already present merges into the existing entry, since
// the push channel and the ask response can both deliver the same reply.
type Store struct {
	mu           sync.RWMutex
	messages     []Message
	index        map[string]int
	isTyping     bool
	typingSender TypingSender
	now          func() time.Time
}

// NewStore creates a store pre-populated from a cached snapshot. The typing
// indicator starts cleared, and a message still pending in the snapshot is
// loaded as failed: its request died with the session that sent it.
func NewStore(initial State) *Store {
	s := &Store{
		index:        make(map[string]int),
		typingSender: TypingNone,
		now:          time.Now,
	}
	for _, m := range initial.Messages {
		if m.Status == StatusPending {
			m.Status = StatusFailed
		}
		s.appendLocked(m)
	}
	return s
}

// Reset drops every message and clears the typing indicator. It reports
// whether the store changed.
func (s *Store) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := len(s.messages) > 0 || s.isTyping
	s.messages = nil
	s.index = make(map[string]int)
	s.isTyping = false
	s.typingSender = TypingNone
	return changed
}

// Append inserts msg in timestamp order, or merges it into the message with
// the same ID. It reports whether the store changed.
func (s *Store) Append(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(msg)
}

func (s *Store) appendLocked(msg Message) bool {
	if msg.ID == "" {
		return false
	}
	if i, ok := s.index[msg.ID]; ok {
		merged := merge(s.messages[i], msg)
		if merged == s.messages[i] {
			return false
		}
		s.messages[i] = merged
		return true
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if msg.Status == "" {
		msg.Status = StatusDelivered
	}

	pos := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].Timestamp.After(msg.Timestamp)
	})
	s.messages = append(s.messages, Message{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = msg
	s.reindexFrom(pos)
	return true
}

// merge applies a re-delivered copy of a message. The original position is
// kept, and a settled status never goes back to pending.
func merge(existing, incoming Message) Message {
	out := existing
	if incoming.Sender != "" {
		out.Sender = incoming.Sender
	}
	if incoming.Text != "" {
		out.Text = incoming.Text
	}
	if existing.Status == StatusPending && incoming.Status != "" {
		out.Status = incoming.Status
	}
	return out
}

func (s *Store) reindexFrom(pos int) {
	for i := pos; i < len(s.messages); i++ {
		s.index[s.messages[i].ID] = i
	}
}

// SetTyping records the latest typing signal. Only the most recent call matters.
func (s *Store) SetTyping(sender TypingSender, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !active || sender == TypingNone || sender == "" {
		sender = TypingNone
		active = false
	}
	if s.isTyping == active && s.typingSender == sender {
		return false
	}
	s.isTyping = active
	s.typingSender = sender
	return true
}

// MarkDelivered settles a pending message as delivered. It is a no-op for
// unknown or already settled messages.
func (s *Store) MarkDelivered(id string) bool {
	return s.settle(id, StatusDelivered)
}

// MarkFailed settles a pending message as failed. It is a no-op for unknown
// or already settled messages.
func (s *Store) MarkFailed(id string) bool {
	return s.settle(id, StatusFailed)
}

func (s *Store) settle(id string, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok || s.messages[i].Status != StatusPending {
		return false
	}
	s.messages[i].Status = status
	return true
}

// Remove deletes a message. Only failed messages can be removed.
func (s *Store) Remove(id string) bool {
	return s.removeIf(id, StatusFailed)
}

// Withdraw deletes a message whose request was abandoned. Only pending
// messages can be withdrawn.
func (s *Store) Withdraw(id string) bool {
	return s.removeIf(id, StatusPending)
}

func (s *Store) removeIf(id string, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok || s.messages[i].Status != status {
		return false
	}
	delete(s.index, id)
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	s.reindexFrom(i)
	return true
}

// Get returns the message with the given ID.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[i], true
}

// Has reports whether a message with the given ID exists.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Messages returns a copy of the ordered log.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Typing returns the current typing indicator.
func (s *Store) Typing() (bool, TypingSender) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isTyping, s.typingSender
}
