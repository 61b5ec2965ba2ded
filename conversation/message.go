// Package conversation holds the widget's conversation model: messages, the
// ordered message store with typing state, and the serializable snapshot that
// is written to the local cache.
package conversation

import "time"

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// Status is the delivery state of a message.
// A pending message moves to delivered or failed exactly once.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// TypingSender identifies who is currently typing.
type TypingSender string

const (
	TypingNone  TypingSender = "none"
	TypingBot   TypingSender = "bot"
	TypingAgent TypingSender = "agent"
)

// Message is a single entry in the conversation log.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// IsPending reports whether the message is still awaiting confirmation.
func (m Message) IsPending() bool { return m.Status == StatusPending }
