package chatwidget

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NeboLoop/chatwidget-go-sdk/conversation"
	"github.com/NeboLoop/chatwidget-go-sdk/frame"
	"github.com/NeboLoop/chatwidget-go-sdk/lock"
	"github.com/NeboLoop/chatwidget-go-sdk/wire"
)

// SubscribeRequest identifies the widget instance a subscription is for.
// ConversationID may be empty; the gateway then assigns one in its ack.
type SubscribeRequest struct {
	BotID          string
	UserID         string
	InstanceID     string
	ConversationID string
}

// Channel is a push channel the manager subscribes through.
type Channel interface {
	// Subscribe connects, authenticates and subscribes. It returns once the
	// subscription is acknowledged. Events received during the handshake are
	// delivered first, in arrival order.
	Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error)
}

// Subscription is one live push subscription.
type Subscription interface {
	// Events is closed when the subscription ends. Err then reports why.
	Events() <-chan Event
	// Err returns the reason the subscription ended. It is nil while the
	// subscription is live and after Unsubscribe.
	Err() error
	Unsubscribe() error
	IsConnected() bool
	// ConversationID is the conversation the gateway acknowledged.
	ConversationID() string
}

// EventType identifies the kind of a pushed event.
type EventType uint8

const (
	EventMessage EventType = iota + 1
	EventTyping
	EventLock
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventTyping:
		return "typing"
	case EventLock:
		return "lock"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event is an inbound push event.
type Event struct {
	Type EventType

	Message conversation.Message // EventMessage

	TypingSender conversation.TypingSender // EventTyping
	TypingActive bool

	Lock lock.State // EventLock
}

// DecodeEvent converts a push frame into an Event. ok is false for frame
// types that carry no event (control frames).
func DecodeEvent(h frame.Header, payload []byte) (ev Event, ok bool, err error) {
	switch h.Type {
	case frame.TypeMessage:
		var p wire.MessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, false, fmt.Errorf("decode message: %w", err)
		}
		if p.ID == "" {
			return Event{}, false, fmt.Errorf("decode message: missing id")
		}
		status := conversation.Status(p.Status)
		if status == "" {
			status = conversation.StatusDelivered
		}
		return Event{
			Type: EventMessage,
			Message: conversation.Message{
				ID:        p.ID,
				Sender:    conversation.Sender(p.Sender),
				Text:      p.Text,
				Timestamp: p.Timestamp,
				Status:    status,
			},
		}, true, nil

	case frame.TypeTyping:
		var p wire.TypingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, false, fmt.Errorf("decode typing: %w", err)
		}
		return Event{
			Type:         EventTyping,
			TypingSender: conversation.TypingSender(p.Sender),
			TypingActive: p.Active,
		}, true, nil

	case frame.TypeLock:
		var p wire.LockPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, false, fmt.Errorf("decode lock: %w", err)
		}
		s := lock.State{
			IsBlockedByOtherDevice:      p.IsBlockedByOtherDevice,
			BlockMessage:                p.BlockMessage,
			IsMobileSessionActive:       p.IsMobileSessionActive,
			IsMobileConversationExpired: p.IsMobileConversationExpired,
		}
		if p.MobileExpiresAt != nil {
			s.MobileExpiresAt = *p.MobileExpiresAt
		}
		return Event{Type: EventLock, Lock: s}, true, nil
	}
	return Event{}, false, nil
}

// EncodeEvent renders an Event as a push frame. Gateways and test fakes use
// it; the SDK itself only decodes.
func EncodeEvent(ev Event, id [16]byte) ([]byte, error) {
	var (
		h       = frame.Header{ID: id}
		payload any
	)
	switch ev.Type {
	case EventMessage:
		h.Type = frame.TypeMessage
		payload = wire.MessagePayload{
			ID:        ev.Message.ID,
			Sender:    string(ev.Message.Sender),
			Text:      ev.Message.Text,
			Timestamp: ev.Message.Timestamp,
			Status:    string(ev.Message.Status),
		}
	case EventTyping:
		h.Type = frame.TypeTyping
		h.Flags |= frame.FlagEphemeral
		payload = wire.TypingPayload{Sender: string(ev.TypingSender), Active: ev.TypingActive}
	case EventLock:
		h.Type = frame.TypeLock
		p := wire.LockPayload{
			IsBlockedByOtherDevice:      ev.Lock.IsBlockedByOtherDevice,
			BlockMessage:                ev.Lock.BlockMessage,
			IsMobileSessionActive:       ev.Lock.IsMobileSessionActive,
			IsMobileConversationExpired: ev.Lock.IsMobileConversationExpired,
		}
		if !ev.Lock.MobileExpiresAt.IsZero() {
			t := ev.Lock.MobileExpiresAt
			p.MobileExpiresAt = &t
		}
		payload = p
	default:
		return nil, fmt.Errorf("encode event: unknown type %s", ev.Type)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return frame.Pack(h, data)
}

// EndedReason extracts the reason from a CONVERSATION_ENDED payload and wraps
// it as ErrConversationEnded.
func EndedReason(payload []byte) error {
	var p wire.EndedPayload
	_ = json.Unmarshal(payload, &p)
	if p.Reason == "" {
		return ErrConversationEnded
	}
	return fmt.Errorf("%w: %s", ErrConversationEnded, p.Reason)
}
