// Package wire defines the JSON payload types for the chat widget push
// protocol. Both the gateway and the SDK channels import these.
package wire

import "time"

// ConnectPayload is the payload of a CONNECT frame (client -> server).
type ConnectPayload struct {
	Token      string `json:"token,omitempty"`
	BotID      string `json:"botId"`
	UserID     string `json:"userId,omitempty"`
	InstanceID string `json:"instanceId"`
}

// AuthResultPayload is the payload of AUTH_OK / AUTH_FAIL (server -> client).
type AuthResultPayload struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// SubscribePayload is the payload of a SUBSCRIBE frame (client -> server).
// An empty ConversationID asks the gateway to attach the instance to its
// current conversation, or to open one.
type SubscribePayload struct {
	ConversationID string `json:"conversationId,omitempty"`
}

// SubscribeAckPayload is sent back after a successful subscribe (server -> client).
type SubscribeAckPayload struct {
	ConversationID string `json:"conversationId"`
}

// UnsubscribePayload is the payload of an UNSUBSCRIBE frame (client -> server).
type UnsubscribePayload struct {
	ConversationID string `json:"conversationId,omitempty"`
}

// MessagePayload is a message pushed to subscribers. The frame header
// carries the frame id used for replay dedup; ID is the message id.
type MessagePayload struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status,omitempty"`
}

// TypingPayload is the payload of a TYPING frame. Typing frames are
// ephemeral and never replayed.
type TypingPayload struct {
	Sender string `json:"sender"`
	Active bool   `json:"active"`
}

// LockPayload is the authoritative device session lock (server -> client).
type LockPayload struct {
	IsBlockedByOtherDevice      bool       `json:"isBlockedByOtherDevice"`
	BlockMessage                string     `json:"blockMessage,omitempty"`
	IsMobileSessionActive       bool       `json:"isMobileSessionActive"`
	IsMobileConversationExpired bool       `json:"isMobileConversationExpired"`
	MobileExpiresAt             *time.Time `json:"mobileExpiresAt,omitempty"`
}

// EndedPayload is the payload of a CONVERSATION_ENDED frame.
type EndedPayload struct {
	Reason string `json:"reason,omitempty"`
}
