package conversation

import "github.com/NeboLoop/chatwidget-go-sdk/lock"

// ConnectionStatus is the connection state surfaced to the UI.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionBlocked      ConnectionStatus = "blocked"
)

// State is the last-known snapshot of a widget conversation. It is what the
// cache persists and what a new Session hydrates from.
type State struct {
	ConversationID   string           `json:"conversationId,omitempty"`
	Messages         []Message        `json:"messages"`
	IsTyping         bool             `json:"isTyping"`
	TypingSender     TypingSender     `json:"typingSender"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	Lock             lock.State       `json:"lock"`
}

// EmptyState returns the state of a conversation that has never been seen.
func EmptyState() State {
	return State{
		Messages:         []Message{},
		TypingSender:     TypingNone,
		ConnectionStatus: ConnectionDisconnected,
	}
}
