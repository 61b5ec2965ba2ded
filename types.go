package chatwidget

import "github.com/NeboLoop/chatwidget-go-sdk/conversation"

// --------------------------------------------------------------------------
// Ask
// --------------------------------------------------------------------------

// AskRequest is the body of POST /api/v1/bots/{id}/ask.
type AskRequest struct {
	BotID          string            `json:"botId"`
	UserID         string            `json:"userId,omitempty"`
	InstanceID     string            `json:"instanceId,omitempty"`
	Question       string            `json:"question"`
	ConversationID string            `json:"conversationId,omitempty"`
	CapturedFields map[string]string `json:"capturedFields,omitempty"`
}

// AskResponse is the bot's answer. Error is set when the backend accepted the
// request but could not answer it.
type AskResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// --------------------------------------------------------------------------
// History
// --------------------------------------------------------------------------

// HistoryResponse is the response for GET /api/v1/conversations/{id}/messages.
type HistoryResponse struct {
	ConversationID string                 `json:"conversationId"`
	Messages       []conversation.Message `json:"messages"`
}

// --------------------------------------------------------------------------
// Welcome
// --------------------------------------------------------------------------

// WelcomeResponse is the response for GET /api/v1/bots/{id}/welcome.
type WelcomeResponse struct {
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}
