package chatwidget

import (
	"errors"
	"fmt"
)

var (
	// ErrBlocked is returned by sends while another device holds the session.
	// It is not retried; the block is lifted only by a lock push.
	ErrBlocked = errors.New("chatwidget: session active on another device")

	// ErrCanceled is returned by a send that was superseded by a newer send,
	// canceled by its caller, or cut short by Close. It never marks the
	// message failed.
	ErrCanceled = errors.New("chatwidget: request canceled")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("chatwidget: session closed")

	// ErrConversationEnded is the terminal error for a conversation the
	// server has ended.
	ErrConversationEnded = errors.New("chatwidget: conversation ended")

	// ErrAuthRejected is the terminal error for a gateway that refused the
	// widget's credentials.
	ErrAuthRejected = errors.New("chatwidget: authentication rejected")

	ErrEmptyMessage = errors.New("chatwidget: empty message")
	ErrNotFailed    = errors.New("chatwidget: message has not failed")
)

// TransportError is a recoverable push channel failure. The manager reacts to
// it by reconnecting with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "chatwidget: transport " + e.Op
	}
	return fmt.Sprintf("chatwidget: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BackendError marks a single send as failed. It does not affect the
// connection.
type BackendError struct {
	MessageID string
	Reason    string
	Err       error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chatwidget: message %s failed: %s", e.MessageID, e.Reason)
	}
	return fmt.Sprintf("chatwidget: message %s failed: %s: %v", e.MessageID, e.Reason, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// isTerminal reports whether err closes the session instead of triggering a
// reconnect.
func isTerminal(err error) bool {
	return errors.Is(err, ErrConversationEnded) || errors.Is(err, ErrAuthRejected)
}
