package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	chatwidget "github.com/NeboLoop/chatwidget-go-sdk"
	"github.com/NeboLoop/chatwidget-go-sdk/conversation"
)

// renderer prints the difference between consecutive snapshots.
type renderer struct {
	mu  sync.Mutex
	out io.Writer

	status  conversation.ConnectionStatus
	typing  conversation.TypingSender
	blocked bool
	expired bool
	seen    map[string]conversation.Status
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:    out,
		typing: conversation.TypingNone,
		seen:   make(map[string]conversation.Status),
	}
}

var (
	userColor   = color.New(color.FgGreen)
	botColor    = color.New(color.FgCyan)
	agentColor  = color.New(color.FgMagenta)
	systemColor = color.New(color.FgHiBlack)
	warnColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed)
)

func (r *renderer) render(s chatwidget.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ConnectionStatus != r.status {
		r.status = s.ConnectionStatus
		systemColor.Fprintf(r.out, "-- %s\n", s.ConnectionStatus)
	}
	if s.IsBlockedByOtherDevice != r.blocked {
		r.blocked = s.IsBlockedByOtherDevice
		if r.blocked {
			msg := s.BlockMessage
			if msg == "" {
				msg = "this conversation is active on another device"
			}
			warnColor.Fprintf(r.out, "!! %s\n", msg)
		} else {
			warnColor.Fprintln(r.out, "!! you can write here again")
		}
	}
	if s.IsMobileConversationExpired != r.expired {
		r.expired = s.IsMobileConversationExpired
		if r.expired {
			systemColor.Fprintln(r.out, "-- the mobile conversation expired")
		}
	}

	for _, msg := range s.Messages {
		prev, ok := r.seen[msg.ID]
		r.seen[msg.ID] = msg.Status
		switch {
		case !ok:
			r.printMessage(msg)
		case prev != msg.Status && msg.Status == conversation.StatusFailed:
			errColor.Fprintf(r.out, "   not delivered, /resend %s\n", msg.ID)
		}
	}

	typing := conversation.TypingNone
	if s.IsTyping {
		typing = s.TypingSender
	}
	if typing != r.typing {
		r.typing = typing
		if typing != conversation.TypingNone {
			systemColor.Fprintf(r.out, "   %s is typing...\n", typing)
		}
	}
}

func (r *renderer) printMessage(msg conversation.Message) {
	ts := msg.Timestamp.Local().Format("15:04")
	switch msg.Sender {
	case conversation.SenderUser:
		userColor.Fprintf(r.out, "[%s] you: %s\n", ts, msg.Text)
		if msg.Status == conversation.StatusFailed {
			errColor.Fprintf(r.out, "   not delivered, /resend %s\n", msg.ID)
		}
	case conversation.SenderBot:
		botColor.Fprintf(r.out, "[%s] bot: %s\n", ts, msg.Text)
	case conversation.SenderAgent:
		agentColor.Fprintf(r.out, "[%s] agent: %s\n", ts, msg.Text)
	default:
		systemColor.Fprintf(r.out, "[%s] %s\n", ts, msg.Text)
	}
}

// lastFailed returns the id of the most recent failed message.
func lastFailed(s chatwidget.Snapshot) (string, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Status == conversation.StatusFailed {
			return s.Messages[i].ID, true
		}
	}
	return "", false
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  /resend [id]         retry a failed message (default: the last one)")
	fmt.Fprintln(out, "  /field name=value    capture a form field sent with every question")
	fmt.Fprintln(out, "  /location <name>     set the user location (may trigger a greeting)")
	fmt.Fprintln(out, "  /status              show the session state")
	fmt.Fprintln(out, "  /quit                close the session")
}
