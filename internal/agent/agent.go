// Package agent defines the runtime boundary between the channel adapter
// and the conversational agent. The gateway builds a Request per inbound
// message and the runtime streams replies back through a deliver callback.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Request is the context payload handed to the agent runtime.
type Request struct {
	Body        string // trimmed body; commands are carried separately in Command/CommandBody
	RawBody     string // body exactly as received
	CommandBody string // remainder after the command verb, when Command is set
	Command     string

	From       string // channel-scoped sender: "xmpp:<bare JID>", or "xmpp:room:<room JID>" in rooms
	To         string // channel-scoped conversation target: "xmpp:<bare or room JID>"
	SessionKey string
	AccountID  string

	ChatType          string // "direct" or "group"
	ConversationLabel string
	SenderName        string
	SenderID          string
	GroupSubject      string // room subject, empty until the room announces one
	GroupSystemPrompt string

	Provider           string // always "xmpp"
	WasMentioned       bool
	CommandAuthorized  bool
	MessageSid         string
	Timestamp          time.Time
	PreviousTimestamp  time.Time // last activity for this peer, zero on first contact
	OriginatingChannel string
	OriginatingTo      string

	Skills         []string
	Tools          []string
	HistoryLimit   int
	BlockStreaming bool
}

// Reply is one unit of agent output. Final marks the end of the turn.
type Reply struct {
	Text  string
	Final bool
}

// Runtime handles agent turns. Dispatch blocks until the turn completes,
// calling deliver for each reply chunk.
type Runtime interface {
	Dispatch(ctx context.Context, req Request, deliver func(Reply) error) error
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, req Request, deliver func(Reply) error) error

func (f RuntimeFunc) Dispatch(ctx context.Context, req Request, deliver func(Reply) error) error {
	return f(ctx, req, deliver)
}

// Echo is a trivial runtime that repeats the request body. Used as the
// built-in fallback and in tests.
type Echo struct {
	// Prefix is prepended to every reply.
	Prefix string
}

func (e Echo) Dispatch(ctx context.Context, req Request, deliver func(Reply) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		body = "(empty message)"
	}
	if req.Command != "" {
		body = fmt.Sprintf("command %q: %s", req.Command, req.CommandBody)
	}
	return deliver(Reply{Text: e.Prefix + body, Final: true})
}
