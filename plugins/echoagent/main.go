// echoagent is an example agent runtime plugin. It echoes message bodies
// back, with a little extra handling for commands, and shows the minimum
// a real agent binary needs: implement agent.Runtime and call agent.Serve.
package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/meszmate/xmppgate/internal/agent"
)

// EchoAgent is a toy agent runtime.
type EchoAgent struct{}

// Dispatch handles one turn.
func (EchoAgent) Dispatch(ctx context.Context, req agent.Request, deliver func(agent.Reply) error) error {
	if req.Command != "" {
		return deliver(agent.Reply{Text: handleCommand(req), Final: true})
	}

	text := strings.TrimSpace(req.Body)
	if text == "" {
		text = "(nothing to echo)"
	}
	reply := fmt.Sprintf("echo from %s: %s", req.ConversationLabel, text)
	return deliver(agent.Reply{Text: reply, Final: true})
}

func handleCommand(req agent.Request) string {
	if !req.CommandAuthorized {
		return "You are not authorized to run commands."
	}
	switch req.Command {
	case "ping":
		return "pong"
	case "whoami":
		return fmt.Sprintf("You are %s (%s) in a %s chat.", req.SenderName, req.SenderID, req.ChatType)
	default:
		return fmt.Sprintf("Unknown command %q. Try /ping or /whoami.", req.Command)
	}
}

func main() {
	agent.Serve(EchoAgent{})
}
