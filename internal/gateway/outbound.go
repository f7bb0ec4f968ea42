package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/xmppgate/internal/account"
	"github.com/meszmate/xmppgate/internal/jidutil"
	"github.com/meszmate/xmppgate/internal/markdown"
	"github.com/meszmate/xmppgate/internal/xmpp"
)

// ErrInvalidTarget is returned when an outbound target does not parse as
// a JID.
var ErrInvalidTarget = fmt.Errorf("invalid target")

// SendOptions tunes a single outbound send.
type SendOptions struct {
	// ReplyTo appends a textual reply marker for the given message ID.
	ReplyTo string
	// Client reuses a live client instead of opening a transient one.
	Client ChannelClient
}

// SendText delivers text to a user or room. The message type is groupchat
// exactly when the target is a room JID. Without a usable live client a
// transient connection is opened for the send and closed after.
func (rt *Runtime) SendText(ctx context.Context, accountID, to, text string, opts SendOptions) error {
	target, ok := jidutil.Normalize(jidutil.StripPrefix(to))
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, to)
	}

	acct, err := account.Require(rt.cfg, accountID)
	if err != nil {
		return err
	}

	if acct.Config.Markdown == nil || *acct.Config.Markdown {
		text = markdown.FlattenTables(text)
	}
	if opts.ReplyTo != "" {
		text += "\n\n[reply:" + opts.ReplyTo + "]"
	}

	typ := stanza.ChatMessage
	if rt.isRoom(target) {
		typ = stanza.GroupChatMessage
	}

	client := opts.Client
	if client == nil {
		if m := rt.monitor(acct.ID); m != nil {
			client = m.client
		}
	}

	if client != nil && client.Ready() {
		if _, err := client.SendMessage(ctx, target, text, typ); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	} else if err := rt.sendTransient(ctx, acct, target, text, typ); err != nil {
		return err
	}

	if err := rt.store.RecordActivity(ctx, Channel, acct.ID, "outbound", target, ""); err != nil {
		rt.log.Warn("failed to record outbound activity", zap.Error(err))
	}
	return nil
}

// sendTransient connects, sends one message and disconnects.
func (rt *Runtime) sendTransient(ctx context.Context, acct account.Account, target, text string, typ stanza.MessageType) error {
	client, err := rt.newClient(xmpp.Config{
		JID:            acct.BareJID,
		Password:       acct.Password,
		Host:           acct.Host,
		Port:           acct.Port,
		TLS:            acct.TLS,
		Resource:       acct.Resource,
		ConnectTimeout: xmpp.DefaultConnectTimeout,
		Logger:         rt.log.Named("transient"),
	})
	if err != nil {
		return err
	}
	defer client.Stop()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("failed to connect for send: %w", err)
	}
	if _, err := client.SendMessage(ctx, target, text, typ); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}
