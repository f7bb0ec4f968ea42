package gateway

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meszmate/xmppgate/internal/agent"
	"github.com/meszmate/xmppgate/internal/jidutil"
	"github.com/meszmate/xmppgate/internal/policy"
	"github.com/meszmate/xmppgate/internal/xmpp"
)

// handleInbound runs the full pipeline for one accepted stanza: policy,
// pairing, session bookkeeping, agent dispatch and reply delivery. It is
// called from the monitor's worker, one message at a time per account.
func (rt *Runtime) handleInbound(ctx context.Context, m *Monitor, msg InboundMessage) {
	log := m.log.With(
		zap.String("from", msg.SenderJID),
		zap.String("target", msg.Target),
		zap.Bool("group", msg.IsGroup),
	)

	storeAllow := rt.pairing.Allowed(ctx, m.acct.ID)
	verdict := m.engine.Evaluate(policy.Message{
		SenderJID:      msg.SenderJID,
		SenderBareJID:  msg.SenderBareJID,
		SenderNickname: msg.SenderNickname,
		Target:         msg.Target,
		Body:           msg.Text,
		IsGroup:        msg.IsGroup,
	}, storeAllow)

	switch verdict.Action {
	case policy.ActionDrop:
		log.Info("message dropped", zap.String("reason", verdict.Reason))
		return
	case policy.ActionPair:
		log.Info("message dropped", zap.String("reason", verdict.Reason))
		if err := rt.pairing.Challenge(ctx, m.acct.ID, msg.SenderBareJID); err != nil {
			log.Warn("pairing challenge failed", zap.Error(err))
		}
		return
	}
	log.Debug("message accepted", zap.String("reason", verdict.Reason))

	lastSeen, err := rt.store.LastActivity(ctx, Channel, m.acct.ID, msg.Target)
	if err != nil {
		log.Warn("failed to read previous activity", zap.Error(err))
	}
	if err := rt.store.RecordActivity(ctx, Channel, m.acct.ID, "inbound", msg.Target, msg.MessageID); err != nil {
		log.Warn("failed to record inbound activity", zap.Error(err))
	}

	key := sessionKey(m.acct.ID, msg.Target)

	chatType := "direct"
	if msg.IsGroup {
		chatType = "group"
	}
	if err := rt.store.SaveRoute(ctx, Route{
		SessionKey: key,
		Channel:    Channel,
		AccountID:  m.acct.ID,
		Target:     msg.Target,
		ChatType:   chatType,
	}); err != nil {
		log.Warn("failed to save session route", zap.Error(err))
	}

	// DM niceties: acknowledge receipt and show typing while the agent
	// works. Neither applies to rooms.
	if !msg.IsGroup {
		if msg.StanzaID != "" {
			if err := m.client.SendReceipt(ctx, msg.SenderBareJID, msg.StanzaID); err != nil {
				log.Debug("failed to send receipt", zap.Error(err))
			}
		}
		if err := m.client.SendChatState(ctx, msg.SenderBareJID, xmpp.StateComposing); err != nil {
			log.Debug("failed to send chat state", zap.Error(err))
		}
	}

	if !lastSeen.IsZero() {
		log.Debug("resuming conversation", zap.Time("last_activity", lastSeen))
	}
	req := rt.buildRequest(m, msg, verdict, key, lastSeen)

	err = rt.agent.Dispatch(ctx, req, func(r agent.Reply) error {
		text := r.Text
		if prefix := m.acct.Config.ResponsePrefix; prefix != "" {
			text = prefix + text
		}
		return rt.SendText(ctx, m.acct.ID, msg.Target, text, SendOptions{Client: m.client})
	})
	if err != nil {
		log.Error("agent dispatch failed", zap.Error(err), zap.String("kind", dispatchKind(m)))
	}

	if !msg.IsGroup {
		if err := m.client.SendChatState(ctx, msg.SenderBareJID, xmpp.StateActive); err != nil {
			log.Debug("failed to send chat state", zap.Error(err))
		}
	}
}

func dispatchKind(m *Monitor) string {
	if m.acct.Config.BlockStreaming != nil && *m.acct.Config.BlockStreaming {
		return "block"
	}
	return "stream"
}

// buildRequest assembles the agent context payload.
func (rt *Runtime) buildRequest(m *Monitor, msg InboundMessage, verdict policy.Verdict, key string, lastSeen time.Time) agent.Request {
	body := msg.Text
	commandBody := ""
	if verdict.Command != "" {
		if _, rest, ok := rt.commands.Detect(msg.Text); ok {
			commandBody = rest
		}
	}

	from := Channel + ":" + msg.SenderBareJID
	senderName := jidutil.Localpart(msg.SenderBareJID)
	label := senderName
	var subject, systemPrompt string
	var skills, tools []string

	if msg.IsGroup {
		from = Channel + ":room:" + msg.Target
		senderName = msg.SenderNickname
		label = "#" + jidutil.Localpart(msg.Target)
		room := verdict.Room
		if room == nil {
			room = verdict.Wildcard
		}
		if room != nil {
			systemPrompt = room.SystemPrompt
			skills = room.Skills
			tools = room.Tools
			if per, ok := room.ToolsBySender[msg.SenderBareJID]; ok {
				tools = per
			}
		}
		subject = m.roomSubject(msg.Target)
	}

	chatType := "direct"
	if msg.IsGroup {
		chatType = "group"
	}

	return agent.Request{
		Body:        strings.TrimSpace(body),
		RawBody:     msg.Text,
		CommandBody: commandBody,
		Command:     verdict.Command,

		From:       from,
		To:         Channel + ":" + msg.Target,
		SessionKey: key,
		AccountID:  m.acct.ID,

		ChatType:          chatType,
		ConversationLabel: label,
		SenderName:        senderName,
		SenderID:          msg.SenderBareJID,
		GroupSubject:      subject,
		GroupSystemPrompt: systemPrompt,

		Provider:           Channel,
		WasMentioned:       verdict.WasMentioned,
		CommandAuthorized:  verdict.CommandAuthorized,
		MessageSid:         msg.MessageID,
		Timestamp:          msg.Timestamp,
		PreviousTimestamp:  lastSeen,
		OriginatingChannel: Channel,
		OriginatingTo:      Channel + ":" + msg.Target,

		Skills:         skills,
		Tools:          tools,
		HistoryLimit:   m.acct.Config.HistoryLimit,
		BlockStreaming: m.acct.Config.BlockStreaming != nil && *m.acct.Config.BlockStreaming,
	}
}
