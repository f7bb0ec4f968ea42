package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/xmppgate/internal/account"
	"github.com/meszmate/xmppgate/internal/jidutil"
	"github.com/meszmate/xmppgate/internal/policy"
	"github.com/meszmate/xmppgate/internal/presence"
	"github.com/meszmate/xmppgate/internal/xmpp"
)

// inboundQueueSize bounds the per-account pipeline backlog. The stanza
// loop blocks when the agent falls this far behind.
const inboundQueueSize = 64

// InboundMessage is a normalized inbound text message.
type InboundMessage struct {
	MessageID      string
	Target         string // room JID for MUC, sender bare JID otherwise
	RawTarget      string
	SenderJID      string // full (occupant JID in rooms)
	SenderBareJID  string
	SenderResource string
	SenderNickname string // set for group messages
	Text           string
	Timestamp      time.Time
	IsGroup        bool
	StanzaID       string
}

// Monitor binds one account to one client: it translates stanza events
// into inbound messages and serializes them through the pipeline.
type Monitor struct {
	rt       *Runtime
	acct     account.Account
	client   ChannelClient
	engine   *policy.Engine
	tracker  *presence.Tracker
	nickname string
	log      *zap.Logger

	queue  chan InboundMessage
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	subMu    sync.Mutex
	subjects map[string]string // room bare JID -> last announced subject
}

// NewMonitor builds a monitor and its client for the account.
func NewMonitor(rt *Runtime, acct account.Account) (*Monitor, error) {
	nickname := jidutil.Localpart(acct.BareJID)

	client, err := rt.newClient(xmpp.Config{
		JID:            acct.BareJID,
		Password:       acct.Password,
		Host:           acct.Host,
		Port:           acct.Port,
		TLS:            acct.TLS,
		Resource:       acct.Resource,
		Nickname:       nickname,
		ConnectTimeout: xmpp.DefaultConnectTimeout,
		AutoJoinRooms:  acct.Config.AutoJoinRooms,
		Logger:         rt.log.Named("client").With(zap.String("account", acct.ID)),
	})
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		rt:       rt,
		acct:     acct,
		client:   client,
		engine:   policy.NewEngine(acct.Config, nickname, rt.isRoom, rt.commands),
		tracker:  presence.NewTracker(),
		nickname: nickname,
		log:      rt.log.Named("monitor").With(zap.String("account", acct.ID)),
		queue:    make(chan InboundMessage, inboundQueueSize),
		done:     make(chan struct{}),
		subjects: make(map[string]string),
	}

	client.OnMessage(m.handleMessage)
	client.OnPresence(m.handlePresence)
	return m, nil
}

// Client returns the monitor's client.
func (m *Monitor) Client() ChannelClient { return m.client }

// Presence returns the per-account presence tracker.
func (m *Monitor) Presence() *presence.Tracker { return m.tracker }

// Start connects the client and runs the pipeline worker until ctx is
// canceled.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	if err := m.client.Start(m.ctx); err != nil {
		m.cancel()
		close(m.done)
		return err
	}
	go m.work()
	return nil
}

// Stop disconnects and waits for the in-flight pipeline message.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	_ = m.client.Stop()
	<-m.done
}

// work serializes the inbound pipeline per account.
func (m *Monitor) work() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-m.queue:
			m.rt.handleInbound(m.ctx, m, msg)
		}
	}
}

// handleMessage runs on the client's stanza loop; it normalizes, filters
// and enqueues. A bodyless groupchat event is a subject announcement: it
// updates the subject table and goes no further.
func (m *Monitor) handleMessage(ev xmpp.MessageEvent) {
	if ev.Type == stanza.GroupChatMessage && ev.Subject != "" {
		if room, ok := jidutil.Normalize(ev.From.String()); ok {
			m.setSubject(room, ev.Subject)
		}
	}
	if ev.Body == "" {
		return
	}
	msg, ok := m.normalize(ev)
	if !ok {
		return
	}
	select {
	case m.queue <- msg:
	case <-m.ctx.Done():
	}
}

// normalize translates a stanza event to an InboundMessage, dropping
// self-messages and malformed senders.
func (m *Monitor) normalize(ev xmpp.MessageEvent) (InboundMessage, bool) {
	from := ev.From.String()
	bare, ok := jidutil.Normalize(from)
	if !ok {
		m.log.Debug("dropping message with unparseable sender", zap.String("from", from))
		return InboundMessage{}, false
	}

	msg := InboundMessage{
		MessageID: ev.ID,
		RawTarget: ev.To.String(),
		Text:      ev.Body,
		Timestamp: time.Now(),
		StanzaID:  ev.ID,
	}
	if ev.Delayed != nil {
		msg.Timestamp = *ev.Delayed
	}

	switch ev.Type {
	case stanza.GroupChatMessage:
		room := bare // occupant JID: bare part is the room
		nick := jidutil.Resourcepart(from)
		if nick == "" {
			m.log.Debug("dropping room message without occupant nick", zap.String("from", from))
			return InboundMessage{}, false
		}
		if nick == m.nickname {
			return InboundMessage{}, false
		}
		msg.IsGroup = true
		msg.Target = room
		msg.SenderJID = from
		msg.SenderBareJID = bare
		msg.SenderResource = nick
		msg.SenderNickname = nick
	case stanza.ChatMessage, stanza.NormalMessage:
		if bare == m.acct.BareJID {
			return InboundMessage{}, false
		}
		msg.Target = bare
		msg.SenderJID = from
		msg.SenderBareJID = bare
		msg.SenderResource = jidutil.Resourcepart(from)
	default:
		return InboundMessage{}, false
	}

	return msg, true
}

func (m *Monitor) setSubject(room, subject string) {
	m.subMu.Lock()
	m.subjects[room] = subject
	m.subMu.Unlock()
}

// roomSubject returns the last subject the room announced, empty before
// any announcement.
func (m *Monitor) roomSubject(room string) string {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return m.subjects[room]
}

func (m *Monitor) handlePresence(ev xmpp.PresenceEvent) {
	from := ev.From.String()
	switch ev.Type {
	case stanza.AvailablePresence:
		m.tracker.Update(from, true, ev.Status, ev.Show, ev.Priority)
	case stanza.UnavailablePresence:
		m.tracker.Update(from, false, "", "", 0)
	}
}
