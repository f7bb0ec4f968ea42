// Package xmpp implements the client side of the adapter: TCP/TLS
// transport, stream negotiation, presence, MUC join and stanza
// encoding/decoding on top of mellium.im/xmpp.
package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// DefaultResource identifies the adapter's binding when the account does not
// configure one.
const DefaultResource = "xmppgate"

// Connect timeouts: DefaultConnectTimeout bounds dial plus stream
// negotiation; probes use the shorter one.
const (
	DefaultConnectTimeout = 15 * time.Second
	ProbeConnectTimeout   = 8 * time.Second
)

// mucUnlockDelay is the pause between the join presence and the owner
// configuration submit, giving the server time to process a room creation.
const mucUnlockDelay = 500 * time.Millisecond

var (
	ErrNotConnected = errors.New("xmpp: not connected")
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateBound
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateBound:
		return "bound"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Config describes one client connection.
type Config struct {
	JID      string
	Password string
	Host     string // defaults to the JID domain
	Port     int    // defaults to 5222
	TLS      bool   // negotiate STARTTLS
	Resource string
	Nickname string // MUC occupant nick; defaults to the JID localpart

	ConnectTimeout time.Duration
	AutoJoinRooms  []string

	Logger *zap.Logger
}

// Client owns one XMPP stream. The monitor owns the client; the client owns
// the transport.
type Client struct {
	mu      sync.RWMutex
	cfg     Config
	jid     jid.JID
	session *xmpp.Session
	state   State
	log     *zap.Logger

	onOnline   func()
	onOffline  func(err error)
	onError    func(err error)
	onMessage  func(ev MessageEvent)
	onPresence func(ev PresenceEvent)

	ctx    context.Context
	cancel context.CancelFunc

	// unlockDelay is mucUnlockDelay unless shortened in tests.
	unlockDelay time.Duration
}

// New creates a client from the config. It does not connect.
func New(cfg Config) (*Client, error) {
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid JID: %w", err)
	}
	if cfg.Resource == "" {
		cfg.Resource = DefaultResource
	}
	j, err = j.WithResource(cfg.Resource)
	if err != nil {
		return nil, fmt.Errorf("invalid resource: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 5222
	}
	if cfg.Host == "" {
		cfg.Host = j.Domainpart()
	}
	if cfg.Nickname == "" {
		cfg.Nickname = j.Localpart()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:         cfg,
		jid:         j,
		state:       StateIdle,
		log:         cfg.Logger.With(zap.String("jid", j.Bare().String())),
		ctx:         ctx,
		cancel:      cancel,
		unlockDelay: mucUnlockDelay,
	}, nil
}

// Handler setters. Set before Start; the serve loop reads them without
// locking.

func (c *Client) OnOnline(f func())                   { c.onOnline = f }
func (c *Client) OnOffline(f func(err error))         { c.onOffline = f }
func (c *Client) OnError(f func(err error))           { c.onError = f }
func (c *Client) OnMessage(f func(ev MessageEvent))   { c.onMessage = f }
func (c *Client) OnPresence(f func(ev PresenceEvent)) { c.onPresence = f }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Ready reports whether the client is online and able to send.
func (c *Client) Ready() bool { return c.State() == StateOnline }

// JID returns the bound JID (full after Start).
func (c *Client) JID() jid.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start dials the server, negotiates the stream and brings the client
// online: initial presence is sent and the configured rooms are joined.
// The connect timeout covers dial and negotiation; expiry cancels the
// pending start.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateOffline {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	connectCtx, done := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer done()

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, "tcp", addr)
	if err != nil {
		c.setState(StateOffline)
		return fmt.Errorf("failed to dial server: %w", err)
	}

	features := []xmpp.StreamFeature{}
	if c.cfg.TLS {
		features = append(features, xmpp.StartTLS(&tls.Config{
			ServerName: c.jid.Domainpart(),
			MinVersion: tls.VersionTLS12,
		}))
	}
	features = append(features,
		xmpp.SASL("", c.cfg.Password, sasl.ScramSha256, sasl.ScramSha1, sasl.Plain),
		xmpp.BindResource(),
	)
	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{Features: features}
	})

	c.setState(StateAuthenticating)
	session, err := xmpp.NewSession(connectCtx, c.jid.Domain(), c.jid, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		c.setState(StateOffline)
		return fmt.Errorf("failed to negotiate session: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.jid = session.LocalAddr()
	c.state = StateBound
	c.mu.Unlock()

	if err := session.Encode(ctx, stanza.Presence{Type: stanza.AvailablePresence}); err != nil {
		session.Close()
		c.setState(StateOffline)
		return fmt.Errorf("failed to send initial presence: %w", err)
	}

	c.setState(StateOnline)
	c.log.Info("online", zap.String("resource", c.jid.Resourcepart()))
	if c.onOnline != nil {
		c.onOnline()
	}

	go c.serve()
	go func() {
		for _, room := range c.cfg.AutoJoinRooms {
			if err := c.JoinRoom(c.ctx, room); err != nil {
				c.log.Warn("room join failed", zap.String("room", room), zap.Error(err))
			}
		}
	}()

	return nil
}

// Stop closes the stream gracefully. Safe to call more than once.
func (c *Client) Stop() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	already := c.state == StateOffline || c.state == StateIdle
	c.state = StateOffline
	c.mu.Unlock()

	c.cancel()
	if already || session == nil {
		return nil
	}

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	_ = session.Encode(ctx, stanza.Presence{Type: stanza.UnavailablePresence})
	return session.Close()
}

func (c *Client) serve() {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return
	}

	err := session.Serve(xmpp.HandlerFunc(c.handleStanza))
	if err == io.EOF || errors.Is(err, context.Canceled) {
		err = nil
	}

	c.mu.Lock()
	wasOnline := c.state == StateOnline
	c.state = StateOffline
	c.mu.Unlock()

	if err != nil && c.onError != nil {
		c.onError(err)
	}
	if wasOnline && c.onOffline != nil {
		c.onOffline(err)
	}
}

// handleStanza decodes one top level element. Decode failures are logged
// and the stanza dropped; they never end the stream.
func (c *Client) handleStanza(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	d := xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(*start), t))
	if _, err := d.Token(); err != nil {
		return err
	}

	switch start.Name.Local {
	case "message":
		msg := messageStanza{}
		if err := d.DecodeElement(&msg, start); err != nil && err != io.EOF {
			c.log.Warn("dropping undecodable message stanza", zap.Error(err))
			return nil
		}
		if msg.Body == "" && msg.Subject == "" {
			return nil
		}
		if c.onMessage != nil {
			c.onMessage(eventFromMessage(&msg))
		}
	case "presence":
		p := presenceStanza{}
		if err := d.DecodeElement(&p, start); err != nil && err != io.EOF {
			c.log.Warn("dropping undecodable presence stanza", zap.Error(err))
			return nil
		}
		if c.onPresence != nil {
			c.onPresence(eventFromPresence(&p))
		}
	}
	return nil
}

func (c *Client) liveSession() (*xmpp.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateOnline || c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// SendMessage sends a text message and returns the generated stanza ID.
// The body is trimmed; interior newlines pass through verbatim.
func (c *Client) SendMessage(ctx context.Context, to string, body string, typ stanza.MessageType) (string, error) {
	session, err := c.liveSession()
	if err != nil {
		return "", err
	}
	toJID, err := jid.Parse(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}

	id := uuid.NewString()
	msg := outboundMessage{
		Message: stanza.Message{
			ID:   id,
			To:   toJID,
			Type: typ,
		},
		Body: strings.TrimSpace(body),
	}
	if err := session.Encode(ctx, msg); err != nil {
		return "", err
	}
	return id, nil
}

// SendChatState sends an XEP-0085 chat state notification.
func (c *Client) SendChatState(ctx context.Context, to string, state ChatState) error {
	session, err := c.liveSession()
	if err != nil {
		return err
	}
	toJID, err := jid.Parse(to)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}

	return session.Encode(ctx, chatStateMessage{
		Message: stanza.Message{To: toJID, Type: stanza.ChatMessage},
		State:   chatStateElement{XMLName: xml.Name{Space: NSChatStates, Local: string(state)}},
	})
}

// SendReceipt acknowledges delivery of the message with the given ID
// (XEP-0184).
func (c *Client) SendReceipt(ctx context.Context, to string, id string) error {
	session, err := c.liveSession()
	if err != nil {
		return err
	}
	toJID, err := jid.Parse(to)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}

	return session.Encode(ctx, receiptMessage{
		Message:  stanza.Message{To: toJID},
		Received: received{ID: id},
	})
}

// SendPresence sends a presence stanza with the optional type, target and
// status children.
func (c *Client) SendPresence(ctx context.Context, typ stanza.PresenceType, to, status, show string) error {
	session, err := c.liveSession()
	if err != nil {
		return err
	}

	p := presenceStanza{
		Presence: stanza.Presence{Type: typ},
		Status:   status,
		Show:     show,
	}
	if to != "" {
		toJID, err := jid.Parse(to)
		if err != nil {
			return fmt.Errorf("invalid JID: %w", err)
		}
		p.To = toJID
	}
	return session.Encode(ctx, p)
}

// JoinRoom performs the MUC join protocol: presence with the muc marker to
// room/nick, a short pause, then an owner configuration submit so freshly
// created rooms are unlocked without operator action.
func (c *Client) JoinRoom(ctx context.Context, room string) error {
	session, err := c.liveSession()
	if err != nil {
		return err
	}
	roomJID, err := jid.Parse(room)
	if err != nil {
		return fmt.Errorf("invalid room JID: %w", err)
	}
	occupant, err := roomJID.WithResource(c.cfg.Nickname)
	if err != nil {
		return fmt.Errorf("invalid nickname: %w", err)
	}

	join := mucJoinPresence{Presence: stanza.Presence{To: occupant}}
	if err := session.Encode(ctx, join); err != nil {
		return fmt.Errorf("failed to send join presence: %w", err)
	}
	c.log.Debug("joined room", zap.String("room", roomJID.Bare().String()))

	select {
	case <-time.After(c.unlockDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	unlock := roomUnlockIQ{
		IQ: stanza.IQ{
			ID:   fmt.Sprintf("cfg-%d", time.Now().UnixMilli()),
			To:   roomJID.Bare(),
			Type: stanza.SetIQ,
		},
		Query: ownerQuery{Form: submitForm{Type: "submit"}},
	}
	if err := session.Encode(ctx, unlock); err != nil {
		return fmt.Errorf("failed to submit room config: %w", err)
	}
	return nil
}
