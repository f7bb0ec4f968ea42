// Package gateway wires the channel together: per-account supervisors own
// XMPP clients, inbound stanzas run through the policy engine and agent
// runtime, and replies flow back out through the sender.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meszmate/xmppgate/internal/agent"
	"github.com/meszmate/xmppgate/internal/config"
	"github.com/meszmate/xmppgate/internal/jidutil"
	"github.com/meszmate/xmppgate/internal/pairing"
	"github.com/meszmate/xmppgate/internal/policy"
	"github.com/meszmate/xmppgate/internal/xmpp"

	"mellium.im/xmpp/stanza"
)

// Channel is this adapter's channel identifier.
const Channel = "xmpp"

// Route binds an agent session key to its reply target.
type Route struct {
	SessionKey string
	Channel    string
	AccountID  string
	Target     string
	ChatType   string // "direct" or "group"
	UpdatedAt  time.Time
}

// Store is the persistence surface the gateway needs: session routes and
// the activity ledger.
type Store interface {
	SaveRoute(ctx context.Context, r Route) error
	ReadRoute(ctx context.Context, sessionKey string) (*Route, error)
	RecordActivity(ctx context.Context, channel, accountID, direction, peer, messageID string) error
	LastActivity(ctx context.Context, channel, accountID, peer string) (time.Time, error)
}

// ChannelClient is the client surface the gateway drives. *xmpp.Client
// implements it; tests substitute fakes.
type ChannelClient interface {
	Start(ctx context.Context) error
	Stop() error
	Ready() bool
	SendMessage(ctx context.Context, to, body string, typ stanza.MessageType) (string, error)
	SendChatState(ctx context.Context, to string, state xmpp.ChatState) error
	SendReceipt(ctx context.Context, to, id string) error
	OnOnline(func())
	OnOffline(func(err error))
	OnError(func(err error))
	OnMessage(func(ev xmpp.MessageEvent))
	OnPresence(func(ev xmpp.PresenceEvent))
}

// ClientFactory builds clients; overridable in tests.
type ClientFactory func(cfg xmpp.Config) (ChannelClient, error)

func defaultClientFactory(cfg xmpp.Config) (ChannelClient, error) {
	return xmpp.New(cfg)
}

// Options configures a Runtime.
type Options struct {
	Config       *config.Config
	Logger       *zap.Logger
	Store        Store
	PairingStore pairing.Store
	Agent        agent.Runtime

	// IsRoom overrides the room JID heuristic.
	IsRoom jidutil.RoomMatcher
	// Commands overrides the command detector.
	Commands policy.CommandDetector
	// NewClient overrides client construction.
	NewClient ClientFactory
}

// Runtime is the explicit channel handle. Everything the components need
// is injected here; there is no process-wide singleton.
type Runtime struct {
	cfg       *config.Config
	log       *zap.Logger
	store     Store
	agent     agent.Runtime
	pairing   *pairing.Manager
	isRoom    jidutil.RoomMatcher
	commands  policy.CommandDetector
	newClient ClientFactory

	mu       sync.Mutex
	monitors map[string]*Monitor
}

// NewRuntime builds the runtime. Config, Store, PairingStore and Agent
// are required.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Store == nil || opts.PairingStore == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Agent == nil {
		return nil, fmt.Errorf("agent runtime is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	isRoom := opts.IsRoom
	if isRoom == nil {
		isRoom = jidutil.IsRoomJID
	}
	commands := opts.Commands
	if commands == nil {
		commands = policy.PrefixCommands{}
	}
	factory := opts.NewClient
	if factory == nil {
		factory = defaultClientFactory
	}

	rt := &Runtime{
		cfg:       opts.Config,
		log:       log,
		store:     opts.Store,
		agent:     opts.Agent,
		isRoom:    isRoom,
		commands:  commands,
		newClient: factory,
		monitors:  make(map[string]*Monitor),
	}
	rt.pairing = pairing.NewManager(Channel, opts.PairingStore, rt.sendPairingMessage, log.Named("pairing"))
	return rt, nil
}

// Pairing exposes the pairing manager for operator tooling.
func (rt *Runtime) Pairing() *pairing.Manager { return rt.pairing }

// sendPairingMessage delivers pairing instructions and approval notices
// through the account's live client when available.
func (rt *Runtime) sendPairingMessage(ctx context.Context, accountID, to, body string) error {
	return rt.SendText(ctx, accountID, to, body, SendOptions{})
}

// monitor returns the running monitor for an account, if any.
func (rt *Runtime) monitor(accountID string) *Monitor {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.monitors[accountID]
}

func (rt *Runtime) setMonitor(accountID string, m *Monitor) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if m == nil {
		delete(rt.monitors, accountID)
		return
	}
	rt.monitors[accountID] = m
}

// sessionKey identifies an agent conversation.
func sessionKey(accountID, target string) string {
	return Channel + ":" + accountID + ":" + target
}
