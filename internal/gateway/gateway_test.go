package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/xmppgate/internal/account"
	"github.com/meszmate/xmppgate/internal/agent"
	"github.com/meszmate/xmppgate/internal/config"
	"github.com/meszmate/xmppgate/internal/pairing"
	"github.com/meszmate/xmppgate/internal/xmpp"
)

type sentStanza struct {
	to   string
	body string
	typ  stanza.MessageType
}

type fakeClient struct {
	mu       sync.Mutex
	ready    bool
	sent     []sentStanza
	receipts []string
	states   []xmpp.ChatState

	onMessage func(xmpp.MessageEvent)
}

func (f *fakeClient) Start(ctx context.Context) error { f.ready = true; return nil }
func (f *fakeClient) Stop() error                     { f.ready = false; return nil }
func (f *fakeClient) Ready() bool                     { return f.ready }

func (f *fakeClient) SendMessage(ctx context.Context, to, body string, typ stanza.MessageType) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentStanza{to: to, body: body, typ: typ})
	return "out-1", nil
}

func (f *fakeClient) SendChatState(ctx context.Context, to string, state xmpp.ChatState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

func (f *fakeClient) SendReceipt(ctx context.Context, to, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, id)
	return nil
}

func (f *fakeClient) OnOnline(func())                      {}
func (f *fakeClient) OnOffline(func(error))                {}
func (f *fakeClient) OnError(func(error))                  {}
func (f *fakeClient) OnMessage(h func(xmpp.MessageEvent))  { f.onMessage = h }
func (f *fakeClient) OnPresence(func(xmpp.PresenceEvent))  {}

func (f *fakeClient) messages() []sentStanza {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentStanza{}, f.sent...)
}

type activityRow struct{ direction, peer string }

type fakeStore struct {
	mu       sync.Mutex
	routes   map[string]Route
	activity []activityRow
	last     time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{routes: make(map[string]Route)}
}

func (s *fakeStore) SaveRoute(ctx context.Context, r Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[r.SessionKey] = r
	return nil
}

func (s *fakeStore) ReadRoute(ctx context.Context, key string) (*Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.routes[key]; ok {
		return &r, nil
	}
	return nil, nil
}

func (s *fakeStore) RecordActivity(ctx context.Context, channel, accountID, direction, peer, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, activityRow{direction: direction, peer: peer})
	return nil
}

func (s *fakeStore) LastActivity(ctx context.Context, channel, accountID, peer string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *fakeStore) setLast(t time.Time) {
	s.mu.Lock()
	s.last = t
	s.mu.Unlock()
}

type fakePairStore struct {
	mu      sync.Mutex
	pending map[string]pairing.Request
	allowed []string
	upserts int
}

func newFakePairStore() *fakePairStore {
	return &fakePairStore{pending: make(map[string]pairing.Request)}
}

func (s *fakePairStore) ReadAllowFrom(ctx context.Context, channel, accountID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.allowed...), nil
}

func (s *fakePairStore) UpsertRequest(ctx context.Context, req pairing.Request) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if existing, ok := s.pending[req.Sender]; ok {
		return existing.Code, false, nil
	}
	s.pending[req.Sender] = req
	return req.Code, true, nil
}

func (s *fakePairStore) ApproveCode(ctx context.Context, channel, code string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sender, req := range s.pending {
		if req.Code == code {
			delete(s.pending, sender)
			s.allowed = append(s.allowed, sender)
			return sender, req.AccountID, nil
		}
	}
	return "", "", errors.New("unknown code")
}

type harness struct {
	rt       *Runtime
	monitor  *Monitor
	client   *fakeClient
	store    *fakeStore
	pairs    *fakePairStore
	dispatch *int
}

func newHarness(t *testing.T, mutate func(*config.Config), runtime agent.Runtime) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Channels.XMPP.JID = "agent@localhost"
	cfg.Channels.XMPP.Password = "p"
	if mutate != nil {
		mutate(cfg)
	}

	client := &fakeClient{ready: true}
	store := newFakeStore()
	pairs := newFakePairStore()
	dispatches := 0
	if runtime == nil {
		runtime = agent.RuntimeFunc(func(ctx context.Context, req agent.Request, deliver func(agent.Reply) error) error {
			dispatches++
			return deliver(agent.Reply{Text: "re: " + req.Body, Final: true})
		})
	}

	rt, err := NewRuntime(Options{
		Config:       cfg,
		Store:        store,
		PairingStore: pairs,
		Agent:        runtime,
		NewClient: func(xmpp.Config) (ChannelClient, error) {
			return client, nil
		},
	})
	if err != nil {
		t.Fatalf("failed to build runtime: %v", err)
	}

	acct, err := account.Require(cfg, "default")
	if err != nil {
		t.Fatalf("failed to resolve account: %v", err)
	}
	m, err := NewMonitor(rt, acct)
	if err != nil {
		t.Fatalf("failed to build monitor: %v", err)
	}
	rt.setMonitor(acct.ID, m)

	return &harness{rt: rt, monitor: m, client: client, store: store, pairs: pairs, dispatch: &dispatches}
}

func dm(from, body string) InboundMessage {
	bare := strings.SplitN(from, "/", 2)[0]
	return InboundMessage{
		MessageID:     "in-1",
		Target:        bare,
		SenderJID:     from,
		SenderBareJID: bare,
		Text:          body,
		Timestamp:     time.Now(),
		StanzaID:      "in-1",
	}
}

func groupMsg(room, nick, body string) InboundMessage {
	return InboundMessage{
		MessageID:      "in-1",
		Target:         room,
		SenderJID:      room + "/" + nick,
		SenderBareJID:  room,
		SenderNickname: nick,
		Text:           body,
		Timestamp:      time.Now(),
		IsGroup:        true,
		StanzaID:       "in-1",
	}
}

func TestOpenDMRoundTrip(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Channels.XMPP.DMPolicy = config.DMPolicyOpen
		cfg.Channels.XMPP.AllowFrom = []string{"*"}
	}, nil)

	h.rt.handleInbound(context.Background(), h.monitor, dm("u@localhost/phone", "hi"))

	sent := h.client.messages()
	if len(sent) != 1 {
		t.Fatalf("expected one outbound message, got %d", len(sent))
	}
	if sent[0].to != "u@localhost" || sent[0].typ != stanza.ChatMessage {
		t.Fatalf("unexpected outbound: %+v", sent[0])
	}
	if sent[0].body != "re: hi" {
		t.Fatalf("unexpected reply body: %q", sent[0].body)
	}

	var in, out int
	for _, a := range h.store.activity {
		switch a.direction {
		case "inbound":
			in++
		case "outbound":
			out++
		}
	}
	if in != 1 || out != 1 {
		t.Fatalf("expected one inbound and one outbound record, got %d/%d", in, out)
	}
	if len(h.client.receipts) != 1 || h.client.receipts[0] != "in-1" {
		t.Fatalf("expected delivery receipt, got %v", h.client.receipts)
	}
}

func TestOpenGroupRoundTrip(t *testing.T) {
	no := false
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Channels.XMPP.DMPolicy = config.DMPolicyOpen
		cfg.Channels.XMPP.AllowFrom = []string{"*"}
		cfg.Channels.XMPP.GroupPolicy = config.GroupPolicyOpen
		cfg.Channels.XMPP.AutoJoinRooms = []string{"r@conference.localhost"}
		cfg.Channels.XMPP.Rooms = map[string]config.RoomConfig{
			"*": {RequireMention: &no},
		}
	}, nil)

	h.rt.handleInbound(context.Background(), h.monitor,
		groupMsg("r@conference.localhost", "u", "hello room"))

	sent := h.client.messages()
	if len(sent) != 1 {
		t.Fatalf("expected one outbound message, got %d", len(sent))
	}
	if sent[0].to != "r@conference.localhost" || sent[0].typ != stanza.GroupChatMessage {
		t.Fatalf("reply must be groupchat to the room: %+v", sent[0])
	}
	if len(h.client.receipts) != 0 {
		t.Fatalf("no receipts in rooms, got %v", h.client.receipts)
	}
}

func TestPairingChallengeOncePerSender(t *testing.T) {
	h := newHarness(t, nil, nil) // default dm_policy is pairing

	h.rt.handleInbound(context.Background(), h.monitor, dm("bob@ex/app", "hello"))

	if *h.dispatch != 0 {
		t.Fatalf("pairing must not dispatch to the agent")
	}
	sent := h.client.messages()
	if len(sent) != 1 || sent[0].to != "bob@ex" {
		t.Fatalf("expected one pairing instruction to bob@ex, got %+v", sent)
	}
	if !strings.Contains(sent[0].body, h.pairs.pending["bob@ex"].Code) {
		t.Fatalf("instruction must contain the code: %q", sent[0].body)
	}

	// Second DM: idempotent, silent.
	h.rt.handleInbound(context.Background(), h.monitor, dm("bob@ex/app", "hello again"))
	if got := h.client.messages(); len(got) != 1 {
		t.Fatalf("expected no second pairing reply, got %d messages", len(got))
	}
	if *h.dispatch != 0 {
		t.Fatalf("still no dispatch before approval")
	}
	if h.pairs.upserts != 2 {
		t.Fatalf("both DMs must hit the store, got %d upserts", h.pairs.upserts)
	}

	// After approval the sender is routed.
	code := ""
	h.pairs.mu.Lock()
	code = h.pairs.pending["bob@ex"].Code
	h.pairs.mu.Unlock()
	if _, err := h.rt.Pairing().Approve(context.Background(), code); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.rt.handleInbound(context.Background(), h.monitor, dm("bob@ex/app", "now?"))
	if *h.dispatch != 1 {
		t.Fatalf("approved sender must dispatch, got %d", *h.dispatch)
	}
}

func TestAllowlistGroupNoRoomsDropsAll(t *testing.T) {
	h := newHarness(t, nil, nil) // default group_policy allowlist, no rooms

	h.rt.handleInbound(context.Background(), h.monitor,
		groupMsg("r@conference.localhost", "u", "hello"))

	if len(h.client.messages()) != 0 || *h.dispatch != 0 {
		t.Fatalf("group message must be dropped with no rooms configured")
	}
	if len(h.store.activity) != 0 {
		t.Fatalf("dropped messages must not record activity: %v", h.store.activity)
	}
}

func TestMentionGateEndToEnd(t *testing.T) {
	yes := true
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Channels.XMPP.GroupAllowFrom = []string{"admin@localhost"}
		cfg.Channels.XMPP.Rooms = map[string]config.RoomConfig{
			"r@conference.localhost": {RequireMention: &yes},
		}
	}, nil)

	// No mention: dropped.
	h.rt.handleInbound(context.Background(), h.monitor,
		groupMsg("r@conference.localhost", "u", "hello"))
	if *h.dispatch != 0 {
		t.Fatalf("unmentioned message must not dispatch")
	}

	// Localpart mention from the admin: dispatched.
	msg := groupMsg("r@conference.localhost", "admin", "agent: help")
	msg.SenderBareJID = "admin@localhost"
	msg.SenderJID = "r@conference.localhost/admin"
	h.rt.handleInbound(context.Background(), h.monitor, msg)
	if *h.dispatch != 1 {
		t.Fatalf("mentioned message must dispatch, got %d", *h.dispatch)
	}
}

func TestAgentRequestCarriesPreviousActivity(t *testing.T) {
	var reqs []agent.Request
	rec := agent.RuntimeFunc(func(ctx context.Context, req agent.Request, deliver func(agent.Reply) error) error {
		reqs = append(reqs, req)
		return deliver(agent.Reply{Text: "ok", Final: true})
	})
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Channels.XMPP.DMPolicy = config.DMPolicyOpen
		cfg.Channels.XMPP.AllowFrom = []string{"*"}
	}, rec)

	h.rt.handleInbound(context.Background(), h.monitor, dm("u@localhost/phone", "hi"))
	if len(reqs) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(reqs))
	}
	if !reqs[0].PreviousTimestamp.IsZero() {
		t.Fatalf("first contact must carry a zero previous timestamp, got %v", reqs[0].PreviousTimestamp)
	}

	seen := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)
	h.store.setLast(seen)
	h.rt.handleInbound(context.Background(), h.monitor, dm("u@localhost/phone", "again"))
	if len(reqs) != 2 {
		t.Fatalf("expected two dispatches, got %d", len(reqs))
	}
	if !reqs[1].PreviousTimestamp.Equal(seen) {
		t.Fatalf("previous timestamp must come from the activity ledger: got %v, want %v",
			reqs[1].PreviousTimestamp, seen)
	}
}

func TestRoomSubjectReachesAgent(t *testing.T) {
	no := false
	var reqs []agent.Request
	rec := agent.RuntimeFunc(func(ctx context.Context, req agent.Request, deliver func(agent.Reply) error) error {
		reqs = append(reqs, req)
		return deliver(agent.Reply{Text: "ok", Final: true})
	})
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Channels.XMPP.GroupPolicy = config.GroupPolicyOpen
		cfg.Channels.XMPP.Rooms = map[string]config.RoomConfig{
			"*": {RequireMention: &no},
		}
	}, rec)

	// Before any announcement the subject is unknown.
	h.rt.handleInbound(context.Background(), h.monitor,
		groupMsg("r@conference.localhost", "u", "hello"))
	if len(reqs) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(reqs))
	}
	if reqs[0].GroupSubject != "" {
		t.Fatalf("subject must be empty before the room announces one, got %q", reqs[0].GroupSubject)
	}

	// Bodyless groupchat with a subject child is the announcement.
	h.monitor.handleMessage(xmpp.MessageEvent{
		From:    jid.MustParse("r@conference.localhost"),
		Type:    stanza.GroupChatMessage,
		Subject: "Friday planning",
	})

	h.rt.handleInbound(context.Background(), h.monitor,
		groupMsg("r@conference.localhost", "u", "what's on?"))
	if len(reqs) != 2 {
		t.Fatalf("expected two dispatches, got %d", len(reqs))
	}
	if reqs[1].GroupSubject != "Friday planning" {
		t.Fatalf("subject must carry the room announcement, got %q", reqs[1].GroupSubject)
	}
}

func TestSendTextChoosesMessageType(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Channels.XMPP.DMPolicy = config.DMPolicyOpen
		cfg.Channels.XMPP.AllowFrom = []string{"*"}
	}, nil)
	ctx := context.Background()

	if err := h.rt.SendText(ctx, "default", "room@conference.ex", "x", SendOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.rt.SendText(ctx, "default", "xmpp:Alice@Ex", "x", SendOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := h.client.messages()
	if len(sent) != 2 {
		t.Fatalf("expected two sends, got %d", len(sent))
	}
	if sent[0].typ != stanza.GroupChatMessage {
		t.Fatalf("room target must be groupchat: %+v", sent[0])
	}
	if sent[1].typ != stanza.ChatMessage || sent[1].to != "alice@ex" {
		t.Fatalf("user target must be chat to normalized jid: %+v", sent[1])
	}
}

func TestSendTextRejectsInvalidTarget(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.rt.SendText(context.Background(), "default", "not a jid", "x", SendOptions{}); err == nil {
		t.Fatalf("expected invalid target error")
	}
}

func TestSendTextReplyMarker(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.rt.SendText(context.Background(), "default", "u@localhost", "answer", SendOptions{ReplyTo: "orig-7"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := h.client.messages()
	if len(sent) != 1 || !strings.HasSuffix(sent[0].body, "\n\n[reply:orig-7]") {
		t.Fatalf("expected reply marker suffix: %+v", sent)
	}
}

func TestNormalizeDropsSelfMessages(t *testing.T) {
	h := newHarness(t, nil, nil)

	// Own DM echo.
	ev := xmpp.MessageEvent{
		ID:   "m1",
		From: jid.MustParse("agent@localhost/xmppgate"),
		To:   jid.MustParse("u@localhost"),
		Type: stanza.ChatMessage,
		Body: "echo",
	}
	if _, ok := h.monitor.normalize(ev); ok {
		t.Fatalf("own DM must be dropped")
	}

	// Own room reflection (nickname is the account localpart).
	ev = xmpp.MessageEvent{
		ID:   "m2",
		From: jid.MustParse("r@conference.localhost/agent"),
		Type: stanza.GroupChatMessage,
		Body: "echo",
	}
	if _, ok := h.monitor.normalize(ev); ok {
		t.Fatalf("own room message must be dropped")
	}
}

func TestNormalizeGroupInvariants(t *testing.T) {
	h := newHarness(t, nil, nil)

	ev := xmpp.MessageEvent{
		ID:   "m1",
		From: jid.MustParse("r@conference.localhost/Umberto"),
		Type: stanza.GroupChatMessage,
		Body: "hi",
	}
	msg, ok := h.monitor.normalize(ev)
	if !ok {
		t.Fatalf("expected message to pass")
	}
	if !msg.IsGroup || msg.Target != "r@conference.localhost" {
		t.Fatalf("group target must be the room: %+v", msg)
	}
	if msg.SenderNickname != "Umberto" {
		t.Fatalf("nickname must come from the occupant resource: %+v", msg)
	}
	if msg.SenderJID != msg.Target+"/"+msg.SenderNickname {
		t.Fatalf("occupant jid invariant violated: %+v", msg)
	}

	// Bare room JID (no occupant): dropped.
	ev.From = jid.MustParse("r@conference.localhost")
	if _, ok := h.monitor.normalize(ev); ok {
		t.Fatalf("room message without nick must be dropped")
	}
}

func TestNormalizeDirectInvariants(t *testing.T) {
	h := newHarness(t, nil, nil)

	ev := xmpp.MessageEvent{
		ID:   "m1",
		From: jid.MustParse("U@Localhost/phone"),
		Type: stanza.ChatMessage,
		Body: "hi",
	}
	msg, ok := h.monitor.normalize(ev)
	if !ok {
		t.Fatalf("expected message to pass")
	}
	if msg.IsGroup || msg.Target != msg.SenderBareJID || msg.Target != "u@localhost" {
		t.Fatalf("direct target must be the sender bare jid: %+v", msg)
	}
	if msg.SenderResource != "phone" {
		t.Fatalf("resource must be preserved: %+v", msg)
	}
}
