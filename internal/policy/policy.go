// Package policy implements the inbound decision pipeline: group access,
// room matching, allowlists, DM policy, command authorization and the
// mention gate. The engine is pure; stores and transports stay outside.
package policy

import (
	"regexp"
	"strings"

	"github.com/meszmate/xmppgate/internal/config"
	"github.com/meszmate/xmppgate/internal/jidutil"
)

// Action is the outcome of evaluating a message.
type Action int

const (
	// ActionAllow routes the message to the agent.
	ActionAllow Action = iota
	// ActionDrop discards the message silently.
	ActionDrop
	// ActionPair discards the message and issues a pairing challenge.
	ActionPair
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDrop:
		return "drop"
	case ActionPair:
		return "pair"
	default:
		return "unknown"
	}
}

// Structured drop/allow reasons, logged verbatim.
const (
	ReasonOpen                = "open"
	ReasonAllowlisted         = "allowlisted"
	ReasonGroupDisabled       = "group policy disabled"
	ReasonNoRooms             = "no rooms configured"
	ReasonNotAllowlisted      = "not allowlisted"
	ReasonRoomDisabled        = "room disabled"
	ReasonDMDisabled          = "dm policy disabled"
	ReasonPairingRequired     = "pairing required"
	ReasonMissingMention      = "missing-mention"
	ReasonUnauthorizedCommand = "unauthorized command"
)

// Message is the policy view of an inbound message.
type Message struct {
	SenderJID      string // full occupant or user JID
	SenderBareJID  string
	SenderNickname string // set for group messages
	Target         string // room JID for groups, sender bare JID otherwise
	Body           string
	IsGroup        bool
}

// Verdict is the evaluation result. Room and Wildcard carry the matched
// room configuration for downstream use (skills, system prompt, tools).
type Verdict struct {
	Action            Action
	Reason            string
	Room              *config.RoomConfig
	Wildcard          *config.RoomConfig
	WasMentioned      bool
	Command           string // detected command verb, if any
	CommandAuthorized bool
}

// CommandDetector recognizes control commands in message bodies.
type CommandDetector interface {
	// Detect returns the command verb and remainder when the body starts
	// with a recognized command.
	Detect(body string) (command, rest string, ok bool)
	// AllowTextCommands reports whether the channel accepts text commands
	// at all.
	AllowTextCommands() bool
}

// PrefixCommands is the default detector: a single-rune prefix, "/" unless
// configured otherwise.
type PrefixCommands struct {
	Prefix   string
	Disabled bool
}

func (p PrefixCommands) Detect(body string) (string, string, bool) {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "/"
	}
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, prefix) || len(trimmed) == len(prefix) {
		return "", "", false
	}
	rest := trimmed[len(prefix):]
	parts := strings.SplitN(rest, " ", 2)
	cmd := parts[0]
	if cmd == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		return cmd, strings.TrimSpace(parts[1]), true
	}
	return cmd, "", true
}

func (p PrefixCommands) AllowTextCommands() bool { return !p.Disabled }

// Engine evaluates messages for one account.
type Engine struct {
	cfg      config.AccountConfig
	isRoom   jidutil.RoomMatcher
	commands CommandDetector
	mention  *mentionMatcher
}

// NewEngine builds an engine for the merged account config. localpart is
// the account's JID localpart, matched as an implicit mention. isRoom and
// commands may be nil for the defaults.
func NewEngine(cfg config.AccountConfig, localpart string, isRoom jidutil.RoomMatcher, commands CommandDetector) *Engine {
	if isRoom == nil {
		isRoom = jidutil.IsRoomJID
	}
	if commands == nil {
		commands = PrefixCommands{}
	}
	return &Engine{
		cfg:      cfg,
		isRoom:   isRoom,
		commands: commands,
		mention:  newMentionMatcher(cfg.MentionPatterns, localpart),
	}
}

// Evaluate runs the decision pipeline in fixed order. storeAllow is the
// pairing store's approved list for the channel; it extends both the DM
// and the group allowlists.
func (e *Engine) Evaluate(msg Message, storeAllow []string) Verdict {
	if msg.IsGroup {
		return e.evaluateGroup(msg, storeAllow)
	}
	return e.evaluateDM(msg, storeAllow)
}

func (e *Engine) evaluateGroup(msg Message, storeAllow []string) Verdict {
	v := Verdict{}

	groupPolicy := e.cfg.GroupPolicy
	if groupPolicy == "" {
		groupPolicy = config.GroupPolicyAllowlist
	}

	switch groupPolicy {
	case config.GroupPolicyDisabled:
		return Verdict{Action: ActionDrop, Reason: ReasonGroupDisabled}
	case config.GroupPolicyAllowlist:
		if len(e.cfg.Rooms) == 0 {
			return Verdict{Action: ActionDrop, Reason: ReasonNoRooms}
		}
	}

	v.Room, v.Wildcard = MatchRoom(e.cfg.Rooms, msg.Target)
	if groupPolicy == config.GroupPolicyAllowlist && v.Room == nil && v.Wildcard == nil {
		return Verdict{Action: ActionDrop, Reason: ReasonNotAllowlisted}
	}
	if (v.Room != nil && v.Room.Enabled != nil && !*v.Room.Enabled) ||
		(v.Room == nil && v.Wildcard != nil && v.Wildcard.Enabled != nil && !*v.Wildcard.Enabled) {
		return Verdict{Action: ActionDrop, Reason: ReasonRoomDisabled}
	}
	if groupPolicy == config.GroupPolicyOpen {
		v.Reason = ReasonOpen
	} else {
		v.Reason = ReasonAllowlisted
	}

	senderAllowed := e.groupSenderAllowed(msg, v.Room, storeAllow, groupPolicy)

	// Control-command gate: in groups, unauthorized commands never reach
	// the agent.
	cmd, _, hasCmd := e.commands.Detect(msg.Body)
	cmdAllowed := hasCmd && e.commands.AllowTextCommands()
	if cmdAllowed {
		v.Command = cmd
		v.CommandAuthorized = senderAllowed
		if !senderAllowed {
			return Verdict{Action: ActionDrop, Reason: ReasonUnauthorizedCommand, Room: v.Room, Wildcard: v.Wildcard, Command: cmd}
		}
	}

	// Mention gate.
	requireMention := true
	if v.Room != nil && v.Room.RequireMention != nil {
		requireMention = *v.Room.RequireMention
	} else if v.Wildcard != nil && v.Wildcard.RequireMention != nil {
		requireMention = *v.Wildcard.RequireMention
	}
	v.WasMentioned = e.mention.match(msg.Body)

	switch {
	case !requireMention:
	case v.WasMentioned:
	case cmdAllowed && v.CommandAuthorized:
	default:
		return Verdict{Action: ActionDrop, Reason: ReasonMissingMention, Room: v.Room, Wildcard: v.Wildcard, WasMentioned: false}
	}

	v.Action = ActionAllow
	return v
}

func (e *Engine) evaluateDM(msg Message, storeAllow []string) Verdict {
	dmPolicy := e.cfg.DMPolicy
	if dmPolicy == "" {
		dmPolicy = config.DMPolicyPairing
	}

	var v Verdict
	switch dmPolicy {
	case config.DMPolicyDisabled:
		return Verdict{Action: ActionDrop, Reason: ReasonDMDisabled}
	case config.DMPolicyOpen:
		v = Verdict{Action: ActionAllow, Reason: ReasonOpen}
	default:
		entries := append(append([]string{}, e.cfg.AllowFrom...), storeAllow...)
		if MatchAllowlist(candidates(msg), entries) {
			v = Verdict{Action: ActionAllow, Reason: ReasonAllowlisted}
		} else if dmPolicy == config.DMPolicyPairing {
			return Verdict{Action: ActionPair, Reason: ReasonPairingRequired}
		} else {
			return Verdict{Action: ActionDrop, Reason: ReasonNotAllowlisted}
		}
	}

	if cmd, _, ok := e.commands.Detect(msg.Body); ok && e.commands.AllowTextCommands() {
		v.Command = cmd
		entries := append(append([]string{}, e.cfg.AllowFrom...), storeAllow...)
		v.CommandAuthorized = MatchAllowlist(candidates(msg), entries)
	}
	return v
}

// groupSenderAllowed resolves the sender against the room allowlist, the
// effective group allowlist, or the open-policy default, in that order.
func (e *Engine) groupSenderAllowed(msg Message, room *config.RoomConfig, storeAllow []string, groupPolicy string) bool {
	if room != nil && len(room.AllowFrom) > 0 {
		return MatchAllowlist(candidates(msg), room.AllowFrom)
	}
	entries := append(append([]string{}, e.cfg.GroupAllowFrom...), storeAllow...)
	if len(entries) > 0 {
		return MatchAllowlist(candidates(msg), entries)
	}
	return groupPolicy == config.GroupPolicyOpen
}

// MatchRoom finds the room configuration for a room JID: exact key first,
// then case-insensitive equality, then the "*" wildcard.
func MatchRoom(rooms map[string]config.RoomConfig, roomJID string) (room, wildcard *config.RoomConfig) {
	if w, ok := rooms["*"]; ok {
		wc := w
		wildcard = &wc
	}
	if r, ok := rooms[roomJID]; ok {
		rc := r
		return &rc, wildcard
	}
	lower := strings.ToLower(roomJID)
	for key, r := range rooms {
		if key != "*" && strings.ToLower(key) == lower {
			rc := r
			return &rc, wildcard
		}
	}
	return nil, wildcard
}

// MatchAllowlist reports whether any candidate matches any entry. Entries
// are normalized to lowercase bare JIDs; "*" matches everything.
func MatchAllowlist(cands, entries []string) bool {
	for _, raw := range entries {
		entry := jidutil.NormalizeAllowEntry(raw)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		for _, c := range cands {
			if c == entry {
				return true
			}
		}
	}
	return false
}

func candidates(msg Message) []string {
	out := make([]string, 0, 3)
	if msg.SenderBareJID != "" {
		out = append(out, strings.ToLower(msg.SenderBareJID))
	}
	if msg.SenderJID != "" {
		out = append(out, strings.ToLower(msg.SenderJID))
	}
	if msg.SenderNickname != "" {
		out = append(out, strings.ToLower(msg.SenderNickname))
	}
	return out
}

// mentionMatcher compiles the configured mention patterns plus the
// implicit localpart-as-word pattern.
type mentionMatcher struct {
	patterns []*regexp.Regexp
}

func newMentionMatcher(patterns []string, localpart string) *mentionMatcher {
	m := &mentionMatcher{}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		m.patterns = append(m.patterns, re)
	}
	if localpart != "" {
		re, err := regexp.Compile(`(?i)(^|\s|@)` + regexp.QuoteMeta(localpart) + `([:,]|\b)`)
		if err == nil {
			m.patterns = append(m.patterns, re)
		}
	}
	return m
}

func (m *mentionMatcher) match(body string) bool {
	for _, re := range m.patterns {
		if re.MatchString(body) {
			return true
		}
	}
	return false
}
