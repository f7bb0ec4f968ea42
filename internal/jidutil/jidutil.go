// Package jidutil provides JID parsing and normalization helpers shared by
// the policy engine, the outbound sender and the account resolver.
package jidutil

import (
	"strings"

	"mellium.im/xmpp/jid"
)

// RoomMatcher reports whether a bare JID addresses a MUC room. The default
// is a heuristic on the domain part; deployments with unusual MUC component
// names can swap in their own.
type RoomMatcher func(addr string) bool

// Target prefixes accepted in configuration and outbound addresses.
var targetPrefixes = []string{"xmpp:", "user:", "room:"}

// StripPrefix removes one leading target prefix, if present.
func StripPrefix(s string) string {
	for _, p := range targetPrefixes {
		if strings.HasPrefix(s, p) {
			return s[len(p):]
		}
	}
	return s
}

// Normalize parses a JID-like string and returns its bare form, lowercased.
// It accepts the optional xmpp:/user:/room: prefixes. The second return is
// false when the input is not a user@domain address.
func Normalize(raw string) (string, bool) {
	s := StripPrefix(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	j, err := jid.Parse(s)
	if err != nil {
		return "", false
	}
	if j.Localpart() == "" {
		return "", false
	}
	return strings.ToLower(j.Bare().String()), true
}

// NormalizeFull is Normalize but keeps the resource part intact.
func NormalizeFull(raw string) (string, bool) {
	s := StripPrefix(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	j, err := jid.Parse(s)
	if err != nil || j.Localpart() == "" {
		return "", false
	}
	bare := strings.ToLower(j.Bare().String())
	if res := j.Resourcepart(); res != "" {
		return bare + "/" + res, true
	}
	return bare, true
}

// NormalizeAllowEntry normalizes a single allowlist entry. "*" passes
// through, JIDs are reduced to lowercase bare form, and anything else
// (nicknames and the like) is kept lowercased so it can still match a
// sender nickname candidate.
func NormalizeAllowEntry(raw string) string {
	s := StripPrefix(strings.TrimSpace(raw))
	if s == "" || s == "*" {
		return s
	}
	if bare, ok := Normalize(s); ok {
		return bare
	}
	return strings.ToLower(s)
}

// IsRoomJID is the default RoomMatcher: the domain contains "conference"
// or "muc".
func IsRoomJID(addr string) bool {
	s := StripPrefix(strings.TrimSpace(addr))
	j, err := jid.Parse(s)
	if err != nil {
		return false
	}
	domain := strings.ToLower(j.Domainpart())
	return strings.Contains(domain, "conference") || strings.Contains(domain, "muc")
}

// Bare returns the bare form of a JID string without lowercasing, or the
// input unchanged when it does not parse.
func Bare(raw string) string {
	j, err := jid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	return j.Bare().String()
}

// Localpart returns the local part of a JID string, or "" when it does not
// parse.
func Localpart(raw string) string {
	j, err := jid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return j.Localpart()
}

// Resourcepart returns the resource of a full JID, or "".
func Resourcepart(raw string) string {
	j, err := jid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return j.Resourcepart()
}

// Domainpart returns the domain of a JID, or "".
func Domainpart(raw string) string {
	j, err := jid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return j.Domainpart()
}
