// Package pairing manages DM pairing challenges: unknown senders receive
// a short code, an operator approves the code out of band, and the sender
// lands on the channel allowlist.
package pairing

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meszmate/xmppgate/internal/jidutil"
)

// CodeLength is the length of generated pairing codes.
const CodeLength = 8

// codeAlphabet avoids ambiguous characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// DefaultTTL is how long a pending request stays valid.
const DefaultTTL = 24 * time.Hour

// Request is a pending pairing request.
type Request struct {
	Channel   string
	AccountID string
	Sender    string // normalized bare JID
	Code      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store persists pairing state. UpsertRequest returns the effective code
// and whether a new request was created; repeated challenges for the same
// sender reuse the pending code.
type Store interface {
	ReadAllowFrom(ctx context.Context, channel, accountID string) ([]string, error)
	UpsertRequest(ctx context.Context, req Request) (code string, created bool, err error)
	ApproveCode(ctx context.Context, channel, code string) (sender string, accountID string, err error)
}

// Sender delivers pairing messages back over the channel.
type Sender func(ctx context.Context, accountID, to, body string) error

// Manager issues challenges and handles approvals for one channel.
type Manager struct {
	channel string
	store   Store
	send    Sender
	log     *zap.Logger
	ttl     time.Duration

	// BuildReply formats the challenge message. Overridable for hosts
	// that want custom wording.
	BuildReply func(code string) string
}

// NewManager builds a pairing manager. log may be nil.
func NewManager(channel string, store Store, send Sender, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		channel:    channel,
		store:      store,
		send:       send,
		log:        log,
		ttl:        DefaultTTL,
		BuildReply: defaultReply,
	}
}

func defaultReply(code string) string {
	return fmt.Sprintf("Pairing required. Ask the operator to approve code %s. Messages are ignored until then.", code)
}

// Challenge records a pairing request for the sender and sends the
// instruction message once per pending code. Re-challenging an already
// pending sender is a no-op on the wire.
func (m *Manager) Challenge(ctx context.Context, accountID, senderJID string) error {
	bare, ok := jidutil.Normalize(senderJID)
	if !ok {
		return fmt.Errorf("invalid sender jid: %q", senderJID)
	}

	now := time.Now()
	req := Request{
		Channel:   m.channel,
		AccountID: accountID,
		Sender:    bare,
		Code:      NewCode(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	code, created, err := m.store.UpsertRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to record pairing request: %w", err)
	}
	if !created {
		m.log.Debug("pairing request already pending",
			zap.String("sender", bare),
			zap.String("account", accountID))
		return nil
	}

	m.log.Info("pairing challenge issued",
		zap.String("sender", bare),
		zap.String("account", accountID),
		zap.String("code", code))

	if m.send == nil {
		return nil
	}
	if err := m.send(ctx, accountID, bare, m.BuildReply(code)); err != nil {
		return fmt.Errorf("failed to send pairing instructions: %w", err)
	}
	return nil
}

// Approve marks the code approved, adding its sender to the allowlist,
// and notifies the sender that pairing completed.
func (m *Manager) Approve(ctx context.Context, code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", fmt.Errorf("empty pairing code")
	}

	sender, accountID, err := m.store.ApproveCode(ctx, m.channel, code)
	if err != nil {
		return "", fmt.Errorf("failed to approve pairing code: %w", err)
	}

	m.log.Info("pairing approved",
		zap.String("sender", sender),
		zap.String("account", accountID))

	if m.send != nil {
		if err := m.send(ctx, accountID, sender, "Pairing approved. You can chat now."); err != nil {
			m.log.Warn("failed to notify paired sender", zap.Error(err))
		}
	}
	return sender, nil
}

// Allowed returns the approved senders for the account.
func (m *Manager) Allowed(ctx context.Context, accountID string) []string {
	if m.store == nil {
		return nil
	}
	allow, err := m.store.ReadAllowFrom(ctx, m.channel, accountID)
	if err != nil {
		m.log.Warn("failed to read pairing allowlist", zap.Error(err))
		return nil
	}
	return allow
}

// NewCode returns a random pairing code from the unambiguous alphabet.
func NewCode() string {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken; a timestamp-derived code keeps pairing usable.
		ts := time.Now().UnixNano()
		for i := range buf {
			buf[i] = byte(ts >> (i * 8))
		}
	}
	out := make([]byte, CodeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out)
}
