// Package sqlite is the default persistence layer: pairing requests and
// approvals, session routes, and per-message activity records.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meszmate/xmppgate/internal/gateway"
	"github.com/meszmate/xmppgate/internal/pairing"
)

type DB struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies migrations.
func New(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pairing_requests (
			channel TEXT NOT NULL,
			account TEXT NOT NULL,
			sender TEXT NOT NULL,
			code TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (channel, sender)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pairing_code ON pairing_requests(channel, code)`,

		`CREATE TABLE IF NOT EXISTS pairing_allowed (
			channel TEXT NOT NULL,
			account TEXT NOT NULL,
			sender TEXT NOT NULL,
			approved_at INTEGER NOT NULL,
			PRIMARY KEY (channel, account, sender)
		)`,

		`CREATE TABLE IF NOT EXISTS session_routes (
			session_key TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			account TEXT NOT NULL,
			target TEXT NOT NULL,
			chat_type TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS activity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			account TEXT NOT NULL,
			direction TEXT NOT NULL,
			peer TEXT NOT NULL,
			message_id TEXT,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_peer ON activity(channel, account, peer)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// ReadAllowFrom returns the approved senders for the channel account.
func (d *DB) ReadAllowFrom(ctx context.Context, channel, accountID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT sender FROM pairing_allowed WHERE channel = ? AND account = ? ORDER BY sender`,
		channel, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowlist: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertRequest records a pairing request. A pending unexpired request for
// the same sender wins; its code is returned with created=false.
func (d *DB) UpsertRequest(ctx context.Context, req pairing.Request) (string, bool, error) {
	now := time.Now().Unix()

	// Drop expired requests first so the sender can re-pair.
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE channel = ? AND sender = ? AND expires_at < ?`,
		req.Channel, req.Sender, now); err != nil {
		return "", false, fmt.Errorf("failed to expire pairing requests: %w", err)
	}

	res, err := d.db.ExecContext(ctx,
		`INSERT INTO pairing_requests (channel, account, sender, code, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, sender) DO NOTHING`,
		req.Channel, req.AccountID, req.Sender, req.Code,
		req.CreatedAt.Unix(), req.ExpiresAt.Unix())
	if err != nil {
		return "", false, fmt.Errorf("failed to record pairing request: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n > 0 {
		return req.Code, true, nil
	}

	var code string
	err = d.db.QueryRowContext(ctx,
		`SELECT code FROM pairing_requests WHERE channel = ? AND sender = ?`,
		req.Channel, req.Sender).Scan(&code)
	if err != nil {
		return "", false, fmt.Errorf("failed to read pending pairing code: %w", err)
	}
	return code, false, nil
}

// ApproveCode consumes a pending code and moves its sender onto the
// allowlist.
func (d *DB) ApproveCode(ctx context.Context, channel, code string) (string, string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	now := time.Now().Unix()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", err
	}
	defer tx.Rollback()

	var sender, account string
	err = tx.QueryRowContext(ctx,
		`SELECT sender, account FROM pairing_requests
		 WHERE channel = ? AND code = ? AND expires_at >= ?`,
		channel, code, now).Scan(&sender, &account)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("unknown or expired pairing code")
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to look up pairing code: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pairing_allowed (channel, account, sender, approved_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel, account, sender) DO NOTHING`,
		channel, account, sender, now); err != nil {
		return "", "", fmt.Errorf("failed to record approval: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE channel = ? AND code = ?`,
		channel, code); err != nil {
		return "", "", fmt.Errorf("failed to clear pairing request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", "", err
	}
	return sender, account, nil
}

// PendingRequests lists unexpired pairing requests for operator review.
func (d *DB) PendingRequests(ctx context.Context, channel string) ([]pairing.Request, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT channel, account, sender, code, created_at, expires_at
		 FROM pairing_requests WHERE channel = ? AND expires_at >= ?
		 ORDER BY created_at`,
		channel, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list pairing requests: %w", err)
	}
	defer rows.Close()

	var out []pairing.Request
	for rows.Next() {
		var r pairing.Request
		var created, expires int64
		if err := rows.Scan(&r.Channel, &r.AccountID, &r.Sender, &r.Code, &created, &expires); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0)
		r.ExpiresAt = time.Unix(expires, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRoute records where replies for a session should go.
func (d *DB) SaveRoute(ctx context.Context, r gateway.Route) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO session_routes (session_key, channel, account, target, chat_type, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
			channel = excluded.channel,
			account = excluded.account,
			target = excluded.target,
			chat_type = excluded.chat_type,
			updated_at = excluded.updated_at`,
		r.SessionKey, r.Channel, r.AccountID, r.Target, r.ChatType, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save route: %w", err)
	}
	return nil
}

// ReadRoute returns the route for a session key, or nil when none exists.
func (d *DB) ReadRoute(ctx context.Context, sessionKey string) (*gateway.Route, error) {
	var r gateway.Route
	var updated int64
	err := d.db.QueryRowContext(ctx,
		`SELECT session_key, channel, account, target, chat_type, updated_at
		 FROM session_routes WHERE session_key = ?`,
		sessionKey).Scan(&r.SessionKey, &r.Channel, &r.AccountID, &r.Target, &r.ChatType, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read route: %w", err)
	}
	r.UpdatedAt = time.Unix(updated, 0)
	return &r, nil
}

// RecordActivity appends a message activity row.
func (d *DB) RecordActivity(ctx context.Context, channel, accountID, direction, peer, messageID string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO activity (channel, account, direction, peer, message_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		channel, accountID, direction, peer, messageID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// LastActivity returns the newest activity timestamp for a peer, zero when
// there is none.
func (d *DB) LastActivity(ctx context.Context, channel, accountID, peer string) (time.Time, error) {
	var ts sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM activity WHERE channel = ? AND account = ? AND peer = ?`,
		channel, accountID, peer).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read activity: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0), nil
}
