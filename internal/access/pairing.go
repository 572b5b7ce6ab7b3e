package access

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultPairingWindow is how long an unapproved pairing request stays
// live. A new request from the same sender inside the window does not
// create a new code and must not trigger another pairing reply.
const DefaultPairingWindow = time.Hour

// ErrUnknownPairingCode is returned by Approve for codes with no live request.
var ErrUnknownPairingCode = errors.New("unknown pairing code")

// PairingRequest is one handshake record.
type PairingRequest struct {
	ID         int64
	Channel    string
	SenderID   string
	Code       string
	Meta       map[string]string
	CreatedAt  time.Time
	ApprovedAt time.Time // zero until approved
}

// Approved reports whether the request has been approved.
func (r PairingRequest) Approved() bool { return !r.ApprovedAt.IsZero() }

// PairingStore persists pairing requests in SQLite.
type PairingStore struct {
	db     *sql.DB
	window time.Duration
}

// OpenPairingStore opens (creating if needed) the pairing database at
// path and applies pending migrations.
func OpenPairingStore(path string) (*PairingStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open pairing store: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PairingStore{db: db, window: DefaultPairingWindow}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *PairingStore) Close() error { return s.db.Close() }

// Upsert records a pairing attempt from (channel, senderID). It returns
// the live request and whether this call created it. created=false means
// an identical attempt landed inside the pairing window, so the caller
// must not send another pairing reply. An expired request is replaced
// with a fresh code and counts as created.
func (s *PairingStore) Upsert(ctx context.Context, channel, senderID string, meta map[string]string) (*PairingRequest, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT id, channel, sender_id, code, meta, created_at, approved_at
		   FROM pairing_requests WHERE channel = ? AND sender_id = ?`,
		channel, senderID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	now := time.Now()
	if existing != nil {
		if existing.Approved() || now.Sub(existing.CreatedAt) < s.window {
			return existing, false, tx.Commit()
		}
		// Expired: refresh the code and restart the window.
		code, err := newPairingCode()
		if err != nil {
			return nil, false, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE pairing_requests SET code = ?, created_at = ?, meta = ? WHERE id = ?`,
			code, now.UnixMilli(), encodeMeta(meta), existing.ID); err != nil {
			return nil, false, err
		}
		existing.Code = code
		existing.CreatedAt = now
		existing.Meta = meta
		return existing, true, tx.Commit()
	}

	code, err := newPairingCode()
	if err != nil {
		return nil, false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO pairing_requests (channel, sender_id, code, meta, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		channel, senderID, code, encodeMeta(meta), now.UnixMilli())
	if err != nil {
		return nil, false, err
	}
	id, _ := res.LastInsertId()
	req := &PairingRequest{ID: id, Channel: channel, SenderID: senderID, Code: code, Meta: meta, CreatedAt: now}
	return req, true, tx.Commit()
}

// Approve marks the request carrying code as approved and returns its
// sender id. Approving an already-approved code is a no-op returning the
// same sender.
func (s *PairingStore) Approve(ctx context.Context, channel, code string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, sender_id, code, meta, created_at, approved_at
		   FROM pairing_requests WHERE channel = ? AND code = ?`,
		channel, code)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownPairingCode
	}
	if err != nil {
		return "", err
	}
	if req.Approved() {
		return req.SenderID, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE pairing_requests SET approved_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), req.ID)
	if err != nil {
		return "", err
	}
	return req.SenderID, nil
}

// IsApproved reports whether (channel, senderID) completed the handshake.
func (s *PairingStore) IsApproved(ctx context.Context, channel, senderID string) (bool, error) {
	var approvedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT approved_at FROM pairing_requests WHERE channel = ? AND sender_id = ?`,
		channel, senderID).Scan(&approvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return approvedAt.Valid && approvedAt.Int64 > 0, nil
}

// List returns all requests for a channel, or all channels when channel
// is empty, newest first.
func (s *PairingStore) List(ctx context.Context, channel string) ([]PairingRequest, error) {
	query := `SELECT id, channel, sender_id, code, meta, created_at, approved_at
	            FROM pairing_requests`
	args := []any{}
	if channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PairingRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*PairingRequest, error) {
	var (
		req        PairingRequest
		metaJSON   string
		createdAt  int64
		approvedAt sql.NullInt64
	)
	if err := row.Scan(&req.ID, &req.Channel, &req.SenderID, &req.Code, &metaJSON, &createdAt, &approvedAt); err != nil {
		return nil, err
	}
	req.CreatedAt = time.UnixMilli(createdAt)
	if approvedAt.Valid && approvedAt.Int64 > 0 {
		req.ApprovedAt = time.UnixMilli(approvedAt.Int64)
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &req.Meta)
	}
	return &req, nil
}

func encodeMeta(meta map[string]string) string {
	if len(meta) == 0 {
		return "{}"
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// pairingCodeAlphabet omits 0/O and 1/I to keep codes transcribable.
const pairingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newPairingCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	for i, b := range buf {
		buf[i] = pairingCodeAlphabet[int(b)%len(pairingCodeAlphabet)]
	}
	return string(buf), nil
}

// PairingReply renders the one-time reply sent when a request is created.
func PairingReply(senderID, code string) string {
	return fmt.Sprintf("Pairing required. Your id is %s. Ask the operator to approve code %s.", senderID, code)
}
