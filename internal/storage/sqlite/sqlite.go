// Package sqlite implements the storage interface on SQLite. It is the
// default backend: a single file, WAL mode for concurrent readers, and
// ":memory:" support for tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/replyworks/notibot/internal/types"

	"github.com/replyworks/notibot/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS fingerprints (
	comment_id    TEXT PRIMARY KEY,
	discussion_id TEXT NOT NULL,
	parent_id     TEXT NOT NULL DEFAULT '',
	author_id     TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL,
	last_seen     TIMESTAMP NOT NULL,
	processed     INTEGER NOT NULL DEFAULT 0,
	needs_retry   INTEGER NOT NULL DEFAULT 0,
	pending_reply TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_fingerprints_retry ON fingerprints(needs_retry) WHERE needs_retry = 1;

CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	comment_id    TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	latency_ms    INTEGER NOT NULL,
	outcome       TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_comment ON usage_records(comment_id);

CREATE TABLE IF NOT EXISTS credentials (
	user_id        TEXT PRIMARY KEY,
	workspace_id   TEXT NOT NULL,
	platform_token TEXT NOT NULL,
	ai_key         TEXT NOT NULL DEFAULT ''
);
`

// Store implements storage.Storage using SQLite
type Store struct {
	db *sql.DB
}

var _ storage.Storage = (*Store)(nil)

// New creates a new SQLite storage backend
func New(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// WAL mode for better concurrency between the poller and the webhook path
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// GetFingerprint looks up a fingerprint by comment ID. Returns (nil, nil)
// when the comment has never been observed.
func (s *Store) GetFingerprint(ctx context.Context, commentID string) (*types.Fingerprint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT comment_id, discussion_id, parent_id, author_id, content_hash, last_seen, processed, needs_retry, pending_reply
		FROM fingerprints WHERE comment_id = ?`, commentID)

	fp, err := scanFingerprint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fingerprint %s: %w", commentID, err)
	}
	return fp, nil
}

// PutFingerprint inserts or replaces a fingerprint row
func (s *Store) PutFingerprint(ctx context.Context, fp *types.Fingerprint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (comment_id, discussion_id, parent_id, author_id, content_hash, last_seen, processed, needs_retry, pending_reply)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(comment_id) DO UPDATE SET
			discussion_id = excluded.discussion_id,
			parent_id     = excluded.parent_id,
			author_id     = excluded.author_id,
			content_hash  = excluded.content_hash,
			last_seen     = excluded.last_seen,
			processed     = excluded.processed,
			needs_retry   = excluded.needs_retry,
			pending_reply = excluded.pending_reply`,
		fp.CommentID, fp.DiscussionID, fp.ParentID, fp.AuthorID, fp.ContentHash,
		fp.LastSeen, fp.Processed, fp.NeedsRetry, fp.PendingReply)
	if err != nil {
		return fmt.Errorf("failed to put fingerprint %s: %w", fp.CommentID, err)
	}
	return nil
}

// ListRetryFingerprints returns fingerprints whose reply post failed and
// needs to be retried
func (s *Store) ListRetryFingerprints(ctx context.Context) ([]*types.Fingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT comment_id, discussion_id, parent_id, author_id, content_hash, last_seen, processed, needs_retry, pending_reply
		FROM fingerprints WHERE needs_retry = 1 ORDER BY last_seen`)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry fingerprints: %w", err)
	}
	defer rows.Close()

	var fps []*types.Fingerprint
	for rows.Next() {
		fp, err := scanFingerprint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

// CountFingerprints returns total and processed fingerprint counts
func (s *Store) CountFingerprints(ctx context.Context) (total, processed int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(processed), 0) FROM fingerprints`).Scan(&total, &processed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count fingerprints: %w", err)
	}
	return total, processed, nil
}

// DeleteFingerprintsBefore removes fingerprints last seen before the cutoff
func (s *Store) DeleteFingerprintsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete fingerprints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// AppendUsage appends a usage record. Records are never updated.
func (s *Store) AppendUsage(ctx context.Context, rec *types.UsageRecord) error {
	if !rec.Outcome.IsValid() {
		return fmt.Errorf("invalid usage outcome: %q", rec.Outcome)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, comment_id, model, input_tokens, output_tokens, latency_ms, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CommentID, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.Latency.Milliseconds(), string(rec.Outcome), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append usage record %s: %w", rec.ID, err)
	}
	return nil
}

// ListUsage returns the usage records for a comment, oldest first
func (s *Store) ListUsage(ctx context.Context, commentID string) ([]*types.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, comment_id, model, input_tokens, output_tokens, latency_ms, outcome, created_at
		FROM usage_records WHERE comment_id = ? ORDER BY created_at`, commentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var recs []*types.UsageRecord
	for rows.Next() {
		var rec types.UsageRecord
		var latencyMS int64
		var outcome string
		if err := rows.Scan(&rec.ID, &rec.CommentID, &rec.Model, &rec.InputTokens,
			&rec.OutputTokens, &latencyMS, &outcome, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		rec.Latency = time.Duration(latencyMS) * time.Millisecond
		rec.Outcome = types.Outcome(outcome)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// UsageTotals aggregates usage accounting across all invocations
func (s *Store) UsageTotals(ctx context.Context) (*storage.UsageTotals, error) {
	var t storage.UsageTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome != 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM usage_records`).Scan(&t.Invocations, &t.Successes, &t.Failures, &t.InputTokens, &t.OutputTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return &t, nil
}

// GetCredential looks up a user's credential. Returns (nil, nil) when the
// user has no stored credential.
func (s *Store) GetCredential(ctx context.Context, userID string) (*types.Credential, error) {
	var cred types.Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, workspace_id, platform_token, ai_key
		FROM credentials WHERE user_id = ?`, userID).
		Scan(&cred.UserID, &cred.WorkspaceID, &cred.PlatformToken, &cred.AIKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential for %s: %w", userID, err)
	}
	return &cred, nil
}

// PutCredential inserts or replaces a credential
func (s *Store) PutCredential(ctx context.Context, cred *types.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, workspace_id, platform_token, ai_key)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			workspace_id   = excluded.workspace_id,
			platform_token = excluded.platform_token,
			ai_key         = excluded.ai_key`,
		cred.UserID, cred.WorkspaceID, cred.PlatformToken, cred.AIKey)
	if err != nil {
		return fmt.Errorf("failed to put credential for %s: %w", cred.UserID, err)
	}
	return nil
}

// CountCredentials returns the number of stored credentials
func (s *Store) CountCredentials(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credentials`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count credentials: %w", err)
	}
	return n, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for scanFingerprint
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFingerprint(row scanner) (*types.Fingerprint, error) {
	var fp types.Fingerprint
	err := row.Scan(&fp.CommentID, &fp.DiscussionID, &fp.ParentID, &fp.AuthorID,
		&fp.ContentHash, &fp.LastSeen, &fp.Processed, &fp.NeedsRetry, &fp.PendingReply)
	if err != nil {
		return nil, err
	}
	return &fp, nil
}
