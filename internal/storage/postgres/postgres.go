// Package postgres implements the storage interface on PostgreSQL for
// deployments where the fingerprint and credential tables are shared with
// the subscription service.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/replyworks/notibot/internal/storage"
	"github.com/replyworks/notibot/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS fingerprints (
	comment_id    TEXT PRIMARY KEY,
	discussion_id TEXT NOT NULL,
	parent_id     TEXT NOT NULL DEFAULT '',
	author_id     TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL,
	last_seen     TIMESTAMPTZ NOT NULL,
	processed     BOOLEAN NOT NULL DEFAULT FALSE,
	needs_retry   BOOLEAN NOT NULL DEFAULT FALSE,
	pending_reply TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_fingerprints_retry ON fingerprints(needs_retry) WHERE needs_retry;

CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	comment_id    TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	latency_ms    BIGINT NOT NULL,
	outcome       TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_comment ON usage_records(comment_id);

CREATE TABLE IF NOT EXISTS credentials (
	user_id        TEXT PRIMARY KEY,
	workspace_id   TEXT NOT NULL,
	platform_token TEXT NOT NULL,
	ai_key         TEXT NOT NULL DEFAULT ''
);
`

// fingerprintRow maps the fingerprints table for sqlx scanning
type fingerprintRow struct {
	CommentID    string    `db:"comment_id"`
	DiscussionID string    `db:"discussion_id"`
	ParentID     string    `db:"parent_id"`
	AuthorID     string    `db:"author_id"`
	ContentHash  string    `db:"content_hash"`
	LastSeen     time.Time `db:"last_seen"`
	Processed    bool      `db:"processed"`
	NeedsRetry   bool      `db:"needs_retry"`
	PendingReply string    `db:"pending_reply"`
}

func (r fingerprintRow) toFingerprint() *types.Fingerprint {
	return &types.Fingerprint{
		CommentID:    r.CommentID,
		DiscussionID: r.DiscussionID,
		ParentID:     r.ParentID,
		AuthorID:     r.AuthorID,
		ContentHash:  r.ContentHash,
		LastSeen:     r.LastSeen,
		Processed:    r.Processed,
		NeedsRetry:   r.NeedsRetry,
		PendingReply: r.PendingReply,
	}
}

type usageRow struct {
	ID           string    `db:"id"`
	CommentID    string    `db:"comment_id"`
	Model        string    `db:"model"`
	InputTokens  int64     `db:"input_tokens"`
	OutputTokens int64     `db:"output_tokens"`
	LatencyMS    int64     `db:"latency_ms"`
	Outcome      string    `db:"outcome"`
	CreatedAt    time.Time `db:"created_at"`
}

// Store implements storage.Storage using PostgreSQL
type Store struct {
	db *sqlx.DB
}

var _ storage.Storage = (*Store)(nil)

// New connects to Postgres and ensures the schema exists
func New(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// GetFingerprint looks up a fingerprint by comment ID. Returns (nil, nil)
// when the comment has never been observed.
func (s *Store) GetFingerprint(ctx context.Context, commentID string) (*types.Fingerprint, error) {
	var row fingerprintRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM fingerprints WHERE comment_id = $1`, commentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fingerprint %s: %w", commentID, err)
	}
	return row.toFingerprint(), nil
}

// PutFingerprint inserts or replaces a fingerprint row
func (s *Store) PutFingerprint(ctx context.Context, fp *types.Fingerprint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (comment_id, discussion_id, parent_id, author_id, content_hash, last_seen, processed, needs_retry, pending_reply)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (comment_id) DO UPDATE SET
			discussion_id = EXCLUDED.discussion_id,
			parent_id     = EXCLUDED.parent_id,
			author_id     = EXCLUDED.author_id,
			content_hash  = EXCLUDED.content_hash,
			last_seen     = EXCLUDED.last_seen,
			processed     = EXCLUDED.processed,
			needs_retry   = EXCLUDED.needs_retry,
			pending_reply = EXCLUDED.pending_reply`,
		fp.CommentID, fp.DiscussionID, fp.ParentID, fp.AuthorID, fp.ContentHash,
		fp.LastSeen, fp.Processed, fp.NeedsRetry, fp.PendingReply)
	if err != nil {
		return fmt.Errorf("failed to put fingerprint %s: %w", fp.CommentID, err)
	}
	return nil
}

// ListRetryFingerprints returns fingerprints flagged for a reply retry
func (s *Store) ListRetryFingerprints(ctx context.Context) ([]*types.Fingerprint, error) {
	var rows []fingerprintRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM fingerprints WHERE needs_retry ORDER BY last_seen`)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry fingerprints: %w", err)
	}
	fps := make([]*types.Fingerprint, 0, len(rows))
	for _, row := range rows {
		fps = append(fps, row.toFingerprint())
	}
	return fps, nil
}

// CountFingerprints returns total and processed fingerprint counts
func (s *Store) CountFingerprints(ctx context.Context) (total, processed int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE processed) FROM fingerprints`).
		Scan(&total, &processed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count fingerprints: %w", err)
	}
	return total, processed, nil
}

// DeleteFingerprintsBefore removes fingerprints last seen before the cutoff
func (s *Store) DeleteFingerprintsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete fingerprints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// AppendUsage appends a usage record
func (s *Store) AppendUsage(ctx context.Context, rec *types.UsageRecord) error {
	if !rec.Outcome.IsValid() {
		return fmt.Errorf("invalid usage outcome: %q", rec.Outcome)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, comment_id, model, input_tokens, output_tokens, latency_ms, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.CommentID, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.Latency.Milliseconds(), string(rec.Outcome), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append usage record %s: %w", rec.ID, err)
	}
	return nil
}

// ListUsage returns the usage records for a comment, oldest first
func (s *Store) ListUsage(ctx context.Context, commentID string) ([]*types.UsageRecord, error) {
	var rows []usageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM usage_records WHERE comment_id = $1 ORDER BY created_at`, commentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	recs := make([]*types.UsageRecord, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, &types.UsageRecord{
			ID:           row.ID,
			CommentID:    row.CommentID,
			Model:        row.Model,
			InputTokens:  row.InputTokens,
			OutputTokens: row.OutputTokens,
			Latency:      time.Duration(row.LatencyMS) * time.Millisecond,
			Outcome:      types.Outcome(row.Outcome),
			CreatedAt:    row.CreatedAt,
		})
	}
	return recs, nil
}

// UsageTotals aggregates usage accounting across all invocations
func (s *Store) UsageTotals(ctx context.Context) (*storage.UsageTotals, error) {
	var t storage.UsageTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE outcome = 'success'),
			COUNT(*) FILTER (WHERE outcome != 'success'),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM usage_records`).
		Scan(&t.Invocations, &t.Successes, &t.Failures, &t.InputTokens, &t.OutputTokens)
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
		FROM credentials WHERE user_id = $1`, userID).
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
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			workspace_id   = EXCLUDED.workspace_id,
			platform_token = EXCLUDED.platform_token,
			ai_key         = EXCLUDED.ai_key`,
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

// Close closes the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}
