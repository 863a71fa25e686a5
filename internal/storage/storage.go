package storage

import (
	"context"
	"time"

	"github.com/replyworks/notibot/internal/types"
)

// Storage defines the interface for persistence backends.
//
// Fingerprints are owned by the fingerprint store, usage records by the
// response analyzer, credentials by the external subscription service (read
// mostly here). Implementations must be safe for concurrent use.
type Storage interface {
	// Fingerprints
	// GetFingerprint returns (nil, nil) when no fingerprint exists
	GetFingerprint(ctx context.Context, commentID string) (*types.Fingerprint, error)
	PutFingerprint(ctx context.Context, fp *types.Fingerprint) error
	// ListRetryFingerprints returns fingerprints flagged for a reply retry
	ListRetryFingerprints(ctx context.Context) ([]*types.Fingerprint, error)
	CountFingerprints(ctx context.Context) (total, processed int, err error)
	// DeleteFingerprintsBefore removes fingerprints last seen before the
	// cutoff. Explicit cleanup only; never called during normal operation.
	DeleteFingerprintsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Usage records (append-only)
	AppendUsage(ctx context.Context, rec *types.UsageRecord) error
	ListUsage(ctx context.Context, commentID string) ([]*types.UsageRecord, error)
	UsageTotals(ctx context.Context) (*UsageTotals, error)

	// Credentials
	// GetCredential returns (nil, nil) when the user has no credential
	GetCredential(ctx context.Context, userID string) (*types.Credential, error)
	PutCredential(ctx context.Context, cred *types.Credential) error
	CountCredentials(ctx context.Context) (int, error)

	// Lifecycle
	Close() error
}

// UsageTotals aggregates usage accounting for the status surface
type UsageTotals struct {
	Invocations  int   `json:"invocations"`
	Successes    int   `json:"successes"`
	Failures     int   `json:"failures"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Config holds database configuration
type Config struct {
	// Driver selects the backend: "sqlite" or "postgres"
	Driver string
	// Path is the SQLite database file path.
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string
	// DSN is the Postgres connection string
	DSN string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Driver: "sqlite",
		Path:   ".notibot/notibot.db",
	}
}
