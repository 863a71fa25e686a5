// Package fingerprint tracks which comments have been seen and classifies
// incoming comments as new, updated, or unchanged against their last-known
// content hash.
//
// Two independent triggers (a live webhook and a scheduled poll) can race
// on the same comment. All classify-and-update work runs under a mutex
// striped by comment ID, so concurrent classification of one identifier can
// never both observe new/updated. Unrelated comments land on different
// stripes and proceed in parallel.
package fingerprint

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/replyworks/notibot/internal/storage"
	"github.com/replyworks/notibot/internal/types"
)

const stripeCount = 64

// Store wraps the persistence layer with per-comment-ID exclusion
type Store struct {
	db      storage.Storage
	stripes [stripeCount]sync.Mutex
	log     *zap.Logger
}

// NewStore creates a fingerprint store backed by the given storage
func NewStore(db storage.Storage, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

// stripe returns the lock guarding the given comment ID
func (s *Store) stripe(commentID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(commentID))
	return &s.stripes[h.Sum32()%stripeCount]
}

// Classify checks the comment against its stored fingerprint and returns
// the three-way result plus the fingerprint's current state.
//
// Absent fingerprint: a new one is created with the comment's hash.
// Hash changed: the fingerprint is refreshed and any pending retry for the
// stale content is discarded. Hash equal: no mutation.
//
// Classification is idempotent: re-classifying an unchanged comment never
// re-triggers processing. Bot-authored comments are classified like any
// other; filtering them is the router's job, which keeps this layer
// side-effect-free and its counts observable.
func (s *Store) Classify(ctx context.Context, c *types.Comment) (types.Classification, *types.Fingerprint, error) {
	mu := s.stripe(c.ID)
	mu.Lock()
	defer mu.Unlock()

	hash := c.ContentHash()
	now := time.Now().UTC()

	fp, err := s.db.GetFingerprint(ctx, c.ID)
	if err != nil {
		return "", nil, fmt.Errorf("classify %s: %w", c.ID, err)
	}

	if fp == nil {
		fp = &types.Fingerprint{
			CommentID:    c.ID,
			DiscussionID: c.DiscussionID,
			ParentID:     c.ParentID,
			AuthorID:     c.AuthorID,
			ContentHash:  hash,
			LastSeen:     now,
		}
		if err := s.db.PutFingerprint(ctx, fp); err != nil {
			return "", nil, fmt.Errorf("classify %s: %w", c.ID, err)
		}
		return types.ClassificationNew, fp, nil
	}

	if fp.ContentHash != hash {
		fp.ContentHash = hash
		fp.ParentID = c.ParentID
		fp.AuthorID = c.AuthorID
		fp.LastSeen = now
		fp.Processed = false
		// A pending reply was generated for the old content; drop it so
		// the updated text gets a fresh generation.
		fp.NeedsRetry = false
		fp.PendingReply = ""
		if err := s.db.PutFingerprint(ctx, fp); err != nil {
			return "", nil, fmt.Errorf("classify %s: %w", c.ID, err)
		}
		return types.ClassificationUpdated, fp, nil
	}

	return types.ClassificationUnchanged, fp, nil
}

// Get returns the fingerprint for a comment, or (nil, nil) if absent
func (s *Store) Get(ctx context.Context, commentID string) (*types.Fingerprint, error) {
	mu := s.stripe(commentID)
	mu.Lock()
	defer mu.Unlock()
	return s.db.GetFingerprint(ctx, commentID)
}

// MarkProcessed flags the fingerprint as processed and clears any retry
// state. Called by the response analyzer only after the reply post reported
// success.
func (s *Store) MarkProcessed(ctx context.Context, commentID string) error {
	mu := s.stripe(commentID)
	mu.Lock()
	defer mu.Unlock()

	fp, err := s.db.GetFingerprint(ctx, commentID)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", commentID, err)
	}
	if fp == nil {
		return fmt.Errorf("mark processed %s: fingerprint not found", commentID)
	}

	fp.Processed = true
	fp.NeedsRetry = false
	fp.PendingReply = ""
	return s.db.PutFingerprint(ctx, fp)
}

// FlagRetry records that a reply was generated but the post failed. The
// generated text is stored so a later cycle can complete the post without
// invoking generation again. The content hash is unchanged, so
// classification alone would never re-surface this comment.
func (s *Store) FlagRetry(ctx context.Context, commentID, pendingReply string) error {
	mu := s.stripe(commentID)
	mu.Lock()
	defer mu.Unlock()

	fp, err := s.db.GetFingerprint(ctx, commentID)
	if err != nil {
		return fmt.Errorf("flag retry %s: %w", commentID, err)
	}
	if fp == nil {
		return fmt.Errorf("flag retry %s: fingerprint not found", commentID)
	}

	fp.Processed = false
	fp.NeedsRetry = true
	fp.PendingReply = pendingReply
	if err := s.db.PutFingerprint(ctx, fp); err != nil {
		return err
	}

	s.log.Warn("reply post failed, flagged for retry",
		zap.String("comment_id", commentID),
		zap.String("discussion_id", fp.DiscussionID))
	return nil
}

// PendingRetries returns fingerprints whose reply still needs posting
func (s *Store) PendingRetries(ctx context.Context) ([]*types.Fingerprint, error) {
	return s.db.ListRetryFingerprints(ctx)
}
