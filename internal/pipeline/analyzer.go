package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyworks/notibot/internal/fingerprint"
	"github.com/replyworks/notibot/internal/platform"
	"github.com/replyworks/notibot/internal/storage"
	"github.com/replyworks/notibot/internal/types"
)

// AttributionPrefix marks replies as machine-written so readers never
// mistake them for a teammate's.
const AttributionPrefix = "🤖 AI Assistant: "

// Analyzer finishes the pipeline for one event: it posts the generated
// reply, persists usage accounting, and updates the fingerprint's
// processed state.
//
// The sequencing is the point. A fingerprint is marked processed only
// after the post call itself reports success; a post failure leaves it
// unprocessed with the generated text flagged for retry, so a later cycle
// completes the post without paying for generation again.
type Analyzer struct {
	fingerprints *fingerprint.Store
	db           storage.Storage
	model        string
	log          *zap.Logger
}

// NewAnalyzer creates a response analyzer. model is recorded on synthetic
// failure usage records, where no backend response supplies one.
func NewAnalyzer(fps *fingerprint.Store, db storage.Storage, model string, log *zap.Logger) *Analyzer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Analyzer{fingerprints: fps, db: db, model: model, log: log}
}

// Post publishes the reply into the target's thread and settles the
// comment's state. usage is the record from the successful generation; it
// is persisted whether or not the post succeeds, so accounting is never
// lost to a platform outage.
func (a *Analyzer) Post(ctx context.Context, client platform.Client, target *types.Comment, reply string, usage *types.UsageRecord) error {
	text := AttributionPrefix + reply

	if _, err := client.CreateReply(ctx, target.DiscussionID, text); err != nil {
		a.appendUsage(ctx, usage)
		if ferr := a.fingerprints.FlagRetry(ctx, target.ID, text); ferr != nil {
			a.log.Error("failed to flag retry after post failure",
				zap.String("comment_id", target.ID),
				zap.Error(ferr))
		}
		return &PlatformWriteError{DiscussionID: target.DiscussionID, Err: err}
	}

	a.appendUsage(ctx, usage)

	if err := a.fingerprints.MarkProcessed(ctx, target.ID); err != nil {
		// The reply is live; failing the event here would re-post it.
		a.log.Error("failed to mark comment processed",
			zap.String("comment_id", target.ID),
			zap.Error(err))
	}

	a.log.Info("reply posted",
		zap.String("comment_id", target.ID),
		zap.String("discussion_id", target.DiscussionID))
	return nil
}

// CompleteRetry posts a previously generated reply whose original post
// failed. Usage was recorded when the text was generated, so only the
// post and the processed flag remain.
func (a *Analyzer) CompleteRetry(ctx context.Context, client platform.Client, fp *types.Fingerprint) error {
	if _, err := client.CreateReply(ctx, fp.DiscussionID, fp.PendingReply); err != nil {
		return &PlatformWriteError{DiscussionID: fp.DiscussionID, Err: err}
	}
	if err := a.fingerprints.MarkProcessed(ctx, fp.CommentID); err != nil {
		a.log.Error("failed to mark retried comment processed",
			zap.String("comment_id", fp.CommentID),
			zap.Error(err))
	}
	a.log.Info("pending reply posted",
		zap.String("comment_id", fp.CommentID),
		zap.String("discussion_id", fp.DiscussionID))
	return nil
}

// RecordFailure persists a zero-token usage record for a generation that
// failed terminally, so failure counts surface in usage totals. Deferred
// (rate-limited) events get no record; they have not failed yet.
func (a *Analyzer) RecordFailure(ctx context.Context, commentID string, outcome types.Outcome) {
	a.appendUsage(ctx, &types.UsageRecord{
		ID:        uuid.New().String(),
		CommentID: commentID,
		Model:     a.model,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	})
}

func (a *Analyzer) appendUsage(ctx context.Context, usage *types.UsageRecord) {
	if usage == nil {
		return
	}
	if err := a.db.AppendUsage(ctx, usage); err != nil {
		a.log.Error("failed to persist usage record",
			zap.String("comment_id", usage.CommentID),
			zap.String("usage_id", usage.ID),
			zap.Error(err))
	}
}
