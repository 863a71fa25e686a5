// Package pipeline routes verified events through collection, generation,
// and reply posting.
//
// The router's bot filter is the load-bearing check of the whole system:
// the bot's own replies arrive back as comment events, and forwarding one
// would generate a reply to a reply, forever. Bot-authored events are
// acknowledged so the sender does not retry, and dropped.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/replyworks/notibot/internal/ai"
	"github.com/replyworks/notibot/internal/events"
	"github.com/replyworks/notibot/internal/fingerprint"
	"github.com/replyworks/notibot/internal/platform"
	"github.com/replyworks/notibot/internal/storage"
	"github.com/replyworks/notibot/internal/types"
)

// Action is the disposition the pipeline reports for one event
type Action string

const (
	// ActionChallenge means the event was a handshake; the caller echoes it
	ActionChallenge Action = "challenge"
	// ActionAcknowledged means the event was recognized but not actionable
	ActionAcknowledged Action = "acknowledged"
	// ActionSkippedBot means a bot-authored event was dropped by the filter
	ActionSkippedBot Action = "skipped_bot"
	// ActionDuplicate means the comment was already handled or is in flight
	ActionDuplicate Action = "duplicate"
	// ActionReplied means a reply was generated and posted
	ActionReplied Action = "replied"
	// ActionRetried means a previously generated reply was posted
	ActionRetried Action = "retried"
	// ActionDeferred means generation was rate limited and requeued for a
	// later poll cycle
	ActionDeferred Action = "deferred"
)

const discussionStripes = 64

// Pipeline wires the fingerprint store, collector, generator, and analyzer
// into one Route entry point shared by the webhook handler and the poller.
//
// Replies within a discussion must post in the order their triggering
// comments were classified, so each comment event holds its discussion's
// stripe for the whole generate-and-post span. These stripes are distinct
// from the fingerprint store's per-comment stripes and are never held
// while the other is taken first.
type Pipeline struct {
	fingerprints *fingerprint.Store
	collector    *Collector
	analyzer     *Analyzer
	gen          ai.Generator
	log          *zap.Logger

	discussions [discussionStripes]sync.Mutex
}

// New assembles a pipeline from its stages
func New(fps *fingerprint.Store, db storage.Storage, pc platform.Client, gen ai.Generator, model string, charBudget int, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		fingerprints: fps,
		collector:    NewCollector(db, pc, charBudget, log),
		analyzer:     NewAnalyzer(fps, db, model, log),
		gen:          gen,
		log:          log,
	}
}

// Collector exposes the pipeline's collector for status surfaces
func (p *Pipeline) Collector() *Collector { return p.collector }

func (p *Pipeline) discussionLock(discussionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(discussionID))
	return &p.discussions[h.Sum32()%discussionStripes]
}

// Route dispatches one verified event. Challenge events are surfaced for
// the caller to echo. Comment events pass the bot filter, then run
// collect, classify, generate, post. A failure at any stage is terminal
// for the event only; callers keep serving other events.
func (p *Pipeline) Route(ctx context.Context, ev *events.Event) (Action, error) {
	switch ev.Kind {
	case events.KindChallenge:
		return ActionChallenge, nil
	case events.KindCommentCreated, events.KindCommentUpdated:
	default:
		p.log.Debug("event acknowledged without action",
			zap.String("kind", string(ev.Kind)),
			zap.String("correlation_id", ev.CorrelationID))
		return ActionAcknowledged, nil
	}

	c := ev.Comment
	if c.AuthorKind == types.AuthorBot {
		p.log.Debug("skipping bot-authored comment",
			zap.String("comment_id", c.ID),
			zap.String("author_id", c.AuthorID))
		return ActionSkippedBot, nil
	}

	return p.process(ctx, ev)
}

func (p *Pipeline) process(ctx context.Context, ev *events.Event) (Action, error) {
	tc, client, err := p.collector.Collect(ctx, ev.Comment)
	if err != nil {
		var cm *CredentialMissing
		if errors.As(err, &cm) {
			p.log.Warn("no credential for comment author, dropping event",
				zap.String("comment_id", ev.Comment.ID),
				zap.String("author_id", cm.UserID))
		}
		return "", err
	}

	mu := p.discussionLock(tc.DiscussionID)
	mu.Lock()
	defer mu.Unlock()

	// Poll events were already classified by the poller under the comment
	// stripe; classifying again here would always report unchanged.
	if ev.Source == events.SourceWebhook {
		cls, fp, err := p.fingerprints.Classify(ctx, &tc.Target)
		if err != nil {
			return "", err
		}
		if cls == types.ClassificationUnchanged {
			if fp.NeedsRetry && fp.PendingReply != "" {
				if err := p.analyzer.CompleteRetry(ctx, client, fp); err != nil {
					return "", err
				}
				return ActionRetried, nil
			}
			// Processed, in flight on the other trigger, or terminally
			// failed. Either way this delivery changes nothing.
			return ActionDuplicate, nil
		}
	}

	return p.generateAndPost(ctx, client, tc)
}

// generateAndPost runs the AI invocation and hands the result to the
// analyzer. The pipeline owns the single same-input retry after a timeout;
// the client itself never retries, so a retry cannot double across layers.
func (p *Pipeline) generateAndPost(ctx context.Context, client platform.Client, tc *types.ThreadContext) (Action, error) {
	reply, usage, err := p.gen.Generate(ctx, tc)
	if errors.Is(err, ai.ErrTimeout) {
		p.log.Warn("generation timed out, retrying once",
			zap.String("comment_id", tc.Target.ID))
		reply, usage, err = p.gen.Generate(ctx, tc)
	}

	switch {
	case err == nil:
	case errors.Is(err, ai.ErrRateLimited):
		// Requeue, do not hammer the backend. An empty pending reply tells
		// the next cycle to regenerate rather than post stored text.
		if ferr := p.fingerprints.FlagRetry(ctx, tc.Target.ID, ""); ferr != nil {
			return "", ferr
		}
		p.log.Warn("generation rate limited, deferred to next cycle",
			zap.String("comment_id", tc.Target.ID))
		return ActionDeferred, nil
	case errors.Is(err, ai.ErrTimeout):
		p.analyzer.RecordFailure(ctx, tc.Target.ID, types.OutcomeTimeout)
		return "", err
	default:
		p.analyzer.RecordFailure(ctx, tc.Target.ID, types.OutcomeFailure)
		return "", err
	}

	if err := p.analyzer.Post(ctx, client, &tc.Target, reply, usage); err != nil {
		return "", err
	}
	return ActionReplied, nil
}

// RetryPending sweeps fingerprints flagged for retry. Comments with stored
// text get their post completed; comments deferred by rate limiting run
// the full pipeline again. Returns how many retries settled successfully.
func (p *Pipeline) RetryPending(ctx context.Context) (int, error) {
	pending, err := p.fingerprints.PendingRetries(ctx)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, fp := range pending {
		if err := p.retryOne(ctx, fp); err != nil {
			p.log.Warn("retry failed",
				zap.String("comment_id", fp.CommentID),
				zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

func (p *Pipeline) retryOne(ctx context.Context, snap *types.Fingerprint) error {
	if snap.PendingReply == "" {
		return p.regenerate(ctx, snap)
	}

	client, err := p.collector.ClientFor(ctx, snap.AuthorID)
	if err != nil {
		return err
	}

	mu := p.discussionLock(snap.DiscussionID)
	mu.Lock()
	defer mu.Unlock()

	// The sweep's listing is a snapshot. Between listing and taking the
	// lock a webhook redelivery can complete this retry, or an edit can
	// supersede the stored text. Only state read under the lock decides
	// whether the post still happens.
	cur, err := p.fingerprints.Get(ctx, snap.CommentID)
	if err != nil {
		return err
	}
	if cur == nil || !cur.NeedsRetry || cur.PendingReply == "" || cur.ContentHash != snap.ContentHash {
		p.log.Debug("retry settled elsewhere, skipping",
			zap.String("comment_id", snap.CommentID))
		return nil
	}
	return p.analyzer.CompleteRetry(ctx, client, cur)
}

// regenerate reruns collect, generate, post for a comment deferred by rate
// limiting. No stored text exists, so the reply comes from live thread
// state. Like the stored-text path, the fingerprint is re-read under the
// discussion lock; a comment settled since the sweep's listing is skipped.
func (p *Pipeline) regenerate(ctx context.Context, snap *types.Fingerprint) error {
	tc, client, err := p.collector.Collect(ctx, &types.Comment{
		ID:           snap.CommentID,
		DiscussionID: snap.DiscussionID,
		ParentID:     snap.ParentID,
		AuthorID:     snap.AuthorID,
		AuthorKind:   types.AuthorHuman,
	})
	if err != nil {
		return err
	}

	mu := p.discussionLock(tc.DiscussionID)
	mu.Lock()
	defer mu.Unlock()

	cur, err := p.fingerprints.Get(ctx, snap.CommentID)
	if err != nil {
		return err
	}
	if cur == nil || !cur.NeedsRetry || cur.Processed {
		return nil
	}
	_, err = p.generateAndPost(ctx, client, tc)
	return err
}
