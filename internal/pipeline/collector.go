package pipeline

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/replyworks/notibot/internal/platform"
	"github.com/replyworks/notibot/internal/storage"
	"github.com/replyworks/notibot/internal/types"
)

// DefaultCharBudget caps the rendered prompt size. Thread history is
// trimmed oldest-first to stay under it; the target comment and the page
// excerpt are always kept.
const DefaultCharBudget = 8000

// Collector assembles the thread context for one triggering comment. It
// resolves the acting user's credential, fetches the surrounding thread
// and page snippet with that user's token, and bounds the result. It never
// mutates fingerprints.
type Collector struct {
	db         storage.Storage
	platform   platform.Client
	charBudget int
	log        *zap.Logger
}

// NewCollector creates a collector over the given storage and base
// platform client. budget <= 0 selects DefaultCharBudget.
func NewCollector(db storage.Storage, pc platform.Client, budget int, log *zap.Logger) *Collector {
	if budget <= 0 {
		budget = DefaultCharBudget
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{db: db, platform: pc, charBudget: budget, log: log}
}

// ClientFor resolves the platform client authenticated as the given user.
// Returns *CredentialMissing when the user has no stored credential.
func (cl *Collector) ClientFor(ctx context.Context, userID string) (platform.Client, error) {
	cred, err := cl.db.GetCredential(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve credential for %s: %w", userID, err)
	}
	if cred == nil || cred.PlatformToken == "" {
		return nil, &CredentialMissing{UserID: userID}
	}
	return cl.platform.WithToken(cred.PlatformToken), nil
}

// Collect builds the ThreadContext for a triggering comment and returns it
// along with the user-authenticated client the caller should post with.
//
// Webhook deliveries carry only identifiers, so the target's content comes
// from the fetched listing, not from the event. A target that no longer
// appears in the listing was deleted between delivery and fetch.
func (cl *Collector) Collect(ctx context.Context, c *types.Comment) (*types.ThreadContext, platform.Client, error) {
	client, err := cl.ClientFor(ctx, c.AuthorID)
	if err != nil {
		return nil, nil, err
	}

	listed, err := client.ListComments(ctx, c.ParentID)
	if err != nil {
		return nil, nil, fmt.Errorf("list comments under %s: %w", c.ParentID, err)
	}

	target := findComment(listed, c.ID)
	if target == nil {
		if c.PlainText == "" {
			return nil, nil, fmt.Errorf("comment %s not found under %s", c.ID, c.ParentID)
		}
		// Polled comments arrive with full content already.
		target = c
	}

	thread := make([]types.Comment, 0, len(listed))
	for _, sib := range listed {
		if sib.ID == target.ID || sib.DiscussionID != target.DiscussionID {
			continue
		}
		thread = append(thread, sib)
	}
	sort.Slice(thread, func(i, j int) bool {
		return thread[i].CreatedTime.Before(thread[j].CreatedTime)
	})

	excerpt := ""
	if target.ParentKind == types.ParentPage {
		excerpt, err = client.PageExcerpt(ctx, target.ParentID)
		if err != nil {
			// Context enrichment only; the thread alone is enough to reply.
			cl.log.Warn("page excerpt fetch failed",
				zap.String("page_id", target.ParentID),
				zap.Error(err))
			excerpt = ""
		}
	}

	thread = trimToBudget(thread, cl.charBudget-len(excerpt)-len(target.PlainText))

	return &types.ThreadContext{
		DiscussionID: target.DiscussionID,
		PageExcerpt:  excerpt,
		Comments:     thread,
		Target:       *target,
	}, client, nil
}

func findComment(comments []types.Comment, id string) *types.Comment {
	for i := range comments {
		if comments[i].ID == id {
			return &comments[i]
		}
	}
	return nil
}

// trimToBudget drops the oldest thread entries until the remaining text
// fits. Recent history matters more than old history for a reply.
func trimToBudget(thread []types.Comment, budget int) []types.Comment {
	total := 0
	for _, c := range thread {
		total += len(c.PlainText)
	}
	for len(thread) > 0 && total > budget {
		total -= len(thread[0].PlainText)
		thread = thread[1:]
	}
	return thread
}
