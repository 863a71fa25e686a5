package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/replyworks/notibot/internal/ai"
	"github.com/replyworks/notibot/internal/events"
	"github.com/replyworks/notibot/internal/fingerprint"
	"github.com/replyworks/notibot/internal/platform"
	"github.com/replyworks/notibot/internal/storage"
	"github.com/replyworks/notibot/internal/storage/sqlite"
	"github.com/replyworks/notibot/internal/types"
)

// fakePlatform serves canned comment listings and records posted replies
type fakePlatform struct {
	mu       sync.Mutex
	comments map[string][]types.Comment
	replies  []string
	replyErr error
	excerpt  string
	tokens   []string
}

func (f *fakePlatform) ListComments(_ context.Context, parentID string) ([]types.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Comment(nil), f.comments[parentID]...), nil
}

func (f *fakePlatform) CreateReply(_ context.Context, discussionID, text string) (*types.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return nil, f.replyErr
	}
	f.replies = append(f.replies, text)
	return &types.Comment{
		ID:           uuid.New().String(),
		DiscussionID: discussionID,
		AuthorKind:   types.AuthorBot,
		PlainText:    text,
	}, nil
}

func (f *fakePlatform) PageExcerpt(context.Context, string) (string, error) {
	return f.excerpt, nil
}

func (f *fakePlatform) WithToken(token string) platform.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f
}

func (f *fakePlatform) postedReplies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replies...)
}

// fakeGen scripts one outcome per call; nil means success
type fakeGen struct {
	mu     sync.Mutex
	errs   []error
	reply  string
	calls  int
	lastTC *types.ThreadContext
}

func (g *fakeGen) Generate(_ context.Context, tc *types.ThreadContext) (string, *types.UsageRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastTC = tc
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return "", nil, err
		}
	}
	return g.reply, &types.UsageRecord{
		ID:           uuid.New().String(),
		CommentID:    tc.Target.ID,
		Model:        "test-model",
		InputTokens:  10,
		OutputTokens: 20,
		Outcome:      types.OutcomeSuccess,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// gatedStorage stalls the next GetCredential while armed, handing the
// test control over how concurrent callers interleave
type gatedStorage struct {
	storage.Storage
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStorage) GetCredential(ctx context.Context, userID string) (*types.Credential, error) {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Storage.GetCredential(ctx, userID)
}

type fixture struct {
	pipe *Pipeline
	fps  *fingerprint.Store
	db   storage.Storage
	plat *fakePlatform
	gen  *fakeGen
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.PutCredential(ctx, &types.Credential{
		UserID:        "u-1",
		WorkspaceID:   "w-1",
		PlatformToken: "tok-u1",
	}))

	plat := &fakePlatform{
		comments: map[string][]types.Comment{
			"p-1": {
				{
					ID:           "c-0",
					DiscussionID: "d-1",
					ParentKind:   types.ParentPage,
					ParentID:     "p-1",
					AuthorID:     "u-1",
					AuthorKind:   types.AuthorHuman,
					PlainText:    "earlier comment",
					CreatedTime:  time.Now().Add(-time.Hour),
				},
				{
					ID:           "c-1",
					DiscussionID: "d-1",
					ParentKind:   types.ParentPage,
					ParentID:     "p-1",
					AuthorID:     "u-1",
					AuthorKind:   types.AuthorHuman,
					PlainText:    "what is the deadline?",
					CreatedTime:  time.Now(),
				},
			},
		},
		excerpt: "Project kickoff notes",
	}
	gen := &fakeGen{reply: "The deadline is Friday."}

	log := zaptest.NewLogger(t)
	fps := fingerprint.NewStore(db, log)
	return &fixture{
		pipe: New(fps, db, plat, gen, "test-model", 0, log),
		fps:  fps,
		db:   db,
		plat: plat,
		gen:  gen,
	}
}

// webhookEvent mimics a verified delivery: identifiers only, no content
func webhookEvent(kind events.Kind) *events.Event {
	return &events.Event{
		Kind:          kind,
		Source:        events.SourceWebhook,
		CorrelationID: uuid.New().String(),
		Comment: &types.Comment{
			ID:         "c-1",
			ParentID:   "p-1",
			AuthorID:   "u-1",
			AuthorKind: types.AuthorHuman,
		},
	}
}

func TestRouteChallenge(t *testing.T) {
	f := newFixture(t)
	action, err := f.pipe.Route(context.Background(), events.NewChallenge("tok"))
	require.NoError(t, err)
	assert.Equal(t, ActionChallenge, action)
	assert.Zero(t, f.gen.callCount())
}

func TestRouteAcknowledgesDeleted(t *testing.T) {
	f := newFixture(t)
	action, err := f.pipe.Route(context.Background(), webhookEvent(events.KindCommentDeleted))
	require.NoError(t, err)
	assert.Equal(t, ActionAcknowledged, action)
	assert.Zero(t, f.gen.callCount())
}

func TestRouteFiltersBotAuthors(t *testing.T) {
	f := newFixture(t)
	ev := webhookEvent(events.KindCommentCreated)
	ev.Comment.AuthorKind = types.AuthorBot

	action, err := f.pipe.Route(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ActionSkippedBot, action)
	assert.Zero(t, f.gen.callCount(), "bot comments must never reach generation")
	assert.Empty(t, f.plat.postedReplies())
}

func TestRouteRepliesToNewComment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	action, err := f.pipe.Route(ctx, webhookEvent(events.KindCommentCreated))
	require.NoError(t, err)
	assert.Equal(t, ActionReplied, action)

	replies := f.plat.postedReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, AttributionPrefix+"The deadline is Friday.", replies[0])

	// The prompt context saw the sibling, the excerpt, and the fetched target
	require.NotNil(t, f.gen.lastTC)
	assert.Equal(t, "d-1", f.gen.lastTC.DiscussionID)
	assert.Equal(t, "what is the deadline?", f.gen.lastTC.Target.PlainText)
	assert.Equal(t, "Project kickoff notes", f.gen.lastTC.PageExcerpt)
	require.Len(t, f.gen.lastTC.Comments, 1)
	assert.Equal(t, "c-0", f.gen.lastTC.Comments[0].ID)

	fp, err := f.fps.Get(ctx, "c-1")
	require.NoError(t, err)
	require.NotNil(t, fp)
	assert.True(t, fp.Processed)

	usage, err := f.db.ListUsage(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, types.OutcomeSuccess, usage[0].Outcome)
}

func TestRouteDuplicateDeliverySuppressed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	action, err := f.pipe.Route(ctx, webhookEvent(events.KindCommentCreated))
	require.NoError(t, err)
	require.Equal(t, ActionReplied, action)

	action, err = f.pipe.Route(ctx, webhookEvent(events.KindCommentCreated))
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, action)

	assert.Equal(t, 1, f.gen.callCount(), "redelivery must not regenerate")
	assert.Len(t, f.plat.postedReplies(), 1)
}

func TestRouteTimeoutRetriesOnceThenSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.errs = []error{ai.ErrTimeout, nil}

	action, err := f.pipe.Route(ctx, webhookEvent(events.KindCommentCreated))
	require.NoError(t, err)
	assert.Equal(t, ActionReplied, action)
	assert.Equal(t, 2, f.gen.callCount())

	// Exactly one successful usage record despite the retried attempt
	usage, err := f.db.ListUsage(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, types.OutcomeSuccess, usage[0].Outcome)
}

func TestRouteTimeoutTwiceIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.errs = []error{ai.ErrTimeout, ai.ErrTimeout}

	_, err := f.pipe.Route(ctx, webhookEvent(events.KindCommentCreated))
	require.ErrorIs(t, err, ai.ErrTimeout)
	assert.Equal(t, 2, f.gen.callCount(), "exactly one retry, never more")
	assert.Empty(t, f.plat.postedReplies())

	usage, err := f.db.ListUsage(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, types.OutcomeTimeout, usage[0].Outcome)
}

func TestRouteRateLimitedDefersWithoutRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.errs = []error{ai.ErrRateLimited}

	action, err := f.pipe.Route(ctx, webhookEvent(events.KindCommentCreated))
	require.NoError(t, err)
	assert.Equal(t, ActionDeferred, action)
	assert.Equal(t, 1, f.gen.callCount(), "rate limiting must not retry immediately")

	fp, err := f.fps.Get(ctx, "c-1")
	require.NoError(t, err)
	require.NotNil(t, fp)
	assert.True(t, fp.NeedsRetry)
	assert.Empty(t, fp.PendingReply, "deferred events regenerate, nothing stored to post")

	// Next cycle regenerates and posts
	done, err := f.pipe.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 2, f.gen.callCount())
	require.Len(t, f.plat.postedReplies(), 1)

	fp, err = f.fps.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, fp.Processed)
}

func TestRouteProviderErrorIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.errs = []error{&ai.ProviderError{Err: errors.New("model overloaded")}}

	_, err := f.pipe.Route(ctx, webhookEvent(events.KindCommentCreated))
	require.Error(t, err)
	var pe *ai.ProviderError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, f.gen.callCount(), "provider errors are not retryable")
	assert.Empty(t, f.plat.postedReplies())

	usage, err := f.db.ListUsage(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, types.OutcomeFailure, usage[0].Outcome)
}

func TestRoutePostFailureFlagsRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.plat.replyErr = errors.New("503 service unavailable")

	_, err := f.pipe.Route(ctx, webhookEvent(events.KindCommentCreated))
	var pwe *PlatformWriteError
	require.ErrorAs(t, err, &pwe)
	assert.Equal(t, "d-1", pwe.DiscussionID)

	// Generation succeeded, so usage must survive the post failure
	usage, dberr := f.db.ListUsage(ctx, "c-1")
	require.NoError(t, dberr)
	require.Len(t, usage, 1)
	assert.Equal(t, types.OutcomeSuccess, usage[0].Outcome)

	fp, dberr := f.fps.Get(ctx, "c-1")
	require.NoError(t, dberr)
	require.NotNil(t, fp)
	assert.False(t, fp.Processed)
	assert.True(t, fp.NeedsRetry)
	assert.Equal(t, AttributionPrefix+"The deadline is Friday.", fp.PendingReply)

	// Platform recovers; the stored text is posted without regenerating
	f.plat.mu.Lock()
	f.plat.replyErr = nil
	f.plat.mu.Unlock()

	done, err := f.pipe.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, f.gen.callCount(), "retry must post stored text, not regenerate")

	replies := f.plat.postedReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, AttributionPrefix+"The deadline is Friday.", replies[0])

	fp, dberr = f.fps.Get(ctx, "c-1")
	require.NoError(t, dberr)
	assert.True(t, fp.Processed)
	assert.False(t, fp.NeedsRetry)

	usage, dberr = f.db.ListUsage(ctx, "c-1")
	require.NoError(t, dberr)
	assert.Len(t, usage, 1, "completing the post must not double-count usage")
}

func TestRetrySweepYieldsToWebhookCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	gate := &gatedStorage{
		Storage: f.db,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	pipe := New(f.fps, gate, f.plat, f.gen, "test-model", 0, zaptest.NewLogger(t))

	// Generation succeeds but the post fails, leaving stored text flagged
	f.plat.replyErr = errors.New("503 service unavailable")
	_, err := pipe.Route(ctx, webhookEvent(events.KindCommentCreated))
	var pwe *PlatformWriteError
	require.ErrorAs(t, err, &pwe)
	f.plat.mu.Lock()
	f.plat.replyErr = nil
	f.plat.mu.Unlock()

	// The sweep lists the pending retry, then stalls between the listing
	// and the discussion lock
	gate.armed.Store(true)
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		_, _ = pipe.RetryPending(ctx)
	}()
	<-gate.entered

	// A redelivered webhook completes the retry while the sweep is stalled
	action, err := pipe.Route(ctx, webhookEvent(events.KindCommentCreated))
	require.NoError(t, err)
	assert.Equal(t, ActionRetried, action)

	close(gate.release)
	<-swept

	// The sweep re-reads under the lock and sees the retry already
	// settled, so exactly one reply reaches the platform
	replies := f.plat.postedReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, AttributionPrefix+"The deadline is Friday.", replies[0])
	assert.Equal(t, 1, f.gen.callCount())

	fp, dberr := f.fps.Get(ctx, "c-1")
	require.NoError(t, dberr)
	assert.True(t, fp.Processed)
	assert.False(t, fp.NeedsRetry)
}

func TestRouteCredentialMissing(t *testing.T) {
	f := newFixture(t)
	ev := webhookEvent(events.KindCommentCreated)
	ev.Comment.AuthorID = "u-unknown"

	_, err := f.pipe.Route(context.Background(), ev)
	var cm *CredentialMissing
	require.ErrorAs(t, err, &cm)
	assert.Equal(t, "u-unknown", cm.UserID)
	assert.Zero(t, f.gen.callCount())
}

func TestRouteUsesAuthorToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipe.Route(context.Background(), webhookEvent(events.KindCommentCreated))
	require.NoError(t, err)

	f.plat.mu.Lock()
	defer f.plat.mu.Unlock()
	require.NotEmpty(t, f.plat.tokens)
	assert.Equal(t, "tok-u1", f.plat.tokens[0])
}

func TestConcurrentTriggersReplyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make([]Action, 8)
	for i := 0; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action, err := f.pipe.Route(ctx, webhookEvent(events.KindCommentCreated))
			if err == nil {
				results[i] = action
			}
		}(i)
	}
	wg.Wait()

	replied := 0
	for _, a := range results {
		if a == ActionReplied {
			replied++
		}
	}
	assert.Equal(t, 1, replied, "racing deliveries must produce exactly one reply")
	assert.Len(t, f.plat.postedReplies(), 1)
}

func TestCollectTrimsOldestToBudget(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PutCredential(ctx, &types.Credential{
		UserID: "u-1", PlatformToken: "tok",
	}))

	base := time.Now().Add(-time.Hour)
	thread := make([]types.Comment, 0, 6)
	for i := 0; i < 5; i++ {
		thread = append(thread, types.Comment{
			ID:           fmt.Sprintf("old-%d", i),
			DiscussionID: "d-1",
			ParentKind:   types.ParentBlock,
			ParentID:     "b-1",
			AuthorID:     "u-1",
			AuthorKind:   types.AuthorHuman,
			PlainText:    strings.Repeat("x", 100),
			CreatedTime:  base.Add(time.Duration(i) * time.Minute),
		})
	}
	thread = append(thread, types.Comment{
		ID:           "c-t",
		DiscussionID: "d-1",
		ParentKind:   types.ParentBlock,
		ParentID:     "b-1",
		AuthorID:     "u-1",
		AuthorKind:   types.AuthorHuman,
		PlainText:    "target",
		CreatedTime:  time.Now(),
	})
	plat := &fakePlatform{comments: map[string][]types.Comment{"b-1": thread}}

	// Budget fits the target plus two history entries
	col := NewCollector(db, plat, 220, zaptest.NewLogger(t))
	tc, _, err := col.Collect(ctx, &types.Comment{ID: "c-t", ParentID: "b-1", AuthorID: "u-1", AuthorKind: types.AuthorHuman})
	require.NoError(t, err)

	require.Len(t, tc.Comments, 2, "oldest entries are dropped first")
	assert.Equal(t, "old-3", tc.Comments[0].ID)
	assert.Equal(t, "old-4", tc.Comments[1].ID)
	assert.Equal(t, "target", tc.Target.PlainText)
}

func TestCollectOrdersThreadOldestFirst(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PutCredential(ctx, &types.Credential{
		UserID: "u-1", PlatformToken: "tok",
	}))

	now := time.Now()
	plat := &fakePlatform{comments: map[string][]types.Comment{"b-1": {
		// Platform fetch order is newest-first here
		{ID: "c-3", DiscussionID: "d-1", ParentID: "b-1", AuthorID: "u-1", AuthorKind: types.AuthorHuman, PlainText: "third", CreatedTime: now},
		{ID: "c-1", DiscussionID: "d-1", ParentID: "b-1", AuthorID: "u-1", AuthorKind: types.AuthorHuman, PlainText: "first", CreatedTime: now.Add(-2 * time.Minute)},
		{ID: "c-2", DiscussionID: "d-1", ParentID: "b-1", AuthorID: "u-1", AuthorKind: types.AuthorHuman, PlainText: "second", CreatedTime: now.Add(-time.Minute)},
		// A different discussion on the same block stays out of context
		{ID: "x-1", DiscussionID: "d-2", ParentID: "b-1", AuthorID: "u-1", AuthorKind: types.AuthorHuman, PlainText: "unrelated", CreatedTime: now},
	}}}

	col := NewCollector(db, plat, 0, zaptest.NewLogger(t))
	tc, _, err := col.Collect(ctx, &types.Comment{ID: "c-3", ParentID: "b-1", AuthorID: "u-1", AuthorKind: types.AuthorHuman})
	require.NoError(t, err)

	require.Len(t, tc.Comments, 2)
	assert.Equal(t, "c-1", tc.Comments[0].ID)
	assert.Equal(t, "c-2", tc.Comments[1].ID)
}
