package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/replyworks/notibot/internal/fingerprint"
	"github.com/replyworks/notibot/internal/pipeline"
	"github.com/replyworks/notibot/internal/platform"
	"github.com/replyworks/notibot/internal/poller"
	"github.com/replyworks/notibot/internal/storage/sqlite"
	"github.com/replyworks/notibot/internal/types"
)

type fakePlatform struct {
	mu       sync.Mutex
	comments map[string][]types.Comment
	replies  []string
}

func (f *fakePlatform) ListComments(_ context.Context, parentID string) ([]types.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Comment(nil), f.comments[parentID]...), nil
}

func (f *fakePlatform) CreateReply(_ context.Context, discussionID, text string) (*types.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return &types.Comment{ID: uuid.New().String(), DiscussionID: discussionID, AuthorKind: types.AuthorBot, PlainText: text}, nil
}

func (f *fakePlatform) PageExcerpt(context.Context, string) (string, error) { return "", nil }

func (f *fakePlatform) WithToken(string) platform.Client { return f }

type fakeGen struct{}

func (fakeGen) Generate(_ context.Context, tc *types.ThreadContext) (string, *types.UsageRecord, error) {
	return "a helpful answer", &types.UsageRecord{
		ID:        uuid.New().String(),
		CommentID: tc.Target.ID,
		Model:     "test-model",
		Outcome:   types.OutcomeSuccess,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func newTestServer(t *testing.T) (*Server, *fakePlatform) {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.PutCredential(ctx, &types.Credential{
		UserID: "u-1", PlatformToken: "tok",
	}))

	plat := &fakePlatform{comments: map[string][]types.Comment{"p-1": {{
		ID:           "c-1",
		DiscussionID: "d-1",
		ParentKind:   types.ParentBlock,
		ParentID:     "p-1",
		AuthorID:     "u-1",
		AuthorKind:   types.AuthorHuman,
		PlainText:    "hello?",
		CreatedTime:  time.Now(),
	}}}}

	log := zaptest.NewLogger(t)
	fps := fingerprint.NewStore(db, log)
	pipe := pipeline.New(fps, db, plat, fakeGen{}, "test-model", 0, log)
	poll := poller.New(plat, fps, pipe, []string{"p-1"}, time.Minute, log)
	return New(pipe, poll, db, "test-model", log), plat
}

func postJSON(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestEventsChallengeEcho(t *testing.T) {
	s, _ := newTestServer(t)
	w := postJSON(t, s, "/events", `{"verification_token": "secret-handshake"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"verification_token":"secret-handshake"}`, w.Body.String())
}

func TestEventsRejectsMalformedPayload(t *testing.T) {
	s, plat := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing type", `{"entity": {"id": "c-1"}}`},
		{"unknown type", `{"type": "page.deleted"}`},
		{"missing entity", `{"type": "comment.created", "authors": [{"id": "u-1", "type": "person"}]}`},
		{"missing authors", `{"type": "comment.created", "entity": {"id": "c-1"}}`},
		{"missing parent", `{"type": "comment.created", "entity": {"id": "c-1"}, "authors": [{"id": "u-1", "type": "person"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postJSON(t, s, "/events", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, plat.replies)
}

func TestEventsCommentCreatedReplies(t *testing.T) {
	s, plat := newTestServer(t)
	body := `{
		"type": "comment.created",
		"entity": {"id": "c-1", "type": "comment"},
		"data": {"discussion_id": "d-1", "parent": {"id": "p-1", "type": "block"}},
		"authors": [{"id": "u-1", "type": "person"}]
	}`

	w := postJSON(t, s, "/events", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, string(pipeline.ActionReplied), resp["action"])

	plat.mu.Lock()
	defer plat.mu.Unlock()
	require.Len(t, plat.replies, 1)
	assert.True(t, strings.HasPrefix(plat.replies[0], pipeline.AttributionPrefix))
}

func TestEventsBotAuthorAcknowledged(t *testing.T) {
	s, plat := newTestServer(t)
	body := `{
		"type": "comment.created",
		"entity": {"id": "c-9", "type": "comment"},
		"data": {"discussion_id": "d-1", "parent": {"id": "p-1", "type": "block"}},
		"authors": [{"id": "bot-1", "type": "bot"}]
	}`

	w := postJSON(t, s, "/events", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(pipeline.ActionSkippedBot), resp["action"])
	assert.Empty(t, plat.replies)
}

func TestEventsCredentialMissingAcknowledged(t *testing.T) {
	s, plat := newTestServer(t)
	body := `{
		"type": "comment.created",
		"entity": {"id": "c-1", "type": "comment"},
		"data": {"discussion_id": "d-1", "parent": {"id": "p-1", "type": "block"}},
		"authors": [{"id": "u-stranger", "type": "person"}]
	}`

	// Acknowledged with an error body so the platform stops redelivering
	w := postJSON(t, s, "/events", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp["status"])
	assert.Empty(t, plat.replies)
}

func TestPollTriggerReturnsStats(t *testing.T) {
	s, plat := newTestServer(t)

	w := postJSON(t, s, "/poll", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats poller.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.New)
	assert.Len(t, plat.replies, 1)

	// Same content again: everything unchanged
	w = postJSON(t, s, "/poll", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.New)
	assert.Equal(t, 1, stats.Unchanged)
}

func TestStatusReportsCounts(t *testing.T) {
	s, _ := newTestServer(t)

	// Process one comment so the counters move
	w := postJSON(t, s, "/poll", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		Status       string `json:"status"`
		Model        string `json:"model"`
		Scheduler    bool   `json:"scheduler"`
		Credentials  int    `json:"credentials"`
		Fingerprints struct {
			Total     int `json:"total"`
			Processed int `json:"processed"`
		} `json:"fingerprints"`
		Usage struct {
			Invocations int `json:"invocations"`
			Successes   int `json:"successes"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "running", status.Status)
	assert.Equal(t, "test-model", status.Model)
	assert.False(t, status.Scheduler)
	assert.Equal(t, 1, status.Credentials)
	assert.Equal(t, 1, status.Fingerprints.Total)
	assert.Equal(t, 1, status.Fingerprints.Processed)
	assert.Equal(t, 1, status.Usage.Invocations)
	assert.Equal(t, 1, status.Usage.Successes)
}
