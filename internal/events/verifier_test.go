package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyworks/notibot/internal/types"
)

func TestVerifyChallengePayload(t *testing.T) {
	ev, err := Verify([]byte(`{"verification_token": "tok-abc123"}`))
	require.NoError(t, err)
	assert.Equal(t, KindChallenge, ev.Kind)
	assert.Equal(t, "tok-abc123", ev.Challenge)
	assert.NotEmpty(t, ev.CorrelationID)
}

func TestVerifyCommentCreated(t *testing.T) {
	payload := `{
		"type": "comment.created",
		"workspace_id": "w-1",
		"entity": {"id": "c-1", "type": "comment"},
		"data": {
			"discussion_id": "d-1",
			"parent": {"id": "p-1", "type": "page"}
		},
		"authors": [{"id": "u-1", "type": "person"}]
	}`

	ev, err := Verify([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, KindCommentCreated, ev.Kind)
	assert.Equal(t, SourceWebhook, ev.Source)
	require.NotNil(t, ev.Comment)
	assert.Equal(t, "c-1", ev.Comment.ID)
	assert.Equal(t, "d-1", ev.Comment.DiscussionID)
	assert.Equal(t, "p-1", ev.Comment.ParentID)
	assert.Equal(t, types.ParentPage, ev.Comment.ParentKind)
	assert.Equal(t, types.AuthorHuman, ev.Comment.AuthorKind)
	assert.Empty(t, ev.Comment.PlainText, "webhook payloads carry no content")
}

func TestVerifyBotAuthorIsNormalizedNotRejected(t *testing.T) {
	payload := `{
		"type": "comment.created",
		"entity": {"id": "c-1"},
		"data": {"discussion_id": "d-1", "parent": {"id": "p-1"}},
		"authors": [{"id": "bot-1", "type": "bot"}]
	}`

	ev, err := Verify([]byte(payload))
	require.NoError(t, err, "bot filtering is the router's job, not the verifier's")
	assert.Equal(t, types.AuthorBot, ev.Comment.AuthorKind)
}

func TestVerifyRecognizedButUnhandledKind(t *testing.T) {
	ev, err := Verify([]byte(`{"type": "comment.deleted", "entity": {"id": "c-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindCommentDeleted, ev.Kind)
	assert.Nil(t, ev.Comment)
}

func TestVerifyMalformedPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"missing type", `{"entity": {"id": "c-1"}}`},
		{"unknown kind", `{"type": "page.locked"}`},
		{"missing entity id", `{"type": "comment.created", "authors": [{"id": "u-1", "type": "person"}]}`},
		{"missing authors", `{"type": "comment.created", "entity": {"id": "c-1"}}`},
		{"unknown author kind", `{"type": "comment.created", "entity": {"id": "c-1"}, "authors": [{"id": "u-1", "type": "webhook"}]}`},
		{"missing parent id", `{"type": "comment.created", "entity": {"id": "c-1"}, "authors": [{"id": "u-1", "type": "person"}], "data": {"discussion_id": "d-1"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify([]byte(tt.payload))
			require.Error(t, err)

			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "expected *ValidationError, got %T", err)
		})
	}
}

func TestFromComment(t *testing.T) {
	c := &types.Comment{ID: "c-1", DiscussionID: "d-1", AuthorKind: types.AuthorHuman, PlainText: "hi"}

	ev := FromComment(c, types.ClassificationNew)
	assert.Equal(t, KindCommentCreated, ev.Kind)
	assert.Equal(t, SourcePoll, ev.Source)
	assert.Same(t, c, ev.Comment)

	ev = FromComment(c, types.ClassificationUpdated)
	assert.Equal(t, KindCommentUpdated, ev.Kind)
}
