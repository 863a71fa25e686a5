// Package events defines the event types that flow through the pipeline
// and the verifier that normalizes raw webhook payloads into them.
package events

import (
	"github.com/google/uuid"

	"github.com/replyworks/notibot/internal/types"
)

// Kind identifies what happened on the platform
type Kind string

const (
	// KindChallenge is the platform handshake confirming endpoint ownership
	KindChallenge Kind = "challenge"
	// KindCommentCreated indicates a comment was created
	KindCommentCreated Kind = "comment.created"
	// KindCommentUpdated indicates a comment's content was edited
	KindCommentUpdated Kind = "comment.updated"
	// KindCommentDeleted indicates a comment was removed. Recognized and
	// acknowledged, but not processed.
	KindCommentDeleted Kind = "comment.deleted"
)

// IsValid checks if the kind is one the verifier recognizes
func (k Kind) IsValid() bool {
	switch k {
	case KindChallenge, KindCommentCreated, KindCommentUpdated, KindCommentDeleted:
		return true
	}
	return false
}

// Source records which channel delivered the event
type Source string

const (
	// SourceWebhook means the platform pushed the event live
	SourceWebhook Source = "webhook"
	// SourcePoll means the poller synthesized the event from a fetch
	SourcePoll Source = "poll"
)

// Event is one verified occurrence traversing the pipeline. Events are
// ephemeral; they exist only for the duration of one traversal.
type Event struct {
	Kind          Kind
	Source        Source
	CorrelationID string
	// Challenge carries the handshake token for KindChallenge events
	Challenge string
	// Comment is the triggering comment for comment events. Webhook
	// events carry only the identifiers the payload provides; the
	// collector fetches the full content.
	Comment *types.Comment
}

// NewChallenge builds a handshake event
func NewChallenge(token string) *Event {
	return &Event{
		Kind:          KindChallenge,
		Source:        SourceWebhook,
		CorrelationID: uuid.New().String(),
		Challenge:     token,
	}
}

// FromComment synthesizes a comment event from a polled comment and its
// classification. Used by the poller; webhook events come from Verify.
func FromComment(c *types.Comment, cls types.Classification) *Event {
	kind := KindCommentCreated
	if cls == types.ClassificationUpdated {
		kind = KindCommentUpdated
	}
	return &Event{
		Kind:          kind,
		Source:        SourcePoll,
		CorrelationID: uuid.New().String(),
		Comment:       c,
	}
}
