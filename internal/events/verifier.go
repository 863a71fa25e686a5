package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/replyworks/notibot/internal/types"
)

// ValidationError reports a malformed event payload. Payloads that fail
// validation are dropped and never retried; the sender gets a client error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event payload: %s (%s)", e.Reason, e.Field)
}

// webhookPayload is the platform's webhook wire format
type webhookPayload struct {
	VerificationToken string `json:"verification_token,omitempty"`
	Type              string `json:"type,omitempty"`
	WorkspaceID       string `json:"workspace_id,omitempty"`
	Entity            struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"entity"`
	Data struct {
		DiscussionID string `json:"discussion_id"`
		Parent       struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"parent"`
	} `json:"data"`
	Authors []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"authors"`
}

// Verify validates a raw webhook payload and normalizes it into an Event.
// Verification is pure: it performs no I/O and has no side effects.
//
// A payload carrying a verification_token becomes a Challenge event, which
// short-circuits the rest of the pipeline (the handler echoes the token).
// Malformed payloads fail with *ValidationError.
func Verify(payload []byte) (*Event, error) {
	var raw webhookPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &ValidationError{Field: "body", Reason: "not valid JSON"}
	}

	// Platform handshake takes precedence over everything else
	if raw.VerificationToken != "" {
		return NewChallenge(raw.VerificationToken), nil
	}

	if raw.Type == "" {
		return nil, &ValidationError{Field: "type", Reason: "missing event type"}
	}
	kind := Kind(raw.Type)
	if !kind.IsValid() {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event kind %q", raw.Type)}
	}

	if kind != KindCommentCreated && kind != KindCommentUpdated {
		// Recognized but unhandled kinds (e.g. comment.deleted) still
		// normalize so the router can acknowledge them.
		return &Event{
			Kind:          kind,
			Source:        SourceWebhook,
			CorrelationID: uuid.New().String(),
		}, nil
	}

	if raw.Entity.ID == "" {
		return nil, &ValidationError{Field: "entity.id", Reason: "missing comment identifier"}
	}
	if len(raw.Authors) == 0 || raw.Authors[0].ID == "" {
		return nil, &ValidationError{Field: "authors", Reason: "missing author information"}
	}

	authorKind := types.AuthorKind(raw.Authors[0].Type)
	if !authorKind.IsValid() {
		return nil, &ValidationError{Field: "authors[0].type", Reason: fmt.Sprintf("unknown author kind %q", raw.Authors[0].Type)}
	}
	// The collector lists the parent to fetch the comment's content; a
	// payload without it would only fail later with an opaque fetch error.
	if raw.Data.Parent.ID == "" {
		return nil, &ValidationError{Field: "data.parent.id", Reason: "missing parent identifier"}
	}

	// Webhook payloads carry identifiers only; the collector fetches the
	// comment content before classification.
	comment := &types.Comment{
		ID:           raw.Entity.ID,
		DiscussionID: raw.Data.DiscussionID,
		ParentID:     raw.Data.Parent.ID,
		AuthorID:     raw.Authors[0].ID,
		AuthorKind:   authorKind,
		WorkspaceID:  raw.WorkspaceID,
	}
	if raw.Data.Parent.Type != "" {
		comment.ParentKind = types.ParentKind(raw.Data.Parent.Type)
	}

	return &Event{
		Kind:          kind,
		Source:        SourceWebhook,
		CorrelationID: uuid.New().String(),
		Comment:       comment,
	}, nil
}
