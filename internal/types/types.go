package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AuthorKind distinguishes human authors from bot accounts.
// Bot-authored comments are classified like any other comment but are
// filtered by the router so the assistant never replies to itself.
type AuthorKind string

const (
	// AuthorHuman is a person account on the platform
	AuthorHuman AuthorKind = "person"
	// AuthorBot is a bot/integration account
	AuthorBot AuthorKind = "bot"
)

// IsValid checks if the author kind is a known value
func (k AuthorKind) IsValid() bool {
	return k == AuthorHuman || k == AuthorBot
}

// ParentKind identifies what a comment is attached to
type ParentKind string

const (
	// ParentPage means the comment hangs directly off a page
	ParentPage ParentKind = "page"
	// ParentBlock means the comment is anchored to a block within a page
	ParentBlock ParentKind = "block"
)

// Comment is a single observed comment on the collaboration platform
type Comment struct {
	ID           string     `json:"id"`
	DiscussionID string     `json:"discussion_id"`
	ParentKind   ParentKind `json:"parent_kind,omitempty"`
	ParentID     string     `json:"parent_id"`
	AuthorID     string     `json:"author_id"`
	AuthorKind   AuthorKind `json:"author_kind"`
	WorkspaceID  string     `json:"workspace_id,omitempty"`
	PlainText    string     `json:"plain_text"`
	CreatedTime  time.Time  `json:"created_time"`
	EditedTime   *time.Time `json:"edited_time,omitempty"`
}

// ContentHash returns the hash of the comment's plain text content.
// Two Comment records with equal ID and equal ContentHash are the same
// observed state.
func (c *Comment) ContentHash() string {
	return HashContent(c.PlainText)
}

// Validate checks if the comment has the fields the pipeline depends on
func (c *Comment) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("comment id is required")
	}
	if c.DiscussionID == "" {
		return fmt.Errorf("discussion id is required for comment %s", c.ID)
	}
	if !c.AuthorKind.IsValid() {
		return fmt.Errorf("invalid author kind: %q", c.AuthorKind)
	}
	return nil
}

// HashContent computes the content hash used for change detection.
// It is a pure function of the plain text.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Classification is the three-way result of checking a comment against
// its stored fingerprint
type Classification string

const (
	// ClassificationNew means the comment has never been seen before
	ClassificationNew Classification = "new"
	// ClassificationUpdated means the comment was seen before with different content
	ClassificationUpdated Classification = "updated"
	// ClassificationUnchanged means the comment was seen before with identical content
	ClassificationUnchanged Classification = "unchanged"
)

// Fingerprint records the last-seen state of a comment.
// Created on first observation, refreshed when the content hash changes,
// never deleted during normal operation. Only the fingerprint store mutates
// fingerprints; the AI layer never touches them.
type Fingerprint struct {
	CommentID    string    `json:"comment_id"`
	DiscussionID string    `json:"discussion_id"`
	ParentID     string    `json:"parent_id"`
	AuthorID     string    `json:"author_id"`
	ContentHash  string    `json:"content_hash"`
	LastSeen     time.Time `json:"last_seen"`
	Processed    bool      `json:"processed"`

	// NeedsRetry is set when a reply was generated but posting it failed.
	// PendingReply holds the generated text so the retry can post without
	// invoking generation again.
	NeedsRetry   bool   `json:"needs_retry"`
	PendingReply string `json:"pending_reply,omitempty"`
}

// ThreadContext is a bounded, ordered snapshot of a discussion thread
// assembled for one generation call. Built fresh per invocation and never
// persisted.
type ThreadContext struct {
	DiscussionID string
	PageExcerpt  string
	// Comments are ordered oldest-first and trimmed to the collector's
	// character budget
	Comments []Comment
	// Target is the comment that triggered the pipeline
	Target Comment
}

// Outcome is the terminal result of an AI invocation
type Outcome string

const (
	// OutcomeSuccess means the backend returned a reply
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure means the backend failed non-transiently
	OutcomeFailure Outcome = "failure"
	// OutcomeTimeout means the call exceeded its deadline
	OutcomeTimeout Outcome = "timeout"
)

// IsValid checks if the outcome is a known value
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout:
		return true
	}
	return false
}

// UsageRecord captures token usage and latency for one AI invocation.
// Records are appended after the response analyzer decides, never mutated.
type UsageRecord struct {
	ID           string        `json:"id"`
	CommentID    string        `json:"comment_id"`
	Model        string        `json:"model"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	Latency      time.Duration `json:"latency"`
	Outcome      Outcome       `json:"outcome"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Credential holds a user's platform access token and optional AI backend
// key. Issuance and refresh are owned by the subscription service; this
// system only reads credentials.
type Credential struct {
	UserID        string `json:"user_id"`
	WorkspaceID   string `json:"workspace_id"`
	PlatformToken string `json:"platform_token"`
	AIKey         string `json:"ai_key,omitempty"`
}
