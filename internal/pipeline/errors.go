package pipeline

import (
	"errors"
	"fmt"

	"github.com/replyworks/notibot/internal/ai"
	"github.com/replyworks/notibot/internal/events"
)

// CredentialMissing reports that no platform credential exists for the
// acting user. Terminal for the event: it indicates a setup problem, not a
// transient failure, so it is logged and never retried.
type CredentialMissing struct {
	UserID string
}

func (e *CredentialMissing) Error() string {
	return fmt.Sprintf("no credential found for user %s", e.UserID)
}

// PlatformWriteError reports that posting the reply failed after generation
// succeeded. The fingerprint stays unprocessed with the generated text
// flagged for retry, so a later cycle completes the post without invoking
// generation again.
type PlatformWriteError struct {
	DiscussionID string
	Err          error
}

func (e *PlatformWriteError) Error() string {
	return fmt.Sprintf("failed to post reply in discussion %s: %v", e.DiscussionID, e.Err)
}

func (e *PlatformWriteError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether a routing failure cannot succeed on a later
// attempt with the same input. Missing credentials, rejected payloads, and
// backend refusals are terminal; network trouble and timeouts are not.
func IsTerminal(err error) bool {
	var cm *CredentialMissing
	if errors.As(err, &cm) {
		return true
	}
	var ve *events.ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var pe *ai.ProviderError
	return errors.As(err, &pe)
}
