// Package platform talks to the collaboration platform's comment API.
// The Client interface is the seam the rest of the pipeline depends on;
// the HTTP implementation speaks the Notion-style wire format.
package platform

import (
	"context"

	"github.com/replyworks/notibot/internal/types"
)

// Client is the comment-platform surface consumed by the poller and the
// pipeline. Implementations must be safe for concurrent use.
type Client interface {
	// ListComments fetches all comments attached to a page or block,
	// in the platform's fetch order.
	ListComments(ctx context.Context, parentID string) ([]types.Comment, error)

	// CreateReply posts a reply into an existing discussion thread and
	// returns the created comment.
	CreateReply(ctx context.Context, discussionID, text string) (*types.Comment, error)

	// PageExcerpt returns a plain-text snippet of the page content for
	// prompt context. An empty string is a valid result.
	PageExcerpt(ctx context.Context, pageID string) (string, error)

	// WithToken returns a client that authenticates with the given
	// user token, sharing the underlying transport and rate limiter.
	WithToken(token string) Client
}

// VerifyChallenge echoes a platform handshake token. The platform confirms
// endpoint ownership by checking the echo is verbatim.
func VerifyChallenge(token string) string {
	return token
}
