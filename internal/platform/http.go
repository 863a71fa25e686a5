package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/replyworks/notibot/internal/types"
)

const (
	apiVersion = "2022-06-28"

	// maxAttempts bounds retries for transient (5xx / connection) failures.
	// Transient-retry policy lives here, not in the poller.
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// HTTPClient implements Client against the platform's REST API
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a platform client authenticated with the given
// integration token. requestsPerSecond caps outbound calls across all
// clients derived with WithToken.
func NewHTTPClient(baseURL, token string, requestsPerSecond float64, log *zap.Logger) *HTTPClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 3
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		log:     log,
	}
}

// WithToken returns a client using the given user token. The HTTP
// transport and the rate limiter are shared so per-user clients stay cheap
// and the global API budget holds.
func (c *HTTPClient) WithToken(token string) Client {
	clone := *c
	clone.token = token
	return &clone
}

// wire format structs

type richText struct {
	Type      string `json:"type,omitempty"`
	Text      *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
	PlainText string `json:"plain_text,omitempty"`
}

type wireParent struct {
	Type    string `json:"type,omitempty"`
	PageID  string `json:"page_id,omitempty"`
	BlockID string `json:"block_id,omitempty"`
}

type wireUser struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

type wireComment struct {
	ID             string     `json:"id"`
	DiscussionID   string     `json:"discussion_id"`
	Parent         wireParent `json:"parent"`
	CreatedBy      wireUser   `json:"created_by"`
	CreatedTime    time.Time  `json:"created_time"`
	LastEditedTime *time.Time `json:"last_edited_time,omitempty"`
	RichText       []richText `json:"rich_text"`
	WorkspaceID    string     `json:"workspace_id,omitempty"`
}

func (w *wireComment) toComment() types.Comment {
	var text strings.Builder
	for _, rt := range w.RichText {
		if rt.PlainText != "" {
			text.WriteString(rt.PlainText)
		} else if rt.Text != nil {
			text.WriteString(rt.Text.Content)
		}
	}

	kind := types.AuthorKind(w.CreatedBy.Type)
	if !kind.IsValid() {
		// The platform omits the author type on some list responses;
		// treat unknown as human so the router errs on the side of
		// processing. The bot filter still catches flagged bots.
		kind = types.AuthorHuman
	}

	c := types.Comment{
		ID:           w.ID,
		DiscussionID: w.DiscussionID,
		AuthorID:     w.CreatedBy.ID,
		AuthorKind:   kind,
		WorkspaceID:  w.WorkspaceID,
		PlainText:    text.String(),
		CreatedTime:  w.CreatedTime,
		EditedTime:   w.LastEditedTime,
	}
	switch {
	case w.Parent.PageID != "":
		c.ParentKind = types.ParentPage
		c.ParentID = w.Parent.PageID
	case w.Parent.BlockID != "":
		c.ParentKind = types.ParentBlock
		c.ParentID = w.Parent.BlockID
	}
	return c
}

type listResponse struct {
	Results    []wireComment `json:"results"`
	HasMore    bool          `json:"has_more"`
	NextCursor string        `json:"next_cursor"`
}

// ListComments fetches every comment attached to the given page or block,
// following pagination, in fetch order.
func (c *HTTPClient) ListComments(ctx context.Context, parentID string) ([]types.Comment, error) {
	var comments []types.Comment
	cursor := ""

	for {
		endpoint := fmt.Sprintf("%s/v1/comments?block_id=%s&page_size=100", c.baseURL, url.QueryEscape(parentID))
		if cursor != "" {
			endpoint += "&start_cursor=" + url.QueryEscape(cursor)
		}

		var page listResponse
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, fmt.Errorf("failed to list comments for %s: %w", parentID, err)
		}

		for i := range page.Results {
			comments = append(comments, page.Results[i].toComment())
		}
		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return comments, nil
}

// CreateReply posts a reply into the discussion thread
func (c *HTTPClient) CreateReply(ctx context.Context, discussionID, text string) (*types.Comment, error) {
	body := map[string]interface{}{
		"discussion_id": discussionID,
		"rich_text": []map[string]interface{}{
			{"text": map[string]string{"content": text}},
		},
	}

	var created wireComment
	endpoint := c.baseURL + "/v1/comments"
	if err := c.do(ctx, http.MethodPost, endpoint, body, &created); err != nil {
		return nil, fmt.Errorf("failed to create reply in discussion %s: %w", discussionID, err)
	}

	comment := created.toComment()
	return &comment, nil
}

type blockChildren struct {
	Results []struct {
		Type      string `json:"type"`
		Paragraph *struct {
			RichText []richText `json:"rich_text"`
		} `json:"paragraph,omitempty"`
	} `json:"results"`
}

// PageExcerpt fetches the page's paragraph blocks and joins their plain
// text. Used only for prompt context, so a partial excerpt is fine.
func (c *HTTPClient) PageExcerpt(ctx context.Context, pageID string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/blocks/%s/children?page_size=50", c.baseURL, url.PathEscape(pageID))

	var children blockChildren
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &children); err != nil {
		return "", fmt.Errorf("failed to fetch page excerpt for %s: %w", pageID, err)
	}

	var parts []string
	for _, block := range children.Results {
		if block.Paragraph == nil {
			continue
		}
		var text strings.Builder
		for _, rt := range block.Paragraph.RichText {
			if rt.PlainText != "" {
				text.WriteString(rt.PlainText)
			} else if rt.Text != nil {
				text.WriteString(rt.Text.Content)
			}
		}
		if text.Len() > 0 {
			parts = append(parts, text.String())
		}
	}
	return strings.Join(parts, "\n"), nil
}

// do executes one API call with rate limiting and bounded retries on
// transient failures (5xx and connection errors). 4xx responses are
// returned immediately; they will not succeed on retry.
func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Notion-Version", apiVersion)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			data, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
			} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if out == nil {
					return nil
				}
				if err := json.Unmarshal(data, out); err != nil {
					return fmt.Errorf("failed to decode response: %w", err)
				}
				return nil
			} else if resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("server error %d: %s", resp.StatusCode, truncateBody(data))
			} else {
				return fmt.Errorf("api error %d: %s", resp.StatusCode, truncateBody(data))
			}
		}

		if attempt < maxAttempts {
			c.log.Warn("platform request failed, retrying",
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-time.After(retryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

func truncateBody(data []byte) string {
	const limit = 200
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
