// Package ai sends assembled thread context to the generation backend and
// returns the reply text plus token usage.
package ai

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/replyworks/notibot/internal/types"
)

// DefaultModel is the model used when none is configured. The env var
// NOTIBOT_MODEL overrides both.
const DefaultModel = "claude-3-5-haiku-20241022"

const systemPrompt = `You are an AI assistant that replies to comments in a shared workspace.
Analyze the discussion thread and the page context, then answer the latest comment.
Be helpful, concise, and professional. Reply with plain text only.`

// Generator is the invocation surface the pipeline depends on.
// Implementations must return a UsageRecord on every successful call, even
// when the reply text is empty, so usage accounting is never lost.
type Generator interface {
	Generate(ctx context.Context, tc *types.ThreadContext) (string, *types.UsageRecord, error)
}

// Config holds generation backend configuration
type Config struct {
	APIKey        string        // Anthropic API key (if empty, reads ANTHROPIC_API_KEY)
	Model         string        // Model to use (default: DefaultModel)
	Temperature   float64       // Sampling temperature (default: 0.9)
	MaxTokens     int64         // Reply token cap (default: 1024)
	Timeout       time.Duration // Per-invocation deadline (default: 60s)
	MaxConcurrent int64         // Concurrent invocation cap (default: 3, 0 = unlimited)
}

// DefaultConfig returns the default generation configuration
func DefaultConfig() Config {
	return Config{
		Model:         DefaultModel,
		Temperature:   0.9,
		MaxTokens:     1024,
		Timeout:       60 * time.Second,
		MaxConcurrent: 3,
	}
}

// Client invokes the Anthropic Messages API
type Client struct {
	client      *anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
	timeout     time.Duration
	sem         *semaphore.Weighted
	log         *zap.Logger
}

var _ Generator = (*Client)(nil)

// NewClient creates a generation client
func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	if env := os.Getenv("NOTIBOT_MODEL"); env != "" {
		model = env
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	var sem *semaphore.Weighted
	if cfg.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}

	if log == nil {
		log = zap.NewNop()
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	return &Client{
		client:      &client,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		sem:         sem,
		log:         log,
	}, nil
}

// Generate sends the thread context to the backend under a bounded timeout
// and returns the reply plus a usage record. The client never retries;
// the pipeline owns the single same-input retry after a timeout, so a
// retry can never be doubled across layers.
//
// Failures are classified: ErrTimeout (deadline exceeded), ErrRateLimited
// (backend asked us to back off), or *ProviderError (everything else).
func (c *Client) Generate(ctx context.Context, tc *types.ThreadContext) (string, *types.UsageRecord, error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return "", nil, fmt.Errorf("failed to acquire invocation slot: %w", err)
		}
		defer c.sem.Release(1)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(tc))),
		},
	})
	latency := time.Since(start)

	if err != nil {
		classified := classifyInvocationError(err)
		c.log.Warn("generation failed",
			zap.String("discussion_id", tc.DiscussionID),
			zap.String("comment_id", tc.Target.ID),
			zap.Duration("latency", latency),
			zap.Error(classified))
		return "", nil, classified
	}

	var reply strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}

	usage := &types.UsageRecord{
		ID:           uuid.New().String(),
		CommentID:    tc.Target.ID,
		Model:        c.model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Latency:      latency,
		Outcome:      types.OutcomeSuccess,
		CreatedAt:    time.Now().UTC(),
	}

	c.log.Info("generation succeeded",
		zap.String("comment_id", tc.Target.ID),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Duration("latency", latency))

	return reply.String(), usage, nil
}

// BuildPrompt renders the thread context into a single user prompt:
// page excerpt first, then the thread oldest-first, then the target
// comment to answer.
func BuildPrompt(tc *types.ThreadContext) string {
	var b strings.Builder

	if tc.PageExcerpt != "" {
		b.WriteString("Page context:\n")
		b.WriteString(tc.PageExcerpt)
		b.WriteString("\n\n")
	}

	if len(tc.Comments) > 0 {
		b.WriteString("Discussion thread:\n")
		for _, c := range tc.Comments {
			role := "User"
			if c.AuthorKind == types.AuthorBot {
				role = "Assistant"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, c.PlainText)
		}
		b.WriteString("\n")
	}

	b.WriteString("Reply to this comment:\n")
	b.WriteString(tc.Target.PlainText)
	return b.String()
}
