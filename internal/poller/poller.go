// Package poller periodically fetches comments for the configured pages,
// classifies them, and forwards new or updated ones through the pipeline.
// Polling is the catch-up path for webhook deliveries that never arrived
// and the delivery path for flagged retries.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/replyworks/notibot/internal/events"
	"github.com/replyworks/notibot/internal/fingerprint"
	"github.com/replyworks/notibot/internal/pipeline"
	"github.com/replyworks/notibot/internal/platform"
	"github.com/replyworks/notibot/internal/types"
)

// ErrCycleInFlight means a poll cycle is already running. Ticks and manual
// triggers that hit an in-flight cycle are skipped, never queued.
var ErrCycleInFlight = errors.New("poll cycle already in flight")

// DefaultInterval is the scheduler period when none is configured
const DefaultInterval = 60 * time.Second

// Stats summarizes one poll cycle
type Stats struct {
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	// Skipped counts bot-authored comments, which are never processed
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	// Retried counts flagged retries that settled this cycle
	Retried int `json:"retried"`
}

type state int

const (
	stateIdle state = iota
	stateRunning
)

// Poller owns the scheduled fetch-classify-forward loop. The scheduler is
// a two-state machine: Start moves Idle to Running and is a warning no-op
// while Running; Stop moves Running to Idle and waits for any in-flight
// cycle, so no fingerprint write is abandoned mid-cycle.
type Poller struct {
	platform     platform.Client
	fingerprints *fingerprint.Store
	pipe         *pipeline.Pipeline
	pageIDs      []string
	interval     time.Duration
	log          *zap.Logger

	inFlight atomic.Bool

	mu     sync.Mutex
	state  state
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a poller over the service-level platform client. interval <= 0
// selects DefaultInterval.
func New(pc platform.Client, fps *fingerprint.Store, pipe *pipeline.Pipeline, pageIDs []string, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		platform:     pc,
		fingerprints: fps,
		pipe:         pipe,
		pageIDs:      pageIDs,
		interval:     interval,
		log:          log,
	}
}

// RunOnce executes one poll cycle synchronously. At most one cycle runs at
// a time across the scheduler and manual triggers; a second caller gets
// ErrCycleInFlight immediately.
func (p *Poller) RunOnce(ctx context.Context) (*Stats, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return nil, ErrCycleInFlight
	}
	defer p.inFlight.Store(false)
	return p.cycle(ctx)
}

func (p *Poller) cycle(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	// Settle flagged retries first so stored replies post before any new
	// traffic for the same discussions.
	retried, err := p.pipe.RetryPending(ctx)
	if err != nil {
		p.log.Warn("retry sweep failed", zap.Error(err))
	}
	stats.Retried = retried

	for _, pageID := range p.pageIDs {
		comments, err := p.platform.ListComments(ctx, pageID)
		if err != nil {
			// Transient fetch trouble ends the cycle; the scheduler
			// survives and the next tick tries again.
			return stats, fmt.Errorf("poll page %s: %w", pageID, err)
		}

		for i := range comments {
			c := &comments[i]

			if err := c.Validate(); err != nil {
				stats.Failed++
				p.log.Warn("malformed comment in listing",
					zap.String("comment_id", c.ID),
					zap.Error(err))
				continue
			}

			// Every comment is classified, bot replies included; the
			// router's filter decides what gets processed. Keeping
			// classification unconditional makes the counts observable.
			cls, _, err := p.fingerprints.Classify(ctx, c)
			if err != nil {
				stats.Failed++
				p.log.Warn("classification failed",
					zap.String("comment_id", c.ID),
					zap.Error(err))
				continue
			}
			if cls == types.ClassificationUnchanged {
				stats.Unchanged++
				continue
			}

			action, err := p.pipe.Route(ctx, events.FromComment(c, cls))
			if err != nil {
				stats.Failed++
				p.log.Warn("pipeline failed for polled comment",
					zap.String("comment_id", c.ID),
					zap.String("classification", string(cls)),
					zap.Error(err))
				// The hash is already persisted, so without a retry flag
				// every later cycle would classify this comment unchanged
				// and its reply would never be attempted again. Post
				// failures flag themselves with the generated text.
				var pwe *pipeline.PlatformWriteError
				if !pipeline.IsTerminal(err) && !errors.As(err, &pwe) {
					if ferr := p.fingerprints.FlagRetry(ctx, c.ID, ""); ferr != nil {
						p.log.Warn("failed to flag polled comment for retry",
							zap.String("comment_id", c.ID),
							zap.Error(ferr))
					}
				}
				continue
			}
			if action == pipeline.ActionSkippedBot {
				stats.Skipped++
				continue
			}

			switch cls {
			case types.ClassificationNew:
				stats.New++
			case types.ClassificationUpdated:
				stats.Updated++
			}
		}
	}

	p.log.Info("poll cycle complete",
		zap.Int("new", stats.New),
		zap.Int("updated", stats.Updated),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Int("retried", stats.Retried))
	return stats, nil
}

// Start launches the scheduler. Starting a running scheduler logs a
// warning and does nothing.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateRunning {
		p.log.Warn("poll scheduler already running")
		return
	}
	p.state = stateRunning
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.loop(p.stopCh)
	p.log.Info("poll scheduler started", zap.Duration("interval", p.interval))
}

// Stop halts the scheduler and blocks until any in-flight cycle finishes.
// Stopping an idle scheduler is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		return
	}
	p.state = stateIdle
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("poll scheduler stopped")
}

// Running reports whether the scheduler is active
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}

func (p *Poller) loop(stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// The cycle runs with its own context so a Stop lets it
			// finish rather than cancelling mid-write.
			if _, err := p.RunOnce(context.Background()); err != nil {
				if errors.Is(err, ErrCycleInFlight) {
					p.log.Debug("tick skipped, cycle in flight")
					continue
				}
				p.log.Warn("poll cycle failed", zap.Error(err))
			}
		}
	}
}
