// Package server is the HTTP front door: the webhook endpoint the platform
// delivers events to, the manual poll trigger, and a small status surface.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/replyworks/notibot/internal/events"
	"github.com/replyworks/notibot/internal/pipeline"
	"github.com/replyworks/notibot/internal/platform"
	"github.com/replyworks/notibot/internal/poller"
	"github.com/replyworks/notibot/internal/storage"
)

// Server wires the pipeline and poller behind HTTP routes
type Server struct {
	router *gin.Engine
	pipe   *pipeline.Pipeline
	poll   *poller.Poller
	db     storage.Storage
	model  string
	start  time.Time
	log    *zap.Logger

	httpSrv *http.Server
}

// New builds the server and its routes
func New(pipe *pipeline.Pipeline, poll *poller.Poller, db storage.Storage, model string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router: gin.New(),
		pipe:   pipe,
		poll:   poll,
		db:     db,
		model:  model,
		start:  time.Now().UTC(),
		log:    log,
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	s.router.GET("/", s.handleStatus)
	s.router.POST("/events", s.handleEvents)
	s.router.POST("/poll", s.handlePoll)
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine { return s.router }

// handleEvents handles POST /events: the platform's webhook deliveries.
//
// Handshake deliveries echo the verification token verbatim. Malformed
// payloads get 400 and are never retried on our side. Terminal per-event
// failures (missing credential) are acknowledged with an error status so
// the platform does not redeliver something that cannot succeed; transient
// failures return 500 so redelivery gets another chance.
func (s *Server) handleEvents(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	ev, err := events.Verify(body)
	if err != nil {
		var ve *events.ValidationError
		if errors.As(err, &ve) {
			s.log.Warn("rejected malformed event", zap.Error(ve))
			c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if ev.Kind == events.KindChallenge {
		s.log.Info("answered verification challenge")
		c.JSON(http.StatusOK, gin.H{"verification_token": platform.VerifyChallenge(ev.Challenge)})
		return
	}

	action, err := s.pipe.Route(c.Request.Context(), ev)
	if err != nil {
		var cm *pipeline.CredentialMissing
		if errors.As(err, &cm) {
			c.JSON(http.StatusOK, gin.H{"status": "error", "message": "no credential for user"})
			return
		}
		s.log.Error("event processing failed",
			zap.String("correlation_id", ev.CorrelationID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "action": string(action)})
}

// handlePoll handles POST /poll: one synchronous poll cycle
func (s *Server) handlePoll(c *gin.Context) {
	stats, err := s.poll.RunOnce(c.Request.Context())
	if err != nil {
		if errors.Is(err, poller.ErrCycleInFlight) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.log.Error("manual poll cycle failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "partial": stats})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleStatus handles GET /: a human-readable service summary
func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	total, processed, err := s.db.CountFingerprints(ctx)
	if err != nil {
		s.log.Error("failed to count fingerprints", zap.Error(err))
	}
	creds, err := s.db.CountCredentials(ctx)
	if err != nil {
		s.log.Error("failed to count credentials", zap.Error(err))
	}
	usage, err := s.db.UsageTotals(ctx)
	if err != nil {
		s.log.Error("failed to read usage totals", zap.Error(err))
		usage = &storage.UsageTotals{}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "running",
		"model":     s.model,
		"scheduler": s.poll.Running(),
		"uptime":    time.Since(s.start).Round(time.Second).String(),
		"fingerprints": gin.H{
			"total":     total,
			"processed": processed,
		},
		"credentials": creds,
		"usage":       usage,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Start begins serving on the given port. Blocks until Shutdown or a
// listener error.
func (s *Server) Start(port string) error {
	s.httpSrv = &http.Server{
		Addr:    ":" + port,
		Handler: s.router,
	}
	s.log.Info("server listening", zap.String("port", port))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
