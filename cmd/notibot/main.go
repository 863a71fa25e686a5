// notibot replies to page comments with AI-generated answers. It listens
// for platform webhook deliveries and polls the configured pages as the
// catch-up path.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/replyworks/notibot/internal/ai"
	"github.com/replyworks/notibot/internal/config"
	"github.com/replyworks/notibot/internal/fingerprint"
	"github.com/replyworks/notibot/internal/pipeline"
	"github.com/replyworks/notibot/internal/platform"
	"github.com/replyworks/notibot/internal/poller"
	"github.com/replyworks/notibot/internal/server"
	"github.com/replyworks/notibot/internal/storage"
	"github.com/replyworks/notibot/internal/storage/postgres"
	"github.com/replyworks/notibot/internal/storage/sqlite"
)

var (
	cfgPath string

	rootCmd = &cobra.Command{
		Use:   "notibot",
		Short: "AI comment assistant for collaboration pages",
		Long: `notibot watches page comments and posts AI-generated replies.

Events arrive two ways: live webhook deliveries on the /events endpoint,
and a scheduled poll of the configured pages that catches anything the
webhook missed. Each comment is answered at most once; edits get a fresh
reply.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "notibot.yaml", "path to the YAML config file")
}

func main() {
	// Secrets usually live in a .env file during development. A missing
	// file is fine; deployments set the environment directly.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return postgres.New(cfg.Storage.DSN)
	default:
		return sqlite.New(cfg.Storage.Path)
	}
}

// app holds the assembled service graph
type app struct {
	db   storage.Storage
	pipe *pipeline.Pipeline
	poll *poller.Poller
	srv  *server.Server
}

func buildApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	db, err := openStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	gen, err := ai.NewClient(ai.Config{
		Model:         cfg.AI.Model,
		Temperature:   cfg.AI.Temperature,
		MaxTokens:     cfg.AI.MaxTokens,
		Timeout:       time.Duration(cfg.AI.TimeoutSeconds) * time.Second,
		MaxConcurrent: cfg.AI.MaxConcurrent,
	}, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create AI client: %w", err)
	}

	pc := platform.NewHTTPClient(cfg.Platform.BaseURL, cfg.Platform.Token, cfg.Platform.RequestsPerSecond, log)
	fps := fingerprint.NewStore(db, log)
	pipe := pipeline.New(fps, db, pc, gen, cfg.AI.Model, cfg.Context.CharBudget, log)
	poll := poller.New(pc, fps, pipe, cfg.Platform.PageIDs,
		time.Duration(cfg.Poller.IntervalSeconds)*time.Second, log)
	srv := server.New(pipe, poll, db, cfg.AI.Model, log)

	return &app{db: db, pipe: pipe, poll: poll, srv: srv}, nil
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("NOTIBOT_DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
