// Command leadflow runs the lead outreach pipeline: it scans the lead feed,
// registers new contacts and sends one composed message per cycle inside
// the configured work window.
//
// Usage:
//
//	leadflow [--config path/to/config.yaml] [--env path/to/.env]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/config"
	"github.com/snehjoshi/leadflow/internal/pipeline"
	transphttp "github.com/snehjoshi/leadflow/internal/transport/http"
	"github.com/snehjoshi/leadflow/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "leadflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional dotenv file with secrets")
	flag.Parse()

	// ── 1. Load environment and configuration ────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	log := newLogger(cfg.Log)

	// ── 3. Build the pipeline (stores + queue + scanner + sender) ────────────
	p, err := pipeline.New(cfg, log)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	log.Info().
		Str("installation_id", p.InstallationID()).
		Str("data_dir", cfg.Node.DataDir).
		Str("storage", cfg.Storage.Backend).
		Bool("dry_run", cfg.Sender.DryRun).
		Msg("leadflow starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		_ = p.Close()
		return fmt.Errorf("start pipeline: %w", err)
	}

	// ── 4. Register event webhooks ───────────────────────────────────────────
	hooks := webhook.NewManager(p, log)
	for _, w := range cfg.Webhooks {
		events := make([]pipeline.EventType, 0, len(w.Events))
		for _, e := range w.Events {
			events = append(events, pipeline.EventType(e))
		}
		if _, err := hooks.Register(w.URL, w.Secret, events); err != nil {
			hooks.Close()
			_ = p.Close()
			return fmt.Errorf("register webhook: %w", err)
		}
	}

	// ── 5. Start the operator status server ──────────────────────────────────
	var srv *transphttp.Server
	serveErr := make(chan error, 1)
	if cfg.Metrics.Enabled {
		srv = transphttp.New(p, cfg.Metrics, p.Metrics(), log)
		addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
		go func() {
			log.Info().Str("addr", addr).Msg("status server listening")
			if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
				return
			}
			serveErr <- nil
		}()
	}

	// ── 6. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("status server: %w", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warn().Err(err).Msg("status server shutdown error")
		}
	}
	hooks.Close()
	if err := p.Close(); err != nil {
		log.Warn().Err(err).Msg("pipeline close error")
	}

	log.Info().Msg("leadflow stopped")
	return runErr
}

// newLogger builds the root logger. Pretty selects the human-readable
// console writer; otherwise output is JSON lines on stdout.
func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(level).With().Timestamp().Str("service", "leadflow").Logger()
}
