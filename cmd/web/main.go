// Command web serves the OpenDx API and its HTML presentation: case
// submission over a streaming SSE endpoint, case retrieval and a minimal
// server-rendered UI.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"github.com/donseba/go-htmx"
	"github.com/joho/godotenv"
	"github.com/opendx-health/opendx/internal/auth"
	"github.com/opendx-health/opendx/internal/broker"
	"github.com/opendx-health/opendx/internal/db"
	"github.com/opendx-health/opendx/internal/diagnosis"
	"github.com/opendx-health/opendx/internal/envstruct"
	"github.com/opendx-health/opendx/internal/errors"
	"github.com/opendx-health/opendx/internal/logging"
	"github.com/opendx-health/opendx/internal/repositories"
)

type application struct {
	logger         *slog.Logger
	cases          *repositories.CaseRepository
	engine         *diagnosis.Engine
	verifier       *auth.Verifier
	sessionManager *scs.SessionManager
	htmx           *htmx.HTMX
	streams        *broker.StreamBroker[string, diagnosis.Event]
}

type config struct {
	// Addr is the address the server listens on. Use port 0 to let the OS
	// pick a free one.
	Addr string `env:"OPENDX_ADDR" envDefault:"localhost:4000"`
	// SQLiteURL is the database path or ":memory:".
	SQLiteURL string `env:"OPENDX_SQLITE_URL" envDefault:"./opendx.sqlite"`
	// JWTSecret verifies the identity provider's bearer tokens.
	JWTSecret string `env:"OPENDX_JWT_SECRET" envDefault:"insecure-dev-secret"`
	// OpenAIAPIKey enables the real diagnosis model. When empty a scripted
	// completer answers instead, which keeps local development offline.
	OpenAIAPIKey string `env:"OPENAI_API_KEY" envDefault:""`
}

func main() {
	logger := slog.New(logging.NewContextHandler(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})))

	// Missing .env is fine, the environment may be configured directly.
	_ = godotenv.Load()

	if err := run(context.Background(), logger, os.LookupEnv); err != nil {
		logger.Error("server failed", errors.SlogError(err))
		os.Exit(1)
	}
}

// run wires the application and serves until ctx is cancelled or a signal
// arrives. Tests call it directly with their own environment.
func run(ctx context.Context, logger *slog.Logger, lookupEnv func(string) (string, bool)) error {
	var cfg config
	if err := envstruct.Populate(&cfg, lookupEnv); err != nil {
		return errors.Wrap(err, "parse config")
	}

	dbs, err := db.NewDatabase(ctx, cfg.SQLiteURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer func() {
		if closeErr := dbs.Close(); closeErr != nil {
			logger.LogAttrs(ctx, slog.LevelError, "close database", errors.SlogError(closeErr))
		}
	}()
	logger.LogAttrs(ctx, slog.LevelInfo, "connected to db", slog.String("url", cfg.SQLiteURL))

	sessionManager := scs.New()
	sessionManager.Store = sqlite3store.NewWithCleanupInterval(dbs.ReadWrite.DB, 24*time.Hour)
	sessionManager.Lifetime = 12 * time.Hour

	cases := repositories.NewCaseRepository(dbs, logger)

	var completer diagnosis.Completer
	if cfg.OpenAIAPIKey != "" {
		completer = diagnosis.NewOpenAICompleter(cfg.OpenAIAPIKey)
	} else {
		logger.LogAttrs(ctx, slog.LevelWarn, "no OpenAI API key, using scripted completer")
		completer = diagnosis.ScriptedCompleter{}
	}

	app := application{
		logger:         logger,
		cases:          cases,
		engine:         diagnosis.NewEngine(completer, cases, logger),
		verifier:       auth.NewVerifier(cfg.JWTSecret),
		sessionManager: sessionManager,
		htmx:           htmx.New(),
		streams:        broker.NewStreamBroker[string, diagnosis.Event](),
	}

	return app.configureAndStartServer(ctx, cfg.Addr)
}
