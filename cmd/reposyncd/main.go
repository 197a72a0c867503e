package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/R3E-Network/service_layer/internal/app/reposync/changeprocessor"
	"github.com/R3E-Network/service_layer/internal/app/reposync/httpapi"
	"github.com/R3E-Network/service_layer/internal/app/reposync/materializer"
	"github.com/R3E-Network/service_layer/internal/app/reposync/oracleclient"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store/memory"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store/postgres"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store/rediscache"
	"github.com/R3E-Network/service_layer/internal/app/reposync/syncengine"
	"github.com/R3E-Network/service_layer/internal/app/system"
	"github.com/R3E-Network/service_layer/internal/platform/database"
	"github.com/R3E-Network/service_layer/pkg/logger"
)

func main() {
	addr := flag.String("addr", ":8090", "HTTP listen address for the Connection API")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides DATABASE_URL; in-memory storage when empty)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	vcsBaseURL := flag.String("vcs-base-url", "https://api.github.com", "base URL of the hosted VCS REST API")
	period := flag.Duration("period", 5*time.Minute, "how often every connected repository is swept for changes")
	minInterval := flag.Duration("min-interval", 2*time.Minute, "minimum interval between cycles for a single repository")
	workers := flag.Int("workers", 4, "bounded worker pool size for the sweep")
	oracleURL := flag.String("oracle-url", "", "HTTP endpoint of the LLM oracle provider (OpenAI-compatible completions endpoint)")
	flag.Parse()

	log.SetFlags(0)
	appLog := logger.NewDefault("reposyncd")

	rootCtx := context.Background()

	st, db := buildStore(rootCtx, resolveDSN(*dsn), *runMigrations, appLog)
	if db != nil {
		defer db.Close()
	}
	if redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); redisAddr != "" {
		st = rediscache.New(st, redisAddr, appLog)
		appLog.Infof("reposyncd: caching connection records through redis at %s", redisAddr)
	}
	if err := st.Initialize(rootCtx); err != nil {
		log.Fatalf("initialise store: %v", err)
	}

	provider := buildOracleProvider(*oracleURL, appLog)
	oracle := oracleclient.New(provider, appLog)

	mat := materializer.New(st, oracle, *vcsBaseURL, appLog)
	proc := changeprocessor.New(st, oracle, *vcsBaseURL, appLog)
	engine := syncengine.New(st, proc, *vcsBaseURL, appLog).
		WithPeriod(*period).
		WithMinInterval(*minInterval).
		WithWorkers(*workers)

	deps := httpapi.ReposyncDeps{
		Store:         st,
		Materializer:  mat,
		Processor:     proc,
		Engine:        engine,
		VCSBaseURL:    *vcsBaseURL,
		SessionSecret: []byte(strings.TrimSpace(os.Getenv("REPOSYNC_SESSION_SECRET"))),
		WebhookSecret: []byte(strings.TrimSpace(os.Getenv("REPOSYNC_WEBHOOK_SECRET"))),
		Log:           appLog,
	}
	httpSvc := httpapi.NewReposyncService(deps, *addr)

	manager := system.NewManager()
	if err := manager.Register(engine); err != nil {
		log.Fatalf("register sync engine: %v", err)
	}
	if err := manager.Register(httpSvc); err != nil {
		log.Fatalf("register http service: %v", err)
	}

	if err := manager.Start(rootCtx); err != nil {
		log.Fatalf("start reposyncd: %v", err)
	}
	appLog.Infof("reposyncd listening on %s, sweeping every %s", *addr, *period)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func resolveDSN(flagDSN string) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(os.Getenv("DATABASE_URL"))
}

func buildStore(ctx context.Context, dsn string, runMigrations bool, log *logger.Logger) (store.Store, *sql.DB) {
	if dsn == "" {
		log.Warn("reposyncd: no DSN configured, using in-memory connection store")
		return memory.New(""), nil
	}
	db, err := database.Open(ctx, dsn)
	if err != nil {
		log.WithField("error", err).Fatal("reposyncd: connect to postgres")
	}
	if runMigrations {
		if err := postgres.Migrate(db); err != nil {
			log.WithField("error", err).Fatal("reposyncd: apply migrations")
		}
	}
	return postgres.New(db), db
}

// buildOracleProvider returns an HTTP-backed oracleclient.Provider talking
// to an OpenAI-compatible chat-completions endpoint. With no URL configured
// it falls back to a provider that fails every call, so each analysis takes
// the oracle client's degraded path instead of the daemon failing to start.
func buildOracleProvider(url string, log *logger.Logger) oracleclient.Provider {
	url = strings.TrimSpace(url)
	if url == "" {
		log.Warn("reposyncd: no oracle-url configured, every analysis will use the degraded fallback skeleton")
		return disabledOracleProvider{}
	}
	return &httpOracleProvider{
		endpoint: url,
		apiKey:   strings.TrimSpace(os.Getenv("ORACLE_API_KEY")),
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type disabledOracleProvider struct{}

func (disabledOracleProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("oracle provider is not configured")
}
