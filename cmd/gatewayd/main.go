package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/appforge/appforge-gateway/internal/audit"
	auditsqlite "github.com/appforge/appforge-gateway/internal/audit/sqlite"
	"github.com/appforge/appforge-gateway/internal/auth"
	"github.com/appforge/appforge-gateway/internal/config"
	"github.com/appforge/appforge-gateway/internal/engine"
	"github.com/appforge/appforge-gateway/internal/engine/loopback"
	"github.com/appforge/appforge-gateway/internal/health"
	"github.com/appforge/appforge-gateway/internal/hooks"
	"github.com/appforge/appforge-gateway/internal/httpserver"
	"github.com/appforge/appforge-gateway/internal/ledger"
	ledgerasync "github.com/appforge/appforge-gateway/internal/ledger/async"
	ledgerpg "github.com/appforge/appforge-gateway/internal/ledger/postgres"
	ledgersqlite "github.com/appforge/appforge-gateway/internal/ledger/sqlite"
	"github.com/appforge/appforge-gateway/internal/logging"
	"github.com/appforge/appforge-gateway/internal/metrics"
	"github.com/appforge/appforge-gateway/internal/quota"
	"github.com/appforge/appforge-gateway/internal/tenant"
	tenantsqlite "github.com/appforge/appforge-gateway/internal/tenant/sqlite"
	"github.com/appforge/appforge-gateway/internal/version"
)

func main() {
	cfg, err := config.LoadGatewayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Initialize rotating file logging (default enabled when log_file provided)
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	logTarget := strings.TrimSpace(cfg.LogFileDaemon)
	if logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[gatewayd] ")
		defer rot.Close()
	}

	log.Printf("appforge gateway %s starting (env %s)", version.FullInfo(), cfg.Environment)

	tenantStore, err := tenantsqlite.New(cfg.TenantPath)
	if err != nil {
		log.Fatalf("open tenant store: %v", err)
	}
	defer tenantStore.Close()

	ledgerStore, err := openLedger(cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer ledgerStore.Close()

	auditRecorder, err := auditsqlite.New(cfg.AuditPath)
	if err != nil {
		log.Fatalf("open audit log: %v", err)
	}
	defer auditRecorder.Close()

	var authManager *auth.Manager
	if !cfg.AuthDisabled {
		authManager = auth.NewManager(cfg.AuthSecret)
	} else {
		log.Printf("authorization disabled: streams run under asserted org/workspace ids")
	}
	resolver := tenant.NewResolver(tenantStore, authManager, cfg.AuthDisabled)

	usage := buildQuotaManager(cfg)
	if usage.IsEnabled() {
		log.Printf("quota enforcement enabled window=%s requests=%d tokens=%d", cfg.QuotaWindow, cfg.QuotaRequests, cfg.QuotaTokens)
	}

	var hookDispatcher *hooks.Dispatcher
	if handler := cfg.Hooks.BuildScriptHandler(); handler != nil {
		hookDispatcher = &hooks.Dispatcher{}
		hookDispatcher.Register(handler)
		log.Printf("hooks dispatcher enabled script=%s", cfg.Hooks.ScriptPath)
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		log.Fatalf("init engine: %v", err)
	}
	log.Printf("engine ready: %s (turn timeout %s)", cfg.EngineName, cfg.EngineTimeout)

	collector := metrics.NewCollector()
	checker := health.New(0, 0)
	registerProbes(checker, tenantStore, ledgerStore, auditRecorder)

	httpSrv, err := httpserver.New(httpserver.Options{
		Resolver:      resolver,
		Engine:        eng,
		Usage:         usage,
		Audit:         auditRecorder,
		Ledger:        ledgerStore,
		Hooks:         hookDispatcher,
		Metrics:       collector,
		Health:        checker,
		Logger:        log.New(log.Writer(), "[gatewayd/http] ", log.LstdFlags|log.Lmicroseconds),
		LogLevel:      cfg.LogLevel,
		EngineTimeout: cfg.EngineTimeout,
		WSReadLimit:   cfg.WSReadLimit,
	})
	if err != nil {
		log.Fatalf("init http server: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTPAddr, cfg.HTTPPort)
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: streams stay open as long as the engine runs;
		// the per-stream engine timeout bounds them instead.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("gateway server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// openLedger picks the backend from config: postgres when a DSN is set,
// sqlite otherwise, optionally wrapped in the async batching writer.
func openLedger(cfg config.GatewayConfig) (ledger.Store, error) {
	var (
		store ledger.Store
		err   error
	)
	if dsn := strings.TrimSpace(cfg.LedgerDSN); dsn != "" {
		store, err = ledgerpg.New(dsn, cfg.LedgerMaxOpenConns, cfg.LedgerMaxIdleConns, cfg.LedgerConnLifetimeMins, cfg.LedgerConnIdleMins)
	} else {
		store, err = ledgersqlite.New(cfg.LedgerPath)
	}
	if err != nil {
		return nil, err
	}
	if cfg.LedgerAsync {
		store = ledgerasync.New(store, ledgerasync.Config{Logger: log.Default()})
		log.Printf("ledger: async batching enabled")
	}
	return store, nil
}

func buildQuotaManager(cfg config.GatewayConfig) *quota.Manager {
	defaults := quota.Limits{Requests: cfg.QuotaRequests, Tokens: cfg.QuotaTokens}
	var orgOverrides map[string]quota.Limits
	if path := strings.TrimSpace(cfg.QuotaOverridesFile); path != "" {
		overrides, err := quota.LoadOverrides(path)
		if err != nil {
			log.Fatalf("load quota overrides: %v", err)
		}
		if overrides.Defaults.Requests > 0 {
			defaults.Requests = overrides.Defaults.Requests
		}
		if overrides.Defaults.Tokens > 0 {
			defaults.Tokens = overrides.Defaults.Tokens
		}
		orgOverrides = overrides.Orgs
		log.Printf("quota overrides loaded from %s (%d orgs)", path, len(orgOverrides))
	}
	return quota.NewManager(cfg.QuotaEnabled, cfg.QuotaWindow, defaults, orgOverrides)
}

func buildEngine(cfg config.GatewayConfig) (engine.Engine, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.EngineName))
	switch name {
	case "", "loopback":
		engine.SetDefaultFactory(func() (engine.Engine, error) {
			return loopback.New(), nil
		})
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.EngineName)
	}
	return engine.Default()
}

func registerProbes(checker *health.Checker, tenants tenant.Store, ledgers ledger.Store, audits audit.Recorder) {
	checker.Register("tenant_db", "database", true, func(ctx context.Context) error {
		_, err := tenants.WorkspaceInOrg(ctx, "__health__", "__health__")
		return err
	})
	checker.Register("ledger_db", "database", true, func(ctx context.Context) error {
		_, err := ledgers.Summary(ctx, "__health__")
		return err
	})
	checker.Register("audit_db", "database", false, func(ctx context.Context) error {
		_, err := audits.ListRecent(ctx, "__health__", 1)
		return err
	})
}
