// Package app wires the MEW gateway runtime: config, logging, HTTP routes,
// the capability/proposal/audit pipeline, and the WebSocket connection
// manager for a single space.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rjcorwin/mew-gateway/internal/audit"
	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/gateway"
	"github.com/rjcorwin/mew-gateway/internal/invite"
	"github.com/rjcorwin/mew-gateway/internal/metrics"
	"github.com/rjcorwin/mew-gateway/internal/proposal"
	secpassword "github.com/rjcorwin/mew-gateway/internal/secpassword"
	"github.com/rjcorwin/mew-gateway/internal/spaceconfig"
)

// App is the gateway runtime: it owns HTTP server wiring and the per-space
// connection manager.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	auditor *audit.Writer
	cm      *gateway.ConnectionManager
	metrics *metrics.Metrics
	reg     *prometheus.Registry

	loaderCancel context.CancelFunc
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	spaceCfg, err := spaceconfig.Load(cfg.SpaceConfigPath)
	if err != nil {
		return nil, fmt.Errorf("app: load space config: %w", err)
	}

	hashPol, err := secpassword.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("app: token hash policy: %w", err)
	}
	authn := spaceconfig.NewAuthenticator(spaceCfg, hashPol)

	var dbPool *pgxpool.Pool
	var dbEnabled bool
	var loaderCancel context.CancelFunc

	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(context.Background(), cfg)
		if err != nil {
			return nil, fmt.Errorf("app: connect database: %w", err)
		}
		dbPool = pool
		dbEnabled = true

		loader := spaceconfig.NewDynamicLoader(dbPool, spaceCfg.SpaceID, authn, log)
		loaderCtx, cancel := context.WithCancel(context.Background())
		loaderCancel = cancel

		if spaceCfg.ParticipantsSource == "postgres" {
			if err := loader.Poll(loaderCtx); err != nil {
				log.Error("spaceconfig.postgres.initial_poll.fail", "err", err)
			}
			go loader.Run(loaderCtx, cfg.ParticipantsPollInt)
		}
	}

	auditor, err := audit.NewWriter(cfg.AuditDir, cfg.AuditRotateMaxMiB, log)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, fmt.Errorf("app: open audit writer: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	registry := capability.NewRegistry()
	tracker, err := proposal.NewTracker(0, 0)
	if err != nil {
		return nil, fmt.Errorf("app: build proposal tracker: %w", err)
	}

	// A process hosts exactly one space today, but membership lives behind
	// SpaceRegistry so a future multi-space deployment only needs to route
	// /ws?space= to a different handle instead of restructuring this layer.
	spaces := gateway.NewSpaceRegistry(log)
	space := spaces.GetOrCreateSpace(spaceCfg.SpaceID)
	router := gateway.NewRouter(space, registry, tracker, auditor, m)

	var inviteMgr invite.Manager
	if inviteCfg, err := invite.LoadConfigFromEnv(); err == nil {
		inviteMgr, err = invite.NewPasetoV4PublicManager(inviteCfg)
		if err != nil {
			return nil, fmt.Errorf("app: build invite manager: %w", err)
		}
	} else {
		log.Info("invite.disabled", "reason", err.Error())
	}

	cm := gateway.NewConnectionManager(
		log,
		spaceCfg.SpaceID,
		space,
		authn,
		inviteMgr,
		registry,
		tracker,
		router,
		m,
		auditor,
		cfg.HeartbeatInterval,
		cfg.SendQueueSize,
		cfg.MaxFrameBytes,
	)

	return &App{
		cfg:          cfg,
		log:          log,
		dbPool:       dbPool,
		dbEnabled:    dbEnabled,
		auditor:      auditor,
		cm:           cm,
		metrics:      m,
		reg:          reg,
		loaderCancel: loaderCancel,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.cm, a.reg)

	handler := WithSecurityHeaders(WithCORS(mux, a.cfg, a.log))

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(handler, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.loaderCancel != nil {
		a.loaderCancel()
	}
	if err := a.auditor.Close(); err != nil {
		a.log.Error("audit.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
