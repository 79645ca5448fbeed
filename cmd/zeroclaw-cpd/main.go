// Command zeroclaw-cpd is the control plane daemon: it opens the registry,
// loads the secret key, runs the initial synchronous reconciliation, then
// starts the Supervisor Loop, Delivery Worker pool, and HTTP surface.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/PSEUDONYM97/zeroclaw/internal/config"
	"github.com/PSEUDONYM97/zeroclaw/internal/delivery"
	"github.com/PSEUDONYM97/zeroclaw/internal/eventbus"
	"github.com/PSEUDONYM97/zeroclaw/internal/httpapi"
	"github.com/PSEUDONYM97/zeroclaw/internal/logging"
	"github.com/PSEUDONYM97/zeroclaw/internal/metrics"
	"github.com/PSEUDONYM97/zeroclaw/internal/registry"
	"github.com/PSEUDONYM97/zeroclaw/internal/router"
	"github.com/PSEUDONYM97/zeroclaw/internal/secretstore"
	"github.com/PSEUDONYM97/zeroclaw/internal/supervisor"
)

// Exit codes per the external interface contract.
const (
	exitClean            = 0
	exitBadConfig        = 2
	exitMigrationFailure = 3
	exitLockContention    = 4
	exitUnexpectedFatal   = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv(config.Default())
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "zeroclaw-cpd: invalid configuration:", err)
		return exitBadConfig
	}

	logging.Init(logging.Config{Level: logging.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	log := logging.WithComponent("main")

	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		log.Error().Err(err).Msg("failed to create base directory")
		return exitBadConfig
	}
	if err := os.MkdirAll(cfg.InstancesDir(), 0o755); err != nil {
		log.Error().Err(err).Msg("failed to create instances directory")
		return exitBadConfig
	}

	lock, err := acquireDaemonLock(cfg)
	if err != nil {
		log.Error().Err(err).Msg("another zeroclaw-cpd instance holds the daemon lock")
		return exitLockContention
	}
	defer lock.release()

	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		log.Error().Err(err).Msg("failed to open registry (migration failure)")
		return exitMigrationFailure
	}
	defer reg.Close()

	secrets, err := loadOrCreateSecretKey(cfg.SecretKeyPath())
	if err != nil {
		log.Error().Err(err).Msg("failed to load secret key")
		return exitBadConfig
	}

	bus := eventbus.New()
	sv := supervisor.New(reg, bus, cfg, os.Getenv("ZEROCLAW_AGENT_BINARY"))

	log.Info().Msg("running initial reconciliation")
	sv.Reconcile()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn().Msg("shutdown signal received")
		cancel()
	}()

	go sv.Run(ctx)
	go refreshGaugesLoop(ctx, reg)

	pool := &delivery.Pool{
		Reg:             reg,
		Bus:             bus,
		Workers:         cfg.DeliveryWorkers,
		LeaseDuration:   cfg.LeaseDuration,
		AttemptDeadline: cfg.DeliveryDeadline,
	}
	pool.Run(ctx)

	rt := router.New(reg, bus, cfg.DefaultMessageTTL, cfg.DefaultMaxRetries)

	srv := httpapi.NewServer(&httpapi.Server{
		Reg:       reg,
		Bus:       bus,
		Router:    rt,
		Secrets:   secrets,
		Lifecycle: sv,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			return exitUnexpectedFatal
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	log.Info().Msg("shutdown complete")
	return exitClean
}

// refreshGaugesLoop periodically recomputes the instances-by-status and
// messages-by-status gauges from the registry, since those counts change as
// a side effect of many different operations rather than at one call site.
func refreshGaugesLoop(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		refreshGaugesOnce(reg)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func refreshGaugesOnce(reg *registry.Registry) {
	if counts, err := reg.CountInstancesByStatus(); err == nil {
		for _, status := range registry.AllInstanceStatuses {
			metrics.InstancesTotal.WithLabelValues(status).Set(float64(counts[status]))
		}
	}
	if counts, err := reg.CountMessagesByStatus(); err == nil {
		for _, status := range registry.AllMessageStatuses {
			metrics.MessagesQueued.WithLabelValues(status).Set(float64(counts[status]))
		}
	}
}

func loadOrCreateSecretKey(path string) (*secretstore.Store, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return secretstore.New(b)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return secretstore.New(key)
}

type daemonLock struct{ path string }

// acquireDaemonLock is a thin advisory marker distinct from per-instance
// locks: it prevents two zeroclaw-cpd processes from sharing one base_dir.
func acquireDaemonLock(cfg config.Config) (*daemonLock, error) {
	path := filepath.Join(cfg.BaseDir, "cpd.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("lock file %s already exists", path)
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return &daemonLock{path: path}, nil
}

func (l *daemonLock) release() {
	if l == nil {
		return
	}
	_ = os.Remove(l.path)
}
