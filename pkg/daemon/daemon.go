// Package daemon supervises the procsi daemon process: the PID lock,
// startup ordering, the retention schedule, signal handling, and orderly
// shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mtford90/procsi/pkg/ca"
	"github.com/mtford90/procsi/pkg/config"
	"github.com/mtford90/procsi/pkg/control"
	"github.com/mtford90/procsi/pkg/interceptor"
	"github.com/mtford90/procsi/pkg/layout"
	"github.com/mtford90/procsi/pkg/observability"
	"github.com/mtford90/procsi/pkg/proxy"
	"github.com/mtford90/procsi/pkg/store"
)

// ErrAlreadyRunning is returned when another daemon holds the PID lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// drainTimeout is how long in-flight exchanges get to finish on shutdown.
const drainTimeout = 5 * time.Second

// retentionInterval is how often the retention task runs.
const retentionInterval = time.Minute

// Startup failure kinds, each mapped to a distinct exit code by the CLI.
const (
	KindLock   = "lock"
	KindConfig = "config"
	KindStore  = "store"
	KindCA     = "ca"
	KindBind   = "bind"
)

// StartupError is a fatal startup failure with its kind attached.
type StartupError struct {
	Kind string
	Err  error
}

func (e *StartupError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *StartupError) Unwrap() error { return e.Err }

func startupErr(kind string, err error) error {
	return &StartupError{Kind: kind, Err: err}
}

// Options configures a daemon run.
type Options struct {
	// Dir overrides project discovery with an explicit data directory.
	Dir string
	// StartDir is where project discovery begins. Defaults to the working
	// directory.
	StartDir string
	// Verbose enables debug logging and goproxy logging.
	Verbose bool
	// Version is reported by the status RPC.
	Version string
}

// Run starts the daemon and blocks until a signal, a shutdown RPC, or
// context cancellation stops it.
func Run(ctx context.Context, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}
	startDir := opts.StartDir
	if startDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return startupErr(KindConfig, err)
		}
		startDir = wd
	}

	l, err := layout.Discover(startDir, opts.Dir)
	if err != nil {
		return startupErr(KindConfig, err)
	}
	if err := l.EnsureDirs(); err != nil {
		return startupErr(KindConfig, err)
	}

	// The PID lock is the only cross-process coordination.
	if err := acquirePIDLock(l.PIDPath()); err != nil {
		return err
	}
	defer os.Remove(l.PIDPath())

	cfg, err := config.LoadOrDefault(l.ConfigPath())
	if err != nil {
		return startupErr(KindConfig, err)
	}

	logger, closeLog, err := newLogger(l.LogPath(), cfg.MaxLogSize, opts.Verbose)
	if err != nil {
		return startupErr(KindConfig, err)
	}
	defer closeLog()

	provider, err := observability.NewProvider(cfg.MetricsAddr)
	if err != nil {
		return startupErr(KindConfig, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		provider.Shutdown(shutdownCtx)
	}()

	st, err := store.Open(l.DBPath(), &store.Options{
		EventLogCapacity: cfg.EventLogCapacity,
		Logger:           logger,
		Metrics:          observability.NewStoreMetrics(provider.Metrics),
	})
	if err != nil {
		return startupErr(KindStore, err)
	}
	defer st.Close()

	projectCA, err := ca.EnsureCA(l.CACertPath(), l.CAKeyPath())
	if err != nil {
		return startupErr(KindCA, err)
	}
	issuer := ca.NewIssuer(projectCA, cfg.LeafCertCache)
	issuer.SetMetrics(observability.NewIssuerMetrics(provider.Metrics))

	rt := interceptor.New(l.InterceptorsDir(), st, st, &interceptor.Options{
		MatchTimeout:   time.Duration(cfg.MatchTimeoutMS) * time.Millisecond,
		HandlerTimeout: time.Duration(cfg.HandlerTimeoutMS) * time.Millisecond,
		Logger:         logger,
	})

	p, err := proxy.New(st, rt, projectCA, issuer, &proxy.Config{
		BodyCap:           cfg.MaxBodySize,
		AuthMode:          cfg.AuthMode,
		PortPath:          l.PortPath(),
		PreferredPortPath: l.PreferredPortPath(),
		Verbose:           opts.Verbose,
		Logger:            logger,
		Metrics:           observability.NewProxyMetrics(provider.Metrics),
	})
	if err != nil {
		return startupErr(KindBind, err)
	}
	if err := p.Bind(); err != nil {
		return startupErr(KindBind, err)
	}
	defer os.Remove(l.PortPath())

	// Interceptors load once the proxy is bound and its port files are
	// written, before it starts accepting. Failures are per-plugin and
	// never fatal.
	if err := rt.Load(); err != nil {
		logger.Warn("interceptor load failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctrl := control.NewServer(control.Deps{
		Store:    st,
		Runtime:  rt,
		Replayer: p,
		Shutdown: cancel,
		Version:  opts.Version,
		Logger:   logger,
	})
	if err := ctrl.Start(l.SocketPath()); err != nil {
		return startupErr(KindBind, err)
	}
	defer os.Remove(l.SocketPath())
	defer ctrl.Close()

	sigCtx, stopSignals := signal.NotifyContext(runCtx, syscall.SIGTERM, syscall.SIGINT)
	defer stopSignals()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return p.Serve()
	})
	g.Go(func() error {
		retentionLoop(gctx, st, cfg.MaxStoredRequests, logger)
		return nil
	})

	logger.Info("daemon started",
		zap.Int("port", p.Port()),
		zap.Int("pid", os.Getpid()),
		zap.String("dir", l.Dir),
	)

	<-gctx.Done()
	logger.Info("daemon stopping")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := p.Shutdown(drainCtx); err != nil {
		logger.Warn("forced proxy shutdown", zap.Error(err))
	}

	if err := g.Wait(); err != nil {
		logger.Error("proxy serve failed", zap.Error(err))
		return err
	}
	return nil
}

// retentionLoop periodically trims the store to the retention bound. Log
// rotation itself is size-triggered by the log sink.
func retentionLoop(ctx context.Context, st *store.Store, maxRows int, logger *zap.Logger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := st.Trim(maxRows)
			if err != nil {
				logger.Warn("retention trim failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				logger.Info("retention trim", zap.Int64("deleted", deleted))
			}
		}
	}
}

// acquirePIDLock writes this process's PID exclusively. A stale file left
// by a dead daemon is cleaned up and the lock retried once.
func acquirePIDLock(path string) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			f.Close()
			if werr != nil {
				os.Remove(path)
				return startupErr(KindLock, werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return startupErr(KindLock, err)
		}

		pid, ok := readPIDFile(path)
		if ok && processAlive(pid) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		// Stale lock from a dead process.
		os.Remove(path)
	}
	return fmt.Errorf("%w: could not acquire pid lock", ErrAlreadyRunning)
}

func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
