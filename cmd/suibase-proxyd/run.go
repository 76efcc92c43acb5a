package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/suibase/suibase-proxyd/internal/admin"
	"github.com/suibase/suibase-proxyd/internal/config"
	"github.com/suibase/suibase-proxyd/internal/logging"
	"github.com/suibase/suibase-proxyd/internal/metrics"
	"github.com/suibase/suibase-proxyd/internal/mockserver"
	"github.com/suibase/suibase-proxyd/internal/monitor"
	"github.com/suibase/suibase-proxyd/internal/port"
	"github.com/suibase/suibase-proxyd/internal/proxy"
	"github.com/suibase/suibase-proxyd/internal/wsworker"
)

// workdirRescanInterval bounds how quickly a newly created or removed
// workdir subdirectory is noticed; fsnotify.Watcher instances watch
// inside an already-known workdir, so discovery of the workdir set
// itself is a cheap periodic scan of workdirsRoot.
const workdirRescanInterval = 3 * time.Second

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			workdirsRoot, _ := cmd.Flags().GetString("workdirs-root")
			debug, _ := cmd.Flags().GetBool("debug")
			jsonLogs, _ := cmd.Flags().GetBool("json-logs")
			adminPort, _ := cmd.Flags().GetInt("admin-port")
			return run(cmd.Context(), workdirsRoot, adminPort, debug, jsonLogs)
		},
	}
	return cmd
}

// daemon holds the process-wide subsystems a supervised task can
// restart independently, grounded on the teacher's caddy.Context
// usage-pool lifecycle (one struct owning the subsystems a running
// instance needs torn down together).
type daemon struct {
	logger     *zap.SugaredLogger
	controller *config.Controller
	mocks      *mockserver.Registry
	monitor    *monitor.Monitor
	clock      *monitor.Clock

	mu       sync.Mutex
	proxies  map[string]*proxyServer // workdir name -> running HTTP listener
	wsWorker map[string]*wsworker.Worker
}

type proxyServer struct {
	portNumber uint16
	srv        *http.Server
	cancel     context.CancelFunc
}

func run(ctx context.Context, workdirsRoot string, adminPort int, debug, jsonLogs bool) error {
	logger, err := logging.New(logging.Options{Debug: debug, JSON: jsonLogs})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	if err := os.MkdirAll(workdirsRoot, 0o755); err != nil {
		return fmt.Errorf("create workdirs root %s: %w", workdirsRoot, err)
	}

	d := &daemon{
		logger:     logger,
		controller: config.NewController(logger),
		mocks:      mockserver.NewRegistry(),
		proxies:    map[string]*proxyServer{},
		wsWorker:   map[string]*wsworker.Worker{},
	}
	defer d.mocks.Close()

	prometheus.MustRegister(metrics.NewCollector(d.controller))

	d.monitor = monitor.New(nil, logger)
	d.clock = monitor.NewClock(d.monitor.Ticks())

	var wg sync.WaitGroup
	supervise(ctx, &wg, "monitor", logger, d.monitor.Run)
	supervise(ctx, &wg, "clock", logger, d.clock.Run)
	supervise(ctx, &wg, "workdir-scanner", logger, func(ctx context.Context) {
		d.scanLoop(ctx, workdirsRoot)
	})

	adminSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", adminPort),
		Handler: adminRouter(d),
	}
	supervise(ctx, &wg, "admin", logger, func(ctx context.Context) {
		serveUntilCancel(ctx, adminSrv, logger)
	})

	logger.Infow("suibase-proxyd started", "workdirs_root", workdirsRoot, "admin_port", adminPort)
	<-ctx.Done()
	logger.Info("shutting down")

	d.mu.Lock()
	for name, p := range d.proxies {
		shutdownServer(p.srv, logger, name)
	}
	d.mu.Unlock()
	shutdownServer(adminSrv, logger, "admin")

	wg.Wait()
	return nil
}

func adminRouter(d *daemon) http.Handler {
	r := chi.NewRouter()
	admin.New(d.controller, d.mocks).Routes(r)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// supervise runs fn in a goroutine, restarting it with a bounded retry
// budget if it panics, matching spec.md §5's "a panicking child task is
// restarted by its parent up to a bounded retry budget."
func supervise(ctx context.Context, wg *sync.WaitGroup, name string, logger *zap.SugaredLogger, fn func(context.Context)) {
	const maxRestarts = 5
	wg.Add(1)
	go func() {
		defer wg.Done()
		restarts := 0
		for {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Errorw("supervised task panicked", "task", name, "panic", r)
					}
				}()
				fn(ctx)
			}()
			if ctx.Err() != nil {
				return
			}
			restarts++
			if restarts > maxRestarts {
				logger.Errorw("supervised task exceeded restart budget, giving up", "task", name)
				return
			}
			logger.Warnw("restarting supervised task", "task", name, "attempt", restarts)
			time.Sleep(time.Duration(restarts) * 100 * time.Millisecond)
		}
	}()
}

func serveUntilCancel(ctx context.Context, srv *http.Server, logger *zap.SugaredLogger) {
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("http server exited", "addr", srv.Addr, "error", err)
		}
	}()
	<-ctx.Done()
}

func shutdownServer(srv *http.Server, logger *zap.SugaredLogger, name string) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("server shutdown error", "server", name, "error", err)
	}
}

// scanLoop discovers workdir subdirectories under root, creating a
// Controller entry (and proxy listener) for each new one and tearing
// down ones that disappear, per spec.md §3 "Ports: created on workdir
// appearance, torn down on workdir removal."
func (d *daemon) scanLoop(ctx context.Context, root string) {
	ticker := time.NewTicker(workdirRescanInterval)
	defer ticker.Stop()

	d.rescan(ctx, root)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.rescan(ctx, root)
		}
	}
}

func (d *daemon) rescan(ctx context.Context, root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		d.logger.Warnw("failed to scan workdirs root", "root", root, "error", err)
		return
	}

	seen := map[string]bool{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		seen[name] = true
		if _, ok := d.controller.Workdir(name); ok {
			continue
		}
		d.addWorkdir(ctx, root, name)
	}

	for _, wd := range d.controller.Workdirs() {
		if !seen[wd.Name] {
			d.removeWorkdir(wd.Name)
		}
	}

	// Pick up in-place suibase.yaml/user_request edits for already-known
	// workdirs; the fsnotify-backed config.Watcher does the same job
	// event-driven, this periodic pass is the fallback discovery path.
	for _, wd := range d.controller.Workdirs() {
		dir := filepath.Join(root, wd.Name)
		if err := d.controller.LoadAndApply(wd.Name, dir, config.WorkdirConfig{}); err != nil {
			d.logger.Warnw("reload failed", "workdir", wd.Name, "error", err)
		}
	}
}

func (d *daemon) addWorkdir(ctx context.Context, root, name string) {
	dir := filepath.Join(root, name)
	if err := d.controller.LoadAndApply(name, dir, config.WorkdirConfig{}); err != nil {
		d.logger.Warnw("failed to load workdir", "workdir", name, "error", err)
		return
	}
	wd, ok := d.controller.Workdir(name)
	if !ok {
		return
	}

	watcher, err := config.NewWatcher(dir, d.logger)
	if err != nil {
		d.logger.Warnw("failed to watch workdir", "workdir", name, "error", err)
	} else {
		go watcher.Run(ctx)
		go func() {
			for range watcher.Changed {
				if err := d.controller.LoadAndApply(name, dir, config.WorkdirConfig{}); err != nil {
					d.logger.Warnw("reload failed", "workdir", name, "error", err)
				}
			}
		}()
	}

	d.startProxy(ctx, wd)
	d.logger.Infow("workdir discovered", "workdir", name, "port", wd.Port.PortNumber())
}

func (d *daemon) removeWorkdir(name string) {
	wd, ok := d.controller.Workdir(name)
	if ok {
		wd.Port.Deactivate()
	}
	d.mu.Lock()
	if p, ok := d.proxies[name]; ok {
		p.cancel()
		shutdownServer(p.srv, d.logger, "proxy:"+name)
		delete(d.proxies, name)
	}
	delete(d.wsWorker, name)
	d.mu.Unlock()
	d.logger.Infow("workdir removed", "workdir", name)
}

func (d *daemon) startProxy(ctx context.Context, wd *config.WorkdirState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.proxies[wd.Name]; ok {
		if existing.portNumber == wd.Port.PortNumber() {
			d.monitor.SetPorts(d.allPortsLocked())
			return
		}
		existing.cancel()
		shutdownServer(existing.srv, d.logger, "proxy:"+wd.Name)
		delete(d.proxies, wd.Name)
	}

	handler := proxy.New(wd.Port, d.monitor.StatUpdates(), d.logger)
	mux := http.NewServeMux()
	mux.Handle("/", metrics.Instrument(handler))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", wd.Port.PortNumber()),
		Handler: mux,
	}
	childCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Warnw("proxy listener exited", "workdir", wd.Name, "error", err)
		}
	}()

	d.proxies[wd.Name] = &proxyServer{portNumber: wd.Port.PortNumber(), srv: srv, cancel: cancel}

	for _, link := range wd.Port.Servers() {
		if link.WS() == "" {
			continue
		}
		if _, ok := d.wsWorker[wd.Name]; !ok {
			w := wsworker.New(link.WS(), d.logger)
			d.wsWorker[wd.Name] = w
			go w.Run(childCtx)
		}
		break
	}

	d.monitor.SetPorts(d.allPortsLocked())
}

func (d *daemon) allPortsLocked() []*port.Port {
	ports := make([]*port.Port, 0, len(d.proxies))
	for _, wd := range d.controller.Workdirs() {
		ports = append(ports, wd.Port)
	}
	return ports
}
