// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon runs the overseer in the foreground: it owns the IPC
// directory, the scheduler and every watcher around it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/overseer/internal/config"
	"github.com/tombee/overseer/internal/ipc"
	"github.com/tombee/overseer/internal/launcher"
	"github.com/tombee/overseer/internal/lifecycle"
	overseerlog "github.com/tombee/overseer/internal/log"
	"github.com/tombee/overseer/internal/process"
	"github.com/tombee/overseer/internal/role"
	"github.com/tombee/overseer/internal/scheduler"
	"github.com/tombee/overseer/internal/stream"
	"github.com/tombee/overseer/internal/supervisor"
	"github.com/tombee/overseer/internal/tracing"
)

const tracerName = "github.com/tombee/overseer"

// Options holds build information and injectable collaborators.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigFile is the file cfg was loaded from, if any. It is reloaded
	// when watch_config is enabled.
	ConfigFile string

	// Spawner defaults to the OS spawner.
	Spawner process.Spawner
	// Registry, when set, receives the OTel metrics instead of the default
	// Prometheus registry.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Daemon is one running overseer.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	lock     *ipc.Lock
	shm      *ipc.SharedMemory
	self     *ipc.ProcessCommands
	provider *tracing.Provider
	audit    *lifecycle.AuditLog
	sched    *scheduler.Scheduler

	mu            sync.Mutex
	started       bool
	stopped       bool
	watchers      []*scheduler.StopRequestWatcher
	configWatcher *scheduler.ConfigWatcher
	server        *http.Server
	listener      net.Listener
}

// New claims the IPC directory and builds the scheduler. It fails with
// ipc.ErrLocked when another overseer owns the directory.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Daemon, err error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Spawner == nil {
		opts.Spawner = process.NewOSSpawner()
	}
	logger := overseerlog.WithRole(opts.Logger, role.Overseer)

	d := &Daemon{cfg: cfg, opts: opts, logger: logger}
	defer func() {
		if err != nil {
			d.release()
		}
	}()

	if err := os.MkdirAll(cfg.Paths.Temp, 0700); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	d.lock, err = ipc.AcquireLock(cfg.IPC.Dir, os.Getpid())
	if err != nil {
		return nil, err
	}
	d.shm, err = ipc.Open(cfg.IPC.Dir)
	if err != nil {
		return nil, err
	}
	d.self, err = d.shm.Slot(role.Overseer.Index)
	if err != nil {
		return nil, err
	}
	// requests left over from a previous overseer are void
	d.self.Reset()

	providerOpts := []tracing.Option{tracing.WithLogger(logger)}
	if opts.Registry != nil {
		providerOpts = append(providerOpts, tracing.WithRegistry(opts.Registry))
	}
	d.provider, err = tracing.NewProvider(ctx, cfg.TracingConfig(opts.Version), providerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	d.audit = lifecycle.NewAuditLog(cfg.Log.AuditFile, logger)

	l := launcher.New(d.shm, opts.Spawner, cfg.Paths.Temp, overseerlog.WithComponent(opts.Logger, "launcher"))
	// holding the lock means no live overseer still uses these files
	if _, err := l.RemoveStaleProperties(); err != nil {
		logger.Warn("failed to clean temp directory", overseerlog.Error(err))
	}
	d.sched = scheduler.New(scheduler.Options{
		Commands: cfg.Commands(),
		Launch:   l.Launch,
		Supervisor: supervisor.Options{
			StopTimeout:     cfg.Supervisor.StopTimeout,
			HardStopTimeout: cfg.Supervisor.HardStopTimeout,
			PollDelay:       cfg.Supervisor.PollDelay,
			StreamFormat:    cfg.StreamFormat(),
			Audit:           d.audit,
			Tracer:          d.provider.Tracer(tracerName),
			Logger:          opts.Logger,
		},
		Sinks: func(id role.ID) stream.Sinks {
			return overseerlog.NewSinks(opts.Logger, id)
		},
		Self:   d.self,
		Logger: opts.Logger,
	})

	return d, nil
}

// Start launches the processes and blocks until they all terminated, ctx
// is cancelled or the metrics server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("overseer already started")
	}
	d.started = true

	errCh := make(chan error, 1)
	if d.cfg.Metrics.Enabled {
		if err := d.startMetrics(errCh); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	d.mu.Unlock()

	d.audit.LogOverseerStart(d.opts.Version, d.opts.ConfigFile)
	d.logger.Info("overseer starting",
		slog.String("version", d.opts.Version),
		slog.String("ipc_dir", d.cfg.IPC.Dir))

	if err := d.sched.Start(); err != nil {
		return err
	}
	if err := d.startWatchers(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-d.sched.Terminated():
		return nil
	case err := <-errCh:
		return err
	}
}

// startMetrics binds before returning so address errors surface at once.
// Callers hold d.mu.
func (d *Daemon) startMetrics(errCh chan<- error) error {
	ln, err := net.Listen("tcp", d.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Metrics.Addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.provider.MetricsHandler())
	d.listener = ln
	d.server = &http.Server{
		Handler:      overseerlog.HTTPMiddleware(overseerlog.WithComponent(d.logger, "metrics"), mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
	d.logger.Info("metrics server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

func (d *Daemon) startWatchers(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.ExternalStop.Enabled {
		delay := d.cfg.ExternalStop.PollDelay
		d.watchers = append(d.watchers,
			scheduler.NewStopRequestWatcher(d.self, delay, d.sched.Terminate, d.logger),
			scheduler.NewHardStopRequestWatcher(d.self, delay, d.sched.HardTerminate, d.logger),
		)
		for _, w := range d.watchers {
			w.Start(ctx)
		}
	}

	if d.cfg.WatchConfig.Enabled && d.opts.ConfigFile != "" {
		w, err := scheduler.NewConfigWatcher(d.opts.ConfigFile, d.cfg.WatchConfig.Debounce, d.reload, d.logger)
		if err != nil {
			return err
		}
		d.configWatcher = w
		w.Start(ctx)
	}
	return nil
}

// reload restarts every process with the commands of the changed file. An
// invalid file keeps the running processes.
func (d *Daemon) reload() {
	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		d.logger.Error("ignoring invalid configuration change", overseerlog.Error(err))
		return
	}
	d.logger.Info("configuration changed, restarting processes")
	d.sched.Reload(cfg.Commands())
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (d *Daemon) MetricsAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Shutdown stops every process, escalating to a hard stop when ctx expires,
// and releases the IPC directory.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	configWatcher, watchers, server := d.configWatcher, d.watchers, d.server
	d.mu.Unlock()

	if configWatcher != nil {
		if err := configWatcher.Stop(); err != nil {
			d.logger.Warn("failed to stop config watcher", overseerlog.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		d.sched.Terminate()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("graceful shutdown timed out, hard stopping")
		d.sched.HardTerminate()
		<-done
	}

	for _, w := range watchers {
		w.Stop()
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("metrics server shutdown error", overseerlog.Error(err))
		}
	}

	d.audit.LogOverseerStop("shutdown")
	d.release()
	d.logger.Info("overseer stopped")
	return nil
}

// release frees what New acquired, in reverse order.
func (d *Daemon) release() {
	if d.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.provider.Shutdown(ctx); err != nil {
			d.logger.Error("telemetry shutdown error", overseerlog.Error(err))
		}
	}
	if d.shm != nil {
		if err := d.shm.Close(); err != nil {
			d.logger.Error("failed to unmap shared memory", overseerlog.Error(err))
		}
	}
	if d.lock != nil {
		if err := d.lock.Release(); err != nil {
			d.logger.Error("failed to release IPC lock", overseerlog.Error(err))
		}
	}
}
