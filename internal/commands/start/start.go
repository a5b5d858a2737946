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

// Package start implements `overseer start`, which runs the overseer in the
// foreground until every process stopped.
package start

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/overseer/internal/commands/shared"
	"github.com/tombee/overseer/internal/daemon"
	overseerlog "github.com/tombee/overseer/internal/log"
	"github.com/tombee/overseer/internal/process"
)

type options struct {
	metricsAddr string
	watch       bool

	spawner process.Spawner
	signals <-chan os.Signal
}

// NewCommand creates the start command.
func NewCommand() *cobra.Command {
	return newCommand(&options{})
}

func newCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start and supervise the search, web and task engine processes",
		Long: `Start the search node, then the web server once search is operational,
then the task engine once the web server is operational, and supervise them
in the foreground.

The first SIGINT or SIGTERM stops every process gracefully. A second one
hard stops them. 'overseer stop' does the same from another terminal.`,
		Example: `  # Start with the default configuration
  overseer start

  # Expose Prometheus metrics and restart on configuration changes
  overseer start --metrics-addr 127.0.0.1:9464 --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Restart every process when the config file changes")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, path, err := shared.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if opts.watch {
		cfg.WatchConfig.Enabled = true
	}

	logCfg := cfg.LogConfig()
	logCfg.Output = cmd.ErrOrStderr()
	if shared.GetVerbose() {
		logCfg.Level = "debug"
	}
	logger := overseerlog.New(logCfg)

	v, c, b := shared.GetVersion()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	d, err := daemon.New(ctx, cfg, daemon.Options{
		Version:    v,
		Commit:     c,
		BuildDate:  b,
		ConfigFile: path,
		Spawner:    opts.spawner,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sigCh := opts.signals
	if sigCh == nil {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	case runErr = <-errCh:
	}

	shutdownCtx, hardStop := context.WithCancel(context.Background())
	defer hardStop()
	go func() {
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, hard stopping", slog.String("signal", sig.String()))
			hardStop()
		case <-shutdownCtx.Done():
		}
	}()

	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", overseerlog.Error(err))
	}
	return runErr
}
