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

// Package stop implements `overseer stop`, which asks a running overseer to
// stop through its IPC slot.
package stop

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/overseer/internal/commands/shared"
	"github.com/tombee/overseer/internal/ipc"
	"github.com/tombee/overseer/internal/process"
	"github.com/tombee/overseer/internal/role"
	overseererrors "github.com/tombee/overseer/pkg/errors"
)

const waitInterval = 100 * time.Millisecond

var (
	hardFlag    bool
	waitFlag    bool
	timeoutFlag time.Duration
)

// NewCommand creates the stop command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the running overseer to stop its processes",
		Long: `Ask the overseer owning the IPC directory to stop the task engine, the web
server and the search node, in that order. With --hard the processes are
hard stopped.`,
		Args: cobra.NoArgs,
		RunE: runStop,
	}

	cmd.Flags().BoolVar(&hardFlag, "hard", false, "Hard stop the processes")
	cmd.Flags().BoolVar(&waitFlag, "wait", false, "Wait until the overseer released its lock and exited")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 2*time.Minute, "How long --wait waits")

	return cmd
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := shared.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	dir := cfg.IPC.Dir

	if !ipc.IsLocked(dir) {
		return shared.ErrNotRunning
	}
	pid, err := ipc.ReadLockPID(dir)
	if err != nil {
		return overseererrors.Wrapf(err, "failed to read overseer PID in %s", dir)
	}

	shm, err := ipc.Open(dir)
	if err != nil {
		return err
	}
	defer shm.Close()
	self, err := shm.Slot(role.Overseer.Index)
	if err != nil {
		return err
	}

	if hardFlag {
		self.AskForHardStop()
	} else {
		self.AskForStop()
	}
	cmd.Println(shared.RenderOK(fmt.Sprintf("stop requested (pid %d)", pid)))

	if !waitFlag {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()
	if err := waitExited(ctx, dir, pid); err != nil {
		return shared.NewExitError(shared.ExitFailed, "overseer did not exit in time", &overseererrors.TimeoutError{
			Operation: fmt.Sprintf("waiting for overseer (pid %d) to exit", pid),
			Duration:  timeoutFlag,
			Cause:     err,
		})
	}
	cmd.Println(shared.RenderOK("overseer stopped"))
	return nil
}

// waitExited waits for the lock to be released, then for the process itself.
// The lock goes before the process does.
func waitExited(ctx context.Context, dir string, pid int) error {
	ticker := time.NewTicker(waitInterval)
	defer ticker.Stop()
	for ipc.IsLocked(dir) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return process.WaitForExit(ctx, pid, waitInterval)
}
