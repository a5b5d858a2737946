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

// Package status implements `overseer status`, which prints the IPC flags
// of every slot.
package status

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/overseer/internal/commands/shared"
	"github.com/tombee/overseer/internal/ipc"
	"github.com/tombee/overseer/internal/role"
)

// ProcessStatus is the state of one slot.
type ProcessStatus struct {
	Role string `json:"role"`
	ipc.Status
}

// Report is the --json output of the status command.
type Report struct {
	shared.JSONResponse
	Running   bool            `json:"running"`
	PID       int             `json:"pid,omitempty"`
	IPCDir    string          `json:"ipc_dir"`
	Processes []ProcessStatus `json:"processes,omitempty"`
}

// NewCommand creates the status command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the overseer and its processes",
		Long: `Read the shared IPC file and print, for every process, whether it is up,
operational, and which stop or restart requests are pending.

Exits with code 3 when no overseer is running.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := shared.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	report, err := collect(cfg.IPC.Dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if err := shared.EmitJSON(out, report); err != nil {
			return fmt.Errorf("failed to write status: %w", err)
		}
	} else {
		render(out, report, shared.IsTerminal(out))
	}

	if !report.Running {
		// the report already says so
		return shared.NewExitError(shared.ExitNotRunning, "", nil)
	}
	return nil
}

// collect reads the slots without creating the IPC directory.
func collect(dir string) (*Report, error) {
	v, _, _ := shared.GetVersion()
	report := &Report{
		JSONResponse: shared.JSONResponse{Version: v, Command: "status", Success: true},
		Running:      ipc.IsLocked(dir),
		IPCDir:       dir,
	}
	if report.Running {
		if pid, err := ipc.ReadLockPID(dir); err == nil {
			report.PID = pid
		}
	}

	if _, err := os.Stat(ipc.Path(dir)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return report, nil
		}
		return nil, fmt.Errorf("failed to stat shared file: %w", err)
	}

	shm, err := ipc.Open(dir)
	if err != nil {
		return nil, err
	}
	defer shm.Close()

	for _, id := range role.All {
		slot, err := shm.Slot(id.Index)
		if err != nil {
			return nil, err
		}
		report.Processes = append(report.Processes, ProcessStatus{Role: id.Key, Status: slot.Status()})
	}
	return report, nil
}

func render(w io.Writer, r *Report, styled bool) {
	header := "Overseer"
	if styled {
		header = shared.Header.Render(header)
	}
	fmt.Fprintln(w, header)

	switch {
	case r.Running && styled:
		fmt.Fprintf(w, "  %s\n", shared.RenderOK(fmt.Sprintf("running (pid %d)", r.PID)))
	case r.Running:
		fmt.Fprintf(w, "  running (pid %d)\n", r.PID)
	case styled:
		fmt.Fprintf(w, "  %s\n", shared.RenderError("not running"))
	default:
		fmt.Fprintln(w, "  not running")
	}
	fmt.Fprintf(w, "  %s %s\n", label("ipc dir:", styled), r.IPCDir)

	if len(r.Processes) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, p := range r.Processes {
		fmt.Fprintf(w, "  %-4s %s %s%s\n", p.Role,
			flag(p.Up, "up", styled),
			flag(p.Operational, "operational", styled),
			pending(p.Status, styled))
		if !p.LastPing.IsZero() {
			fmt.Fprintf(w, "       %s %s\n", label("last ping:", styled), p.LastPing.Format(time.RFC3339))
		}
	}
}

func flag(set bool, name string, styled bool) string {
	if styled {
		return shared.RenderStatus(set, name)
	}
	if set {
		return "[" + name + "]"
	}
	return "[no " + name + "]"
}

func pending(s ipc.Status, styled bool) string {
	var out string
	add := func(set bool, name string) {
		if !set {
			return
		}
		if styled {
			name = shared.StatusWarn.Render(name)
		}
		out += " " + name
	}
	add(s.StopRequested, "stop-requested")
	add(s.HardStopRequested, "hard-stop-requested")
	add(s.RestartRequested, "restart-requested")
	add(s.RestartAck, "restart-acked")
	return out
}

func label(s string, styled bool) string {
	if styled {
		return shared.RenderLabel(s)
	}
	return s
}
