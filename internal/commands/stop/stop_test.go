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

package stop

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/overseer/internal/commands/shared"
	"github.com/tombee/overseer/internal/ipc"
	"github.com/tombee/overseer/internal/role"
	overseererrors "github.com/tombee/overseer/pkg/errors"
)

// setup points --config at a file whose IPC directory lives in a temp dir.
func setup(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "ipc")
	path := filepath.Join(root, "config.yaml")
	content := "ipc:\n  dir: " + dir + "\nsearch:\n  enabled: false\nweb:\n  executable: /opt/app/bin/web\ntask_engine:\n  enabled: false\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	shared.SetConfigPathForTest(path)
	t.Cleanup(func() { shared.SetConfigPathForTest("") })
	return dir
}

func execute(args ...string) (string, error) {
	cmd := NewCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func hold(t *testing.T, dir string) (*ipc.Lock, *ipc.ProcessCommands) {
	t.Helper()
	return holdAs(t, dir, os.Getpid())
}

// holdAs takes the lock on behalf of pid.
func holdAs(t *testing.T, dir string, pid int) (*ipc.Lock, *ipc.ProcessCommands) {
	t.Helper()
	lock, err := ipc.AcquireLock(dir, pid)
	require.NoError(t, err)
	t.Cleanup(func() { lock.Release() })

	shm, err := ipc.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { shm.Close() })
	self, err := shm.Slot(role.Overseer.Index)
	require.NoError(t, err)
	return lock, self
}

func TestStop_NotRunning(t *testing.T) {
	setup(t)
	_, err := execute()
	require.ErrorIs(t, err, shared.ErrNotRunning)
	assert.Equal(t, shared.ExitNotRunning, shared.ExitCode(err))
}

func TestStop_Graceful(t *testing.T) {
	dir := setup(t)
	_, self := hold(t, dir)

	out, err := execute()
	require.NoError(t, err)
	assert.Contains(t, out, "stop requested")
	assert.True(t, self.AskedForStop())
	assert.False(t, self.AskedForHardStop())
}

func TestStop_Hard(t *testing.T) {
	dir := setup(t)
	_, self := hold(t, dir)

	_, err := execute("--hard")
	require.NoError(t, err)
	assert.True(t, self.AskedForHardStop())
	assert.False(t, self.AskedForStop())
}

func TestStop_WaitTimesOut(t *testing.T) {
	dir := setup(t)
	hold(t, dir)

	_, err := execute("--wait", "--timeout", "50ms")
	require.Error(t, err)
	assert.Equal(t, shared.ExitFailed, shared.ExitCode(err))

	var timeout *overseererrors.TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, 50*time.Millisecond, timeout.Duration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// child starts a process standing in for the overseer. kill terminates and
// reaps it.
func child(t *testing.T) (pid int, kill func()) {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	kill = func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	t.Cleanup(kill)
	return cmd.Process.Pid, kill
}

func TestStop_WaitsForExit(t *testing.T) {
	dir := setup(t)
	pid, kill := child(t)
	lock, self := holdAs(t, dir, pid)

	go func() {
		for !self.AskedForStop() {
			time.Sleep(5 * time.Millisecond)
		}
		lock.Release()
		time.Sleep(50 * time.Millisecond)
		kill()
	}()

	out, err := execute("--wait", "--timeout", "5s")
	require.NoError(t, err)
	assert.Contains(t, out, "overseer stopped")
}

func TestStop_WaitCoversProcessExit(t *testing.T) {
	dir := setup(t)
	pid, _ := child(t)
	lock, _ := holdAs(t, dir, pid)

	// the lock is gone but the process lingers
	go func() {
		time.Sleep(20 * time.Millisecond)
		lock.Release()
	}()

	out, err := execute("--wait", "--timeout", "300ms")
	require.Error(t, err)
	assert.Equal(t, shared.ExitFailed, shared.ExitCode(err))
	assert.NotContains(t, out, "overseer stopped")
}

func TestStop_RejectsArgs(t *testing.T) {
	setup(t)
	cmd := NewCommand()
	cmd.SetArgs([]string{"web"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
