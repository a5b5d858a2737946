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

package daemon

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/overseer/internal/config"
	"github.com/tombee/overseer/internal/ipc"
	"github.com/tombee/overseer/internal/role"
	"github.com/tombee/overseer/internal/testing/mock"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.IPC.Dir = filepath.Join(root, "ipc")
	cfg.Paths.Temp = filepath.Join(root, "tmp")
	cfg.Paths.Data = filepath.Join(root, "data")
	cfg.Log.AuditFile = filepath.Join(root, "audit.log")
	cfg.Supervisor.PollDelay = 5 * time.Millisecond
	cfg.Supervisor.StopTimeout = 50 * time.Millisecond
	cfg.Supervisor.HardStopTimeout = 50 * time.Millisecond
	cfg.ExternalStop.PollDelay = 5 * time.Millisecond
	cfg.Search.Enabled = false
	cfg.Web.Executable = "/opt/app/bin/web"
	cfg.TaskEngine.Executable = "/opt/app/bin/ce"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	return cfg
}

func newDaemon(t *testing.T, cfg *config.Config, spawner *mock.Spawner) *Daemon {
	t.Helper()
	d, err := New(context.Background(), cfg, Options{
		Version:  "test",
		Spawner:  spawner,
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return d
}

func awaitHandles(t *testing.T, spawner *mock.Spawner, n int) []*mock.Handle {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(spawner.Handles()) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return spawner.Handles()
}

func TestNew_LockedDirectory(t *testing.T) {
	cfg := testConfig(t)
	d := newDaemon(t, cfg, mock.NewSpawner())
	defer d.Shutdown(context.Background())

	_, err := New(context.Background(), cfg, Options{
		Spawner:  mock.NewSpawner(),
		Registry: prometheus.NewRegistry(),
	})
	assert.ErrorIs(t, err, ipc.ErrLocked)
}

func TestNew_ClearsStaleRequests(t *testing.T) {
	cfg := testConfig(t)

	shm, err := ipc.Open(cfg.IPC.Dir)
	require.NoError(t, err)
	t.Cleanup(func() { shm.Close() })
	self, err := shm.Slot(role.Overseer.Index)
	require.NoError(t, err)
	self.AskForStop()

	d := newDaemon(t, cfg, mock.NewSpawner())
	defer d.Shutdown(context.Background())

	assert.False(t, self.AskedForStop())
}

func TestNew_RemovesStalePropertiesFiles(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Paths.Temp, 0700))
	stale := filepath.Join(cfg.Paths.Temp, "web-123.properties")
	require.NoError(t, os.WriteFile(stale, []byte("process.key=web\n"), 0600))

	d := newDaemon(t, cfg, mock.NewSpawner())
	defer d.Shutdown(context.Background())

	assert.NoFileExists(t, stale)
}

func TestNew_LockedDirectoryKeepsPropertiesFiles(t *testing.T) {
	cfg := testConfig(t)
	d := newDaemon(t, cfg, mock.NewSpawner())
	defer d.Shutdown(context.Background())

	live := filepath.Join(cfg.Paths.Temp, "web-456.properties")
	require.NoError(t, os.WriteFile(live, []byte("process.key=web\n"), 0600))

	_, err := New(context.Background(), cfg, Options{
		Spawner:  mock.NewSpawner(),
		Registry: prometheus.NewRegistry(),
	})
	require.ErrorIs(t, err, ipc.ErrLocked)
	assert.FileExists(t, live)
}

func TestDaemon_Lifecycle(t *testing.T) {
	cfg := testConfig(t)
	spawner := mock.NewSpawner()
	d := newDaemon(t, cfg, spawner)

	shm, err := ipc.Open(cfg.IPC.Dir)
	require.NoError(t, err)
	t.Cleanup(func() { shm.Close() })
	web, err := shm.Slot(role.Web.Index)
	require.NoError(t, err)
	self, err := shm.Slot(role.Overseer.Index)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(context.Background()) }()

	// the task engine waits for the web server
	handles := awaitHandles(t, spawner, 1)
	require.Len(t, handles, 1)
	assert.True(t, self.IsUp())
	web.SetOperational()

	handles = awaitHandles(t, spawner, 2)
	ce, err := shm.Slot(role.TaskEngine.Index)
	require.NoError(t, err)
	ce.SetOperational()
	require.Eventually(t, self.IsOperational, 5*time.Second, 5*time.Millisecond)

	addr := d.MetricsAddr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "overseer_process_transitions_total")

	self.AskForStop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("overseer did not stop on request")
	}

	for _, h := range handles {
		assert.False(t, h.IsAlive())
	}

	require.NoError(t, d.Shutdown(context.Background()))
	assert.False(t, ipc.IsLocked(cfg.IPC.Dir))

	audit, err := os.ReadFile(cfg.Log.AuditFile)
	require.NoError(t, err)
	assert.Contains(t, string(audit), "overseer_start")
	assert.Contains(t, string(audit), "overseer_stop")
}

func TestDaemon_UnexpectedExitTerminates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	spawner := mock.NewSpawner()
	d := newDaemon(t, cfg, spawner)
	defer d.Shutdown(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(context.Background()) }()

	handles := awaitHandles(t, spawner, 1)
	handles[0].Exit()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("overseer did not stop after its process died")
	}
	assert.Empty(t, d.MetricsAddr())
}

func TestDaemon_StartTwice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	d := newDaemon(t, cfg, mock.NewSpawner())
	defer d.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.started
	}, 5*time.Second, 5*time.Millisecond)
	assert.Error(t, d.Start(ctx))

	cancel()
	require.NoError(t, <-errCh)
}

func TestShutdown_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	d := newDaemon(t, cfg, mock.NewSpawner())
	require.NoError(t, d.Shutdown(context.Background()))
	require.NoError(t, d.Shutdown(context.Background()))
}
