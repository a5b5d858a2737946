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

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/overseer/internal/health"
	"github.com/tombee/overseer/internal/ipc"
	"github.com/tombee/overseer/internal/launcher"
	"github.com/tombee/overseer/internal/process"
	"github.com/tombee/overseer/internal/role"
	"github.com/tombee/overseer/internal/supervisor"
	"github.com/tombee/overseer/internal/testing/mock"
)

const waitFor = 5 * time.Second

// fakeLaunch hands out fake processes and records launches and stops.
type fakeLaunch struct {
	operational bool
	fail        map[string]error

	mu         sync.Mutex
	launches   []string
	stops      []string
	handles    map[string][]*mock.Handle
	strategies map[string][]*mock.Strategy
}

func newFakeLaunch(operational bool) *fakeLaunch {
	return &fakeLaunch{
		operational: operational,
		fail:        map[string]error{},
		handles:     map[string][]*mock.Handle{},
		strategies:  map[string][]*mock.Strategy{},
	}
}

func (f *fakeLaunch) launch(cmd launcher.Command) (process.Handle, health.Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := cmd.Role.Key
	f.launches = append(f.launches, key)
	if err := f.fail[key]; err != nil {
		return nil, nil, err
	}

	h := mock.NewHandle(1000 + len(f.launches))
	st := mock.NewStrategy()
	st.SetOperational(f.operational)
	st.OnStop = func() { f.recordStop(key); h.Exit() }
	st.OnHardStop = func() { f.recordStop(key); h.Exit() }
	f.handles[key] = append(f.handles[key], h)
	f.strategies[key] = append(f.strategies[key], st)
	return h, st, nil
}

func (f *fakeLaunch) recordStop(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, key)
}

func (f *fakeLaunch) launched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launches...)
}

func (f *fakeLaunch) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

func (f *fakeLaunch) handle(key string, run int) *mock.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[key][run]
}

func (f *fakeLaunch) strategy(key string, run int) *mock.Strategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strategies[key][run]
}

func (f *fakeLaunch) allDead() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, hs := range f.handles {
		for _, h := range hs {
			if h.IsAlive() {
				return false
			}
		}
	}
	return true
}

func allCommands() []launcher.Command {
	var cmds []launcher.Command
	for _, id := range role.Managed {
		cmds = append(cmds, launcher.Command{Role: id, Executable: "/bin/" + id.Key})
	}
	return cmds
}

func newScheduler(t *testing.T, f *fakeLaunch, configure func(*Options)) *Scheduler {
	t.Helper()
	opts := Options{
		Commands: allCommands(),
		Launch:   f.launch,
		Supervisor: supervisor.Options{
			PollDelay:       5 * time.Millisecond,
			StopTimeout:     time.Second,
			HardStopTimeout: time.Second,
		},
	}
	if configure != nil {
		configure(&opts)
	}
	s := New(opts)
	t.Cleanup(func() {
		s.HardTerminate()
	})
	return s
}

func awaitTermination(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.AwaitTermination(ctx))
}

func eventuallyLaunched(t *testing.T, f *fakeLaunch, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, f.launched()) },
		waitFor, 5*time.Millisecond, "launched %v", f.launched())
}

func TestStart_InDependencyOrder(t *testing.T) {
	f := newFakeLaunch(false)
	s := newScheduler(t, f, nil)
	require.NoError(t, s.Start())

	eventuallyLaunched(t, f, "es")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"es"}, f.launched(), "web started before search was operational")

	f.strategy("es", 0).SetOperational(true)
	eventuallyLaunched(t, f, "es", "web")

	f.strategy("web", 0).SetOperational(true)
	eventuallyLaunched(t, f, "es", "web", "ce")

	assert.Error(t, s.Start())
}

func TestStart_SkipsDisabledRoles(t *testing.T) {
	f := newFakeLaunch(true)
	s := newScheduler(t, f, func(o *Options) {
		o.Commands = []launcher.Command{
			{Role: role.Search, Executable: "/bin/es"},
			{Role: role.TaskEngine, Executable: "/bin/ce"},
		}
	})
	require.NoError(t, s.Start())

	eventuallyLaunched(t, f, "es", "ce")
	_, ok := s.Process(role.Web)
	assert.False(t, ok)
}

func TestStart_MarksSelfOperational(t *testing.T) {
	shm, err := ipc.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { shm.Close() })
	self, err := shm.Slot(role.Overseer.Index)
	require.NoError(t, err)

	f := newFakeLaunch(true)
	s := newScheduler(t, f, func(o *Options) { o.Self = self })
	require.NoError(t, s.Start())

	assert.True(t, self.IsUp())
	require.Eventually(t, self.IsOperational, waitFor, 5*time.Millisecond)
	assert.Len(t, f.launched(), 3)
}

func TestTerminate_StopsInReverseOrder(t *testing.T) {
	f := newFakeLaunch(true)
	s := newScheduler(t, f, nil)
	require.NoError(t, s.Start())
	eventuallyLaunched(t, f, "es", "web", "ce")

	s.Terminate()
	awaitTermination(t, s)

	assert.Equal(t, []string{"ce", "web", "es"}, f.stopped())
	assert.True(t, f.allDead())

	// a second terminate is harmless
	s.Terminate()
}

func TestUnexpectedStop_TerminatesAll(t *testing.T) {
	f := newFakeLaunch(true)
	s := newScheduler(t, f, nil)
	require.NoError(t, s.Start())
	eventuallyLaunched(t, f, "es", "web", "ce")

	f.handle("web", 0).Exit()
	awaitTermination(t, s)

	assert.True(t, f.allDead())
	assert.Equal(t, []string{"es", "web", "ce"}, f.launched())
}

func TestLaunchFailure_TerminatesAll(t *testing.T) {
	f := newFakeLaunch(true)
	f.fail["web"] = mock.ErrSpawn
	s := newScheduler(t, f, nil)
	require.NoError(t, s.Start())

	awaitTermination(t, s)
	assert.Equal(t, []string{"es", "web"}, f.launched())
	assert.True(t, f.allDead())
}

func TestAskForRestart_RestartsAll(t *testing.T) {
	f := newFakeLaunch(true)
	s := newScheduler(t, f, nil)
	require.NoError(t, s.Start())
	eventuallyLaunched(t, f, "es", "web", "ce")
	first, ok := s.Process(role.Web)
	require.True(t, ok)

	f.strategy("ce", 0).RequestRestart()
	eventuallyLaunched(t, f, "es", "web", "ce", "es", "web", "ce")

	assert.Equal(t, []string{"ce", "web", "es"}, f.stopped())
	for _, key := range []string{"es", "web", "ce"} {
		assert.False(t, f.handle(key, 0).IsAlive(), key)
		assert.True(t, f.handle(key, 1).IsAlive(), key)
	}

	second, ok := s.Process(role.Web)
	require.True(t, ok)
	assert.NotEqual(t, first.RunID(), second.RunID())

	select {
	case <-s.Terminated():
		t.Fatal("restart terminated the scheduler")
	default:
	}
}

func TestReload_UsesNewCommands(t *testing.T) {
	f := newFakeLaunch(true)
	s := newScheduler(t, f, nil)
	require.NoError(t, s.Start())
	eventuallyLaunched(t, f, "es", "web", "ce")

	s.Reload([]launcher.Command{{Role: role.Search, Executable: "/bin/es"}})
	eventuallyLaunched(t, f, "es", "web", "ce", "es")
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, f.launched(), 4)
}

func TestStopRequestWatcher_FiresOnce(t *testing.T) {
	shm, err := ipc.Open(t.TempDir())
	require.NoError(t, err)
	defer shm.Close()
	slot, err := shm.Slot(role.Overseer.Index)
	require.NoError(t, err)

	var calls atomic.Int32
	w := NewStopRequestWatcher(slot, 5*time.Millisecond, func() { calls.Add(1) }, nil)
	w.Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	slot.AskForStop()
	select {
	case <-w.Done():
	case <-time.After(waitFor):
		t.Fatal("watcher did not exit after the stop request")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	w.Stop()
}

func TestHardStopRequestWatcher_IgnoresGracefulFlag(t *testing.T) {
	shm, err := ipc.Open(t.TempDir())
	require.NoError(t, err)
	defer shm.Close()
	slot, err := shm.Slot(role.Overseer.Index)
	require.NoError(t, err)

	var calls atomic.Int32
	w := NewHardStopRequestWatcher(slot, 5*time.Millisecond, func() { calls.Add(1) }, nil)
	w.Start(context.Background())

	slot.AskForStop()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	slot.AskForHardStop()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, 5*time.Millisecond)
	w.Stop()
}

func TestStopRequestWatcher_StopWithoutStart(t *testing.T) {
	shm, err := ipc.Open(t.TempDir())
	require.NoError(t, err)
	defer shm.Close()
	slot, err := shm.Slot(role.Overseer.Index)
	require.NoError(t, err)

	w := NewStopRequestWatcher(slot, 0, func() {}, nil)
	w.Stop()
	w.Stop()
}

func TestStopRequestWatcher_ContextCancel(t *testing.T) {
	shm, err := ipc.Open(t.TempDir())
	require.NoError(t, err)
	defer shm.Close()
	slot, err := shm.Slot(role.Overseer.Index)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	w := NewStopRequestWatcher(slot, 5*time.Millisecond, func() { calls.Add(1) }, nil)
	w.Start(ctx)
	cancel()

	select {
	case <-w.Done():
	case <-time.After(waitFor):
		t.Fatal("watcher ignored cancellation")
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestConfigWatcher_CoalescesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))

	var calls atomic.Int32
	w, err := NewConfigWatcher(path, 50*time.Millisecond, func() { calls.Add(1) }, nil)
	require.NoError(t, err)
	w.Start(context.Background())
	defer w.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0o600))
	}
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, waitFor, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConfigWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))

	var calls atomic.Int32
	w, err := NewConfigWatcher(path, 10*time.Millisecond, func() { calls.Add(1) }, nil)
	require.NoError(t, err)
	w.Start(context.Background())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("b: 1\n"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	require.NoError(t, w.Stop())
}

func TestNewConfigWatcher_MissingDirectory(t *testing.T) {
	_, err := NewConfigWatcher(filepath.Join(t.TempDir(), "missing", "config.yaml"), 0, func() {}, nil)
	assert.Error(t, err)
}
