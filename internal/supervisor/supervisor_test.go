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

package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/overseer/internal/health"
	"github.com/tombee/overseer/internal/ipc"
	"github.com/tombee/overseer/internal/lifecycle"
	"github.com/tombee/overseer/internal/process"
	"github.com/tombee/overseer/internal/role"
	"github.com/tombee/overseer/internal/stream"
	"github.com/tombee/overseer/internal/testing/mock"
)

// transitions records every transition of a supervisor.
type transitions struct {
	mu  sync.Mutex
	log []lifecycle.State
}

func (r *transitions) listener(_, to lifecycle.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, to)
}

func (r *transitions) states() []lifecycle.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lifecycle.State(nil), r.log...)
}

func (r *transitions) count(s lifecycle.State) int {
	n := 0
	for _, got := range r.states() {
		if got == s {
			n++
		}
	}
	return n
}

// events records every event fired by a supervisor.
type events struct {
	operational   atomic.Int32
	askForRestart atomic.Int32
}

func (e *events) listener(_ role.ID, ev EventType) {
	switch ev {
	case Operational:
		e.operational.Add(1)
	case AskForRestart:
		e.askForRestart.Add(1)
	}
}

type harness struct {
	m        *ManagedProcess
	handle   *mock.Handle
	strategy *mock.Strategy
	trans    *transitions
	events   *events
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		handle:   mock.NewHandle(4242),
		strategy: mock.NewStrategy(),
		trans:    &transitions{},
		events:   &events{},
	}
	opts := Options{
		Role:               role.Web,
		StopTimeout:        time.Second,
		HardStopTimeout:    time.Second,
		PollDelay:          5 * time.Millisecond,
		EventListeners:     []EventListener{h.events.listener},
		LifecycleListeners: []lifecycle.Listener{h.trans.listener},
	}
	if configure != nil {
		configure(&opts)
	}
	h.m = New(opts)
	t.Cleanup(func() {
		if h.m.State() == lifecycle.Init {
			return
		}
		h.handle.Exit()
		h.m.HardStop()
		h.awaitStopped(t)
	})
	return h
}

func (h *harness) launch() (process.Handle, health.Strategy, error) {
	return h.handle, h.strategy, nil
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ok, err := h.m.Start(h.launch)
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) awaitStopped(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.m.AwaitStopped(ctx), "supervisor did not reach STOPPED, state %s", h.m.State())
}

func TestStart_OnlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	assert.Equal(t, lifecycle.Started, h.m.State())

	launched := false
	ok, err := h.m.Start(func() (process.Handle, health.Strategy, error) {
		launched = true
		return nil, nil, nil
	})
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, launched)
	assert.NotEmpty(t, h.m.RunID())
}

func TestStart_LaunchFailure(t *testing.T) {
	h := newHarness(t, nil)
	before := testutil.ToFloat64(processLaunchFailures.WithLabelValues(role.Web.Key))

	ok, err := h.m.Start(func() (process.Handle, health.Strategy, error) {
		return nil, nil, mock.ErrSpawn
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, mock.ErrSpawn)

	h.awaitStopped(t)
	assert.Equal(t, []lifecycle.State{
		lifecycle.Starting,
		lifecycle.Stopping,
		lifecycle.FinalizeStopping,
		lifecycle.Stopped,
	}, h.trans.states())
	assert.Equal(t, before+1, testutil.ToFloat64(processLaunchFailures.WithLabelValues(role.Web.Key)))
}

func TestStop_BeforeStart(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Stop()
	h.m.HardStop()
	assert.Equal(t, lifecycle.Init, h.m.State())
	assert.Empty(t, h.trans.states())
}

func TestStop_Graceful(t *testing.T) {
	h := newHarness(t, nil)
	h.strategy.OnStop = h.handle.Exit
	h.start(t)

	h.m.Stop()
	h.awaitStopped(t)

	assert.Equal(t, 1, h.strategy.StopCalls())
	assert.Equal(t, 0, h.handle.KillCalls())
	assert.True(t, h.handle.StreamsClosed())
	assert.Equal(t, 1, h.trans.count(lifecycle.FinalizeStopping))
	assert.Equal(t, 1, h.trans.count(lifecycle.Stopped))
}

func TestStop_Concurrent(t *testing.T) {
	h := newHarness(t, nil)
	h.strategy.OnStop = func() {
		// let every caller pile up before the process dies
		time.Sleep(20 * time.Millisecond)
		h.handle.Exit()
	}
	h.start(t)

	const callers = 10
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h.m.Stop()
			assert.False(t, h.handle.IsAlive(), "Stop returned while the process was alive")
		}()
	}
	close(start)
	wg.Wait()
	h.awaitStopped(t)

	assert.Equal(t, 1, h.strategy.StopCalls())
	assert.Equal(t, 1, h.trans.count(lifecycle.Stopping))
	assert.Equal(t, 1, h.trans.count(lifecycle.FinalizeStopping))
	assert.Equal(t, 1, h.trans.count(lifecycle.Stopped))
}

func TestStop_EscalatesOnTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.StopTimeout = 30 * time.Millisecond
		o.HardStopTimeout = 30 * time.Millisecond
	})
	h.handle.IgnoreTerminate = true
	h.strategy.OnStop = func() { h.handle.Terminate() }
	h.strategy.OnHardStop = func() { h.handle.Terminate() }
	h.start(t)

	graceful := testutil.ToFloat64(processEscalations.WithLabelValues(role.Web.Key, "graceful"))
	hard := testutil.ToFloat64(processEscalations.WithLabelValues(role.Web.Key, "hard"))

	h.m.Stop()
	h.awaitStopped(t)

	assert.Equal(t, []lifecycle.State{
		lifecycle.Starting,
		lifecycle.Started,
		lifecycle.Stopping,
		lifecycle.HardStopping,
		lifecycle.FinalizeStopping,
		lifecycle.Stopped,
	}, h.trans.states())
	assert.Equal(t, 1, h.strategy.StopCalls())
	assert.Equal(t, 1, h.strategy.HardStopCalls())
	assert.Equal(t, 2, h.handle.TerminateCalls())
	assert.Equal(t, 1, h.handle.KillCalls())
	assert.False(t, h.handle.IsAlive())

	assert.Equal(t, graceful+1, testutil.ToFloat64(processEscalations.WithLabelValues(role.Web.Key, "graceful")))
	assert.Equal(t, hard+1, testutil.ToFloat64(processEscalations.WithLabelValues(role.Web.Key, "hard")))
}

func TestHardStop_FinalizesEvenWhenStrategyFails(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HardStopTimeout = 20 * time.Millisecond
	})
	h.strategy.HardStopErr = errors.New("slot unavailable")
	h.start(t)

	h.m.HardStop()
	h.awaitStopped(t)

	assert.Equal(t, 1, h.strategy.HardStopCalls())
	assert.Equal(t, 1, h.handle.KillCalls())
	assert.Equal(t, 0, h.trans.count(lifecycle.Stopping))
}

func TestHardStop_KillsWhileHealthCheckIsStuck(t *testing.T) {
	var afterFinalize atomic.Int32
	var finalizing atomic.Bool
	h := newHarness(t, func(o *Options) {
		o.HardStopTimeout = 20 * time.Millisecond
		o.LifecycleListeners = append(o.LifecycleListeners, func(_, to lifecycle.State) {
			if to == lifecycle.FinalizeStopping {
				finalizing.Store(true)
			}
		})
		o.EventListeners = append(o.EventListeners, func(_ role.ID, ev EventType) {
			if ev == Operational && finalizing.Load() {
				afterFinalize.Add(1)
			}
		})
	})
	h.handle.IgnoreTerminate = true
	// the check ignores cancellation and only returns once the process is gone
	h.strategy.OnOperational = func(context.Context) { <-h.handle.Done() }
	h.strategy.SetOperational(true)
	h.start(t)

	require.Eventually(t, func() bool { return h.strategy.OperationalCalls() == 1 },
		2*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		h.m.HardStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("HardStop blocked on a stuck health check")
	}
	h.awaitStopped(t)

	assert.Equal(t, 1, h.handle.KillCalls())
	assert.Equal(t, int32(0), h.events.operational.Load())
	assert.Equal(t, int32(0), afterFinalize.Load())
	assert.False(t, h.m.IsOperational())
	assert.Equal(t, lifecycle.Stopped, h.m.State())
}

func TestCrash_TearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.strategy.SetOperational(true)
	h.start(t)

	require.Eventually(t, h.m.IsOperational, 2*time.Second, 5*time.Millisecond)
	h.handle.Exit()
	h.awaitStopped(t)

	assert.Equal(t, int32(1), h.events.operational.Load())
	assert.Equal(t, 1, h.strategy.HardStopCalls())
	assert.Equal(t, 0, h.strategy.StopCalls())
	assert.Equal(t, 0, h.handle.KillCalls())
	assert.True(t, h.handle.StreamsClosed())
	assert.Equal(t, 1, h.trans.count(lifecycle.Stopped))
}

func TestCrash_RacingStop(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, nil)
		h.start(t)

		go h.handle.Exit()
		h.m.Stop()
		h.awaitStopped(t)

		assert.Equal(t, 1, h.trans.count(lifecycle.FinalizeStopping))
		assert.Equal(t, 1, h.trans.count(lifecycle.Stopped))
	}
}

func TestOperational_EdgeTriggered(t *testing.T) {
	h := newHarness(t, nil)
	h.strategy.OperationalFunc = func(call int) bool { return call >= 4 }
	h.start(t)

	require.Eventually(t, h.m.IsOperational, 2*time.Second, 5*time.Millisecond)
	calls := h.strategy.OperationalCalls()
	assert.Equal(t, 4, calls)

	// later polls must not ask again nor fire again
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, h.strategy.OperationalCalls())
	assert.Equal(t, int32(1), h.events.operational.Load())
	assert.True(t, h.m.IsOperational())
}

func TestOperational_ClusterStrategyRetries(t *testing.T) {
	h := newHarness(t, nil)
	checker := &mock.Checker[health.State]{States: []health.State{
		health.ConnectionRefused, health.ConnectionRefused, health.ConnectionRefused, health.Green,
	}}
	cluster := health.NewClusterStrategy(h.handle, checker, nil, health.WithRetryInterval(time.Millisecond))

	ok, err := h.m.Start(func() (process.Handle, health.Strategy, error) {
		return h.handle, cluster, nil
	})
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, h.m.IsOperational, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, checker.Calls())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), h.events.operational.Load())
}

func TestAskForRestart_IPCTwice(t *testing.T) {
	shm, err := ipc.Open(t.TempDir())
	require.NoError(t, err)
	// registered before the harness so the mapping outlives the watchers
	t.Cleanup(func() { shm.Close() })
	slot, err := shm.Slot(role.Web.Index)
	require.NoError(t, err)

	h := newHarness(t, nil)
	ok, err := h.m.Start(func() (process.Handle, health.Strategy, error) {
		return h.handle, health.NewIPCStrategy(slot), nil
	})
	require.NoError(t, err)
	require.True(t, ok)

	for want := int32(1); want <= 2; want++ {
		slot.AskForRestart()
		require.Eventually(t, func() bool { return h.events.askForRestart.Load() == want },
			2*time.Second, 5*time.Millisecond)
		assert.False(t, slot.AskedForRestart())
		assert.True(t, slot.RestartAcknowledged())
	}

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), h.events.askForRestart.Load())
}

func TestAskForRestart_IPCRequestsBeforeAckMerge(t *testing.T) {
	shm, err := ipc.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { shm.Close() })
	slot, err := shm.Slot(role.Web.Index)
	require.NoError(t, err)

	// the slot holds a single flag, so a second request before the
	// acknowledgement is the same request
	slot.AskForRestart()
	slot.AskForRestart()

	h := newHarness(t, nil)
	ok, err := h.m.Start(func() (process.Handle, health.Strategy, error) {
		return h.handle, health.NewIPCStrategy(slot), nil
	})
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool { return h.events.askForRestart.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.True(t, slot.RestartAcknowledged())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), h.events.askForRestart.Load())
	assert.False(t, slot.AskedForRestart())
}

func TestAskForRestart_Acknowledged(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.strategy.RequestRestart()
	require.Eventually(t, func() bool { return h.events.askForRestart.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.strategy.Acks())
}

func TestStop_FromEventListener(t *testing.T) {
	var m *ManagedProcess
	stopped := make(chan struct{})
	h := newHarness(t, func(o *Options) {
		o.EventListeners = append(o.EventListeners, func(_ role.ID, ev EventType) {
			if ev == Operational {
				m.Stop()
				close(stopped)
			}
		})
	})
	m = h.m
	h.strategy.OnStop = h.handle.Exit
	h.strategy.SetOperational(true)
	h.start(t)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop called from an event listener deadlocked")
	}
	h.awaitStopped(t)
}

func TestOutput_RoutedToSinks(t *testing.T) {
	var mu sync.Mutex
	var general, startup []string
	h := newHarness(t, func(o *Options) {
		o.StreamFormat = stream.FormatPlain
		o.Sinks = stream.Sinks{
			General: stream.SinkFunc(func(l string) { mu.Lock(); general = append(general, l); mu.Unlock() }),
			Startup: stream.SinkFunc(func(l string) { mu.Lock(); startup = append(startup, l); mu.Unlock() }),
		}
	})
	h.start(t)

	require.NoError(t, h.handle.WriteLine("INFO web[][o.s.p.Server] booting"))
	require.NoError(t, h.handle.WriteLine("INFO web[][startup] Web Server is operational"))
	h.handle.Exit()
	h.awaitStopped(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"INFO web[][o.s.p.Server] booting"}, general)
	assert.Equal(t, []string{"Web Server is operational"}, startup)
}

func TestAudit_RecordsRun(t *testing.T) {
	path := t.TempDir() + "/lifecycle.log"
	h := newHarness(t, func(o *Options) {
		o.Audit = lifecycle.NewAuditLog(path, nil)
	})
	h.strategy.OnStop = h.handle.Exit
	h.start(t)
	h.m.Stop()
	h.awaitStopped(t)

	assert.FileExists(t, path)
	assert.Equal(t, 0.0, testutil.ToFloat64(processUp.WithLabelValues(role.Web.Key)))
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "OPERATIONAL", Operational.String())
	assert.Equal(t, "ASK_FOR_RESTART", AskForRestart.String())
	assert.Equal(t, "EventType(9)", EventType(9).String())
}
