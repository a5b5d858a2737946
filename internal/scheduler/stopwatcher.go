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
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/overseer/internal/ipc"
	overseerlog "github.com/tombee/overseer/internal/log"
)

// DefaultStopRequestDelay is the polling delay of the stop request watchers.
const DefaultStopRequestDelay = 500 * time.Millisecond

// StopRequestWatcher polls one flag of the overseer's slot and runs an
// action the first time it is set. It exits after running the action.
type StopRequestWatcher struct {
	name   string
	asked  func() bool
	action func()
	delay  time.Duration
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewStopRequestWatcher calls terminate when `overseer stop` sets the stop
// flag of slot.
func NewStopRequestWatcher(slot *ipc.ProcessCommands, delay time.Duration, terminate func(), logger *slog.Logger) *StopRequestWatcher {
	return newWatcher("stop", slot.AskedForStop, delay, terminate, logger)
}

// NewHardStopRequestWatcher calls hardTerminate when `overseer stop --hard`
// sets the hard stop flag of slot.
func NewHardStopRequestWatcher(slot *ipc.ProcessCommands, delay time.Duration, hardTerminate func(), logger *slog.Logger) *StopRequestWatcher {
	return newWatcher("hard_stop", slot.AskedForHardStop, delay, hardTerminate, logger)
}

func newWatcher(name string, asked func() bool, delay time.Duration, action func(), logger *slog.Logger) *StopRequestWatcher {
	if delay <= 0 {
		delay = DefaultStopRequestDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StopRequestWatcher{
		name:   name,
		asked:  asked,
		action: action,
		delay:  delay,
		logger: overseerlog.WithComponent(logger, "stopwatcher").With(slog.String("request", name)),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins polling. It returns immediately.
func (w *StopRequestWatcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.loop(ctx)
	})
}

// Stop ends polling and waits for the watcher to exit. It must not be
// called from the action.
func (w *StopRequestWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.startOnce.Do(func() { close(w.doneCh) })
	<-w.doneCh
}

// Done is closed when the watcher has exited.
func (w *StopRequestWatcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *StopRequestWatcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.asked() {
				w.logger.Info("stop requested")
				w.action()
				return
			}
		}
	}
}
