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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	overseerlog "github.com/tombee/overseer/internal/log"
)

// DefaultConfigDebounce coalesces the bursts of events editors produce on
// save.
const DefaultConfigDebounce = 500 * time.Millisecond

// ConfigWatcher calls onChange after the config file is written, created or
// renamed into place. Events within the debounce window are coalesced.
type ConfigWatcher struct {
	path     string
	window   time.Duration
	onChange func()
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewConfigWatcher watches the directory of path, since editors replace the
// file rather than write it in place.
func NewConfigWatcher(path string, window time.Duration, onChange func(), logger *slog.Logger) (*ConfigWatcher, error) {
	if window <= 0 {
		window = DefaultConfigDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &ConfigWatcher{
		path:     absPath,
		window:   window,
		onChange: onChange,
		watcher:  fsw,
		logger:   overseerlog.WithComponent(logger, "configwatch").With(slog.String("path", absPath)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *ConfigWatcher) Start(ctx context.Context) {
	go w.eventLoop(ctx)
	w.logger.Info("config watcher started")
}

// Stop stops watching, drops any pending change and releases the watcher.
func (w *ConfigWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *ConfigWatcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Warn("config watcher event channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Warn("config watcher error channel closed")
				return
			}
			w.logger.Error("config watcher error", overseerlog.Error(err))
		}
	}
}

func (w *ConfigWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		w.logger.Debug("ignoring config event", slog.String("op", event.Op.String()))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.window, w.fire)
}

func (w *ConfigWatcher) fire() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	w.logger.Info("config file changed")
	w.onChange()
}
