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

package lifecycle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEvent is one line of the lifecycle audit log.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"` // "transition", "overseer_start", "overseer_stop"
	Role      string    `json:"role,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Version   string    `json:"version,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// AuditLog appends lifecycle events to a JSON-lines file. A nil *AuditLog
// discards everything, which lets callers skip nil checks when auditing is off.
type AuditLog struct {
	mu      sync.Mutex
	logPath string
	logger  *slog.Logger
}

// NewAuditLog creates an audit log writing to logPath. An empty path returns nil.
func NewAuditLog(logPath string, logger *slog.Logger) *AuditLog {
	if logPath == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{logPath: logPath, logger: logger}
}

// Listener returns a transition listener that records every state change of
// the process identified by roleKey and runID.
func (a *AuditLog) Listener(roleKey, runID string) Listener {
	return func(from, to State) {
		a.record(AuditEvent{
			Timestamp: time.Now(),
			Event:     "transition",
			Role:      roleKey,
			RunID:     runID,
			From:      from.String(),
			To:        to.String(),
		})
	}
}

// LogOverseerStart records that the overseer itself started.
func (a *AuditLog) LogOverseerStart(version, configFile string) {
	a.record(AuditEvent{
		Timestamp: time.Now(),
		Event:     "overseer_start",
		Version:   version,
		Message:   fmt.Sprintf("config: %s", configFile),
	})
}

// LogOverseerStop records that the overseer is shutting down and why.
func (a *AuditLog) LogOverseerStop(reason string) {
	a.record(AuditEvent{
		Timestamp: time.Now(),
		Event:     "overseer_stop",
		Message:   reason,
	})
}

// record never fails the caller: listeners run inside the state machine lock
// and must not block teardown on a full disk.
func (a *AuditLog) record(event AuditEvent) {
	if a == nil {
		return
	}
	if err := a.writeEvent(event); err != nil {
		a.logger.Warn("failed to write lifecycle audit event", slog.Any("error", err))
	}
}

func (a *AuditLog) writeEvent(event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.logPath), 0700); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}

	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}
