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

// Package health implements the strategies a supervisor uses to learn whether
// its process is operational and to ask it to stop or restart.
package health

import (
	"context"

	"github.com/tombee/overseer/internal/ipc"
)

// Strategy is the capability set a supervisor needs from its process.
// IsOperational may block; the other operations return promptly.
type Strategy interface {
	IsOperational(ctx context.Context) bool
	AskForStop() error
	AskForHardStop() error
	AskedForRestart() bool
	AcknowledgeAskForRestart()
}

// IPCStrategy signals a process through its slot of the shared file.
type IPCStrategy struct {
	cmds *ipc.ProcessCommands
}

// NewIPCStrategy creates a strategy over one slot.
func NewIPCStrategy(cmds *ipc.ProcessCommands) *IPCStrategy {
	return &IPCStrategy{cmds: cmds}
}

// IsOperational reads the OPERATIONAL flag.
func (s *IPCStrategy) IsOperational(context.Context) bool {
	return s.cmds.IsOperational()
}

// AskForStop sets STOP_REQUESTED.
func (s *IPCStrategy) AskForStop() error {
	s.cmds.AskForStop()
	return nil
}

// AskForHardStop sets HARD_STOP_REQUESTED.
func (s *IPCStrategy) AskForHardStop() error {
	s.cmds.AskForHardStop()
	return nil
}

// AskedForRestart reads RESTART_REQUESTED.
func (s *IPCStrategy) AskedForRestart() bool {
	return s.cmds.AskedForRestart()
}

// AcknowledgeAskForRestart clears RESTART_REQUESTED and sets RESTART_ACK.
func (s *IPCStrategy) AcknowledgeAskForRestart() {
	s.cmds.AcknowledgeAskForRestart()
}
