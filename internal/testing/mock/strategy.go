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

package mock

import (
	"context"
	"sync/atomic"
)

// Strategy is a fake health.Strategy.
type Strategy struct {
	// OperationalFunc, when set, decides IsOperational from the 1-based call
	// number. Otherwise the value set with SetOperational is returned.
	OperationalFunc func(call int) bool
	// OnOperational, when set, runs at the start of every IsOperational call.
	OnOperational func(ctx context.Context)
	// OnStop and OnHardStop run inside AskForStop and AskForHardStop.
	OnStop     func()
	OnHardStop func()
	// StopErr and HardStopErr are returned by AskForStop and AskForHardStop.
	StopErr     error
	HardStopErr error

	operational      atomic.Bool
	operationalCalls atomic.Int32
	pendingRestarts  atomic.Int32
	acks             atomic.Int32
	stopCalls        atomic.Int32
	hardStopCalls    atomic.Int32
}

// NewStrategy creates a fake that is not operational.
func NewStrategy() *Strategy {
	return &Strategy{}
}

func (s *Strategy) IsOperational(ctx context.Context) bool {
	n := int(s.operationalCalls.Add(1))
	if s.OnOperational != nil {
		s.OnOperational(ctx)
	}
	if s.OperationalFunc != nil {
		return s.OperationalFunc(n)
	}
	return s.operational.Load()
}

func (s *Strategy) AskForStop() error {
	s.stopCalls.Add(1)
	if s.OnStop != nil {
		s.OnStop()
	}
	return s.StopErr
}

func (s *Strategy) AskForHardStop() error {
	s.hardStopCalls.Add(1)
	if s.OnHardStop != nil {
		s.OnHardStop()
	}
	return s.HardStopErr
}

func (s *Strategy) AskedForRestart() bool {
	return s.pendingRestarts.Load() > 0
}

func (s *Strategy) AcknowledgeAskForRestart() {
	s.pendingRestarts.Add(-1)
	s.acks.Add(1)
}

// SetOperational sets the value IsOperational returns.
func (s *Strategy) SetOperational(v bool) {
	s.operational.Store(v)
}

// RequestRestart queues one restart request.
func (s *Strategy) RequestRestart() {
	s.pendingRestarts.Add(1)
}

// OperationalCalls returns how many times IsOperational was called.
func (s *Strategy) OperationalCalls() int { return int(s.operationalCalls.Load()) }

// Acks returns how many restart requests were acknowledged.
func (s *Strategy) Acks() int { return int(s.acks.Load()) }

// StopCalls returns how many times AskForStop was called.
func (s *Strategy) StopCalls() int { return int(s.stopCalls.Load()) }

// HardStopCalls returns how many times AskForHardStop was called.
func (s *Strategy) HardStopCalls() int { return int(s.hardStopCalls.Load()) }

// Checker replays a fixed sequence of health states. The last state repeats
// once the sequence is exhausted. It is generic over the state type so the
// health package can use it in its own tests.
type Checker[S any] struct {
	States []S
	calls  atomic.Int32
}

// Check returns the next state.
func (c *Checker[S]) Check(context.Context) S {
	n := int(c.calls.Add(1))
	if n > len(c.States) {
		n = len(c.States)
	}
	return c.States[n-1]
}

// Calls returns how many checks were made.
func (c *Checker[S]) Calls() int {
	return int(c.calls.Load())
}
