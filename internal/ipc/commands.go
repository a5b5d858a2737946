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

package ipc

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// ProcessCommands reads and writes the flags of one slot record.
type ProcessCommands struct {
	index int
	rec   []byte
}

// Status is a point-in-time copy of a slot. Fields are read one by one and
// may not be mutually consistent.
type Status struct {
	Index             int       `json:"index"`
	Up                bool      `json:"up"`
	Operational       bool      `json:"operational"`
	StopRequested     bool      `json:"stop_requested"`
	HardStopRequested bool      `json:"hard_stop_requested"`
	RestartRequested  bool      `json:"restart_requested"`
	RestartAck        bool      `json:"restart_ack"`
	LastPing          time.Time `json:"last_ping"`
}

// Index returns the slot index.
func (c *ProcessCommands) Index() int {
	return c.index
}

func (c *ProcessCommands) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&c.rec[off]))
}

func (c *ProcessCommands) get(off int) bool {
	return atomic.LoadUint32(c.word(off)) != 0
}

func (c *ProcessCommands) set(off int, v bool) {
	var n uint32
	if v {
		n = 1
	}
	atomic.StoreUint32(c.word(off), n)
}

// SetUp marks the process as started.
func (c *ProcessCommands) SetUp() { c.set(offUp, true) }

// IsUp reports whether the process marked itself started.
func (c *ProcessCommands) IsUp() bool { return c.get(offUp) }

// SetOperational marks the process as ready to serve.
func (c *ProcessCommands) SetOperational() { c.set(offOperational, true) }

// IsOperational reports whether the process marked itself ready to serve.
func (c *ProcessCommands) IsOperational() bool { return c.get(offOperational) }

// AskForStop requests a graceful stop.
func (c *ProcessCommands) AskForStop() { c.set(offStop, true) }

// AskedForStop reports whether a graceful stop was requested.
func (c *ProcessCommands) AskedForStop() bool { return c.get(offStop) }

// AskForHardStop requests a hard stop.
func (c *ProcessCommands) AskForHardStop() { c.set(offHardStop, true) }

// AskedForHardStop reports whether a hard stop was requested.
func (c *ProcessCommands) AskedForHardStop() bool { return c.get(offHardStop) }

// AskForRestart requests a restart of the whole process set.
func (c *ProcessCommands) AskForRestart() {
	c.set(offRestartAck, false)
	c.set(offRestart, true)
}

// AskedForRestart reports whether a restart was requested and not yet
// acknowledged.
func (c *ProcessCommands) AskedForRestart() bool { return c.get(offRestart) }

// AcknowledgeAskForRestart clears the restart request and records the
// acknowledgement so the requester can see it was picked up.
func (c *ProcessCommands) AcknowledgeAskForRestart() {
	c.set(offRestart, false)
	c.set(offRestartAck, true)
}

// RestartAcknowledged reports whether the last restart request was picked up.
func (c *ProcessCommands) RestartAcknowledged() bool { return c.get(offRestartAck) }

// Ping records a heartbeat at the current time.
func (c *ProcessCommands) Ping() {
	atomic.StoreInt64((*int64)(unsafe.Pointer(&c.rec[offHeartbeat])), time.Now().UnixMilli())
}

// LastPing returns the time of the last heartbeat, or the zero time if none.
func (c *ProcessCommands) LastPing() time.Time {
	ms := atomic.LoadInt64((*int64)(unsafe.Pointer(&c.rec[offHeartbeat])))
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Reset clears every flag of the slot. The launcher calls it before spawning
// so a new process never sees requests addressed to its predecessor.
func (c *ProcessCommands) Reset() {
	for off := offUp; off < offHeartbeat; off += 4 {
		c.set(off, false)
	}
	atomic.StoreInt64((*int64)(unsafe.Pointer(&c.rec[offHeartbeat])), 0)
}

// Status reads every field of the slot.
func (c *ProcessCommands) Status() Status {
	return Status{
		Index:             c.index,
		Up:                c.IsUp(),
		Operational:       c.IsOperational(),
		StopRequested:     c.AskedForStop(),
		HardStopRequested: c.AskedForHardStop(),
		RestartRequested:  c.AskedForRestart(),
		RestartAck:        c.RestartAcknowledged(),
		LastPing:          c.LastPing(),
	}
}
