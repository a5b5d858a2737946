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

// Package ipc maps the file shared between the overseer and its children.
//
// The file holds one fixed-size record per role slot. Every flag in a record
// is a 32-bit word read and written with a single atomic access; there is no
// transaction across flags, so a reader may observe one flag updated and a
// neighbouring one not yet. Callers treat each flag independently.
//
//	offset  field
//	0       UP
//	4       OPERATIONAL
//	8       STOP_REQUESTED
//	12      HARD_STOP_REQUESTED
//	16      RESTART_REQUESTED
//	20      RESTART_ACK
//	24      heartbeat (int64, unix millis)
package ipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// FileName is the name of the shared file inside the IPC directory.
	FileName = "sharedmemory"
	// MaxSlots is the number of role slots in the shared file.
	MaxSlots = 5
	// RecordSize is the size in bytes of one slot record.
	RecordSize = 32
)

const (
	offUp = iota * 4
	offOperational
	offStop
	offHardStop
	offRestart
	offRestartAck
	offHeartbeat
)

var (
	// ErrInvalidSlot is returned for a slot index outside [0, MaxSlots).
	ErrInvalidSlot = errors.New("invalid IPC slot index")

	// ErrClosed is returned when using a SharedMemory after Close.
	ErrClosed = errors.New("shared memory is closed")
)

// SharedMemory is a mapping of the shared file. Slot accessors must not be
// used after Close.
type SharedMemory struct {
	dir  string
	mu   sync.Mutex
	data []byte
}

// Path returns the path of the shared file in dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Open maps the shared file in dir, creating the directory and the file when
// missing. Several Opens of the same directory, in one process or many, see
// the same bytes.
func Open(dir string) (*SharedMemory, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create IPC directory: %w", err)
	}

	f, err := os.OpenFile(Path(dir), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared file: %w", err)
	}
	// the mapping stays valid after the descriptor is closed
	defer f.Close()

	const size = MaxSlots * RecordSize
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat shared file: %w", err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			return nil, fmt.Errorf("failed to size shared file: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map shared file: %w", err)
	}

	return &SharedMemory{dir: dir, data: data}, nil
}

// Dir returns the IPC directory.
func (s *SharedMemory) Dir() string {
	return s.dir
}

// Slot returns the commands for one role slot.
func (s *SharedMemory) Slot(index int) (*ProcessCommands, error) {
	if index < 0 || index >= MaxSlots {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, index)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, ErrClosed
	}

	start := index * RecordSize
	return &ProcessCommands{index: index, rec: s.data[start : start+RecordSize : start+RecordSize]}, nil
}

// Close unmaps the shared file. It is safe to call more than once.
func (s *SharedMemory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if err != nil {
		return fmt.Errorf("failed to unmap shared file: %w", err)
	}
	return nil
}
