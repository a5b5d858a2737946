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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// LockFileName is the name of the overseer lock inside the IPC directory.
const LockFileName = "overseer.pid"

var (
	// ErrLocked is returned when another overseer holds the IPC directory.
	ErrLocked = errors.New("IPC directory is locked by another overseer")

	// ErrInvalidPID is returned when the lock file contains invalid data.
	ErrInvalidPID = errors.New("invalid PID in lock file")

	// ErrUnsafeDirectory is returned when the IPC directory is world-writable.
	ErrUnsafeDirectory = errors.New("IPC directory is world-writable")
)

// Lock is an exclusive claim on an IPC directory. The file records the
// holder's PID so `overseer status` and `overseer stop` can find it.
type Lock struct {
	path string
	file *os.File
}

// LockPath returns the path of the lock file in dir.
func LockPath(dir string) string {
	return filepath.Join(dir, LockFileName)
}

// AcquireLock takes the lock on dir and writes pid into it. A lock file left
// behind by a dead overseer is reused since its flock died with it.
func AcquireLock(dir string, pid int) (*Lock, error) {
	if err := verifyDirectorySafety(dir); err != nil {
		return nil, fmt.Errorf("unsafe IPC directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create IPC directory: %w", err)
	}

	path := LockPath(dir)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_NOFOLLOW, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock IPC directory: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write PID: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to sync lock file: %w", err)
	}

	return &Lock{path: path, file: f}, nil
}

// Release drops the lock and removes the file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// ReadLockPID returns the PID of the overseer holding dir. It returns an
// os.ErrNotExist error when no overseer ever held it and ErrInvalidPID when
// the file is corrupted.
func ReadLockPID(dir string) (int, error) {
	data, err := os.ReadFile(LockPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to read lock file: %w", err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPID, pidStr)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

// IsLocked reports whether a live overseer currently holds dir.
func IsLocked(dir string) bool {
	f, err := os.Open(LockPath(dir))
	if err != nil {
		return false
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return errors.Is(err, unix.EWOULDBLOCK)
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}

// verifyDirectorySafety checks that the directory is not world-writable.
func verifyDirectorySafety(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	mode := info.Mode()
	if mode&0002 != 0 && mode&os.ModeSticky == 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}
	return nil
}
