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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock(t *testing.T) {
	t.Run("writes PID and excludes a second holder", func(t *testing.T) {
		dir := t.TempDir()

		lock, err := AcquireLock(dir, 1234)
		require.NoError(t, err)

		pid, err := ReadLockPID(dir)
		require.NoError(t, err)
		assert.Equal(t, 1234, pid)
		assert.True(t, IsLocked(dir))

		_, err = AcquireLock(dir, 5678)
		assert.ErrorIs(t, err, ErrLocked)

		require.NoError(t, lock.Release())
		require.NoError(t, lock.Release())
		assert.False(t, IsLocked(dir))

		_, err = os.Stat(LockPath(dir))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("reuses a stale lock file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(LockPath(dir), []byte("99999999\n"), 0600))
		assert.False(t, IsLocked(dir))

		lock, err := AcquireLock(dir, 42)
		require.NoError(t, err)
		defer lock.Release()

		pid, err := ReadLockPID(dir)
		require.NoError(t, err)
		assert.Equal(t, 42, pid)
	})

	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "ipc")

		lock, err := AcquireLock(dir, 7)
		require.NoError(t, err)
		defer lock.Release()

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("rejects world-writable directory", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.Chmod(dir, 0777))

		_, err := AcquireLock(dir, 1)
		assert.ErrorIs(t, err, ErrUnsafeDirectory)
	})
}

func TestReadLockPID(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"garbage", "not-a-pid", ErrInvalidPID},
		{"negative", "-5", ErrInvalidPID},
		{"zero", "0", ErrInvalidPID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(LockPath(dir), []byte(tt.content), 0600))

			_, err := ReadLockPID(dir)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	t.Run("missing", func(t *testing.T) {
		_, err := ReadLockPID(t.TempDir())
		assert.True(t, os.IsNotExist(err))
	})
}
