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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	overseererrors "github.com/tombee/overseer/pkg/errors"
)

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *overseererrors.ConfigError
		wantMsg string
	}{
		{
			name:    "with key",
			err:     &overseererrors.ConfigError{Key: "search.port", Reason: "must be positive"},
			wantMsg: "config error at search.port: must be positive",
		},
		{
			name:    "without key",
			err:     &overseererrors.ConfigError{Reason: "bad file"},
			wantMsg: "config error: bad file",
		},
		{
			name:    "with cause",
			err:     &overseererrors.ConfigError{Key: "config_file", Reason: "failed to load", Cause: errors.New("no such file")},
			wantMsg: "config error at config_file: failed to load: no such file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestLaunchError(t *testing.T) {
	cause := errors.New("exec: not found")
	err := &overseererrors.LaunchError{Role: "web", Executable: "/opt/web/bin/web", Cause: cause}

	assert.Equal(t, "failed to launch web (/opt/web/bin/web): exec: not found", err.Error())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("scheduler: %w", err)
	var target *overseererrors.LaunchError
	require.True(t, overseererrors.As(wrapped, &target))
	assert.Equal(t, "web", target.Role)
}

func TestTimeoutError(t *testing.T) {
	err := &overseererrors.TimeoutError{Operation: "graceful stop of es", Duration: 2 * time.Second}
	assert.True(t, strings.Contains(err.Error(), "2s"))
	assert.Nil(t, err.Unwrap())
}

func TestWrap(t *testing.T) {
	t.Run("returns nil for nil error", func(t *testing.T) {
		assert.NoError(t, overseererrors.Wrap(nil, "context"))
		assert.NoError(t, overseererrors.Wrapf(nil, "context %d", 1))
	})

	t.Run("preserves error chain", func(t *testing.T) {
		root := errors.New("root cause")
		wrapped := overseererrors.Wrapf(root, "opening slot %d", 3)
		assert.Equal(t, "opening slot 3: root cause", wrapped.Error())
		assert.True(t, overseererrors.Is(wrapped, root))
	})
}
