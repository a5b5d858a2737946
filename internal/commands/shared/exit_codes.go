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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tombee/overseer/internal/ipc"
	overseererrors "github.com/tombee/overseer/pkg/errors"
)

const (
	ExitSuccess        = 0
	ExitFailed         = 1
	ExitInvalidConfig  = 2
	ExitNotRunning     = 3
	ExitAlreadyRunning = 4
)

// ErrNotRunning is returned by commands that need a live overseer.
var ErrNotRunning = errors.New("overseer is not running")

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExitError creates an ExitError.
func NewExitError(code int, msg string, cause error) *ExitError {
	return &ExitError{Code: code, Message: msg, Cause: cause}
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var cfgErr *overseererrors.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		return ExitInvalidConfig
	case errors.Is(err, ipc.ErrLocked):
		return ExitAlreadyRunning
	case errors.Is(err, ErrNotRunning):
		return ExitNotRunning
	}
	return ExitFailed
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	printError(os.Stderr, err)
	os.Exit(ExitCode(err))
}

func printError(w io.Writer, err error) {
	msg := err.Error()
	if msg == "" {
		return
	}
	fmt.Fprintln(w, "Error:", msg)
	if errors.Is(err, ipc.ErrLocked) {
		fmt.Fprintln(w, "\nSuggestion: run 'overseer status' to inspect the running overseer")
	}
}
