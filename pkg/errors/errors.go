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

// Package errors defines the typed errors shared across overseer packages.
//
// All types support errors.Is/As through Unwrap so callers can branch on the
// failure category without parsing messages.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ConfigError represents configuration problems: unreadable files, bad YAML,
// or values rejected by validation.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "search.port")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Key != "" {
		msg = fmt.Sprintf("config error at %s", e.Key)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// LaunchError reports that a supervised process could not be spawned.
// Launch failures are never retried by the supervisor.
type LaunchError struct {
	// Role is the key of the role being launched (e.g., "es", "web")
	Role string

	// Executable is the program that failed to start
	Executable string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	if e.Executable != "" {
		return fmt.Sprintf("failed to launch %s (%s): %v", e.Role, e.Executable, e.Cause)
	}
	return fmt.Sprintf("failed to launch %s: %v", e.Role, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *LaunchError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents a bounded wait that expired.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "graceful stop of web")
	Operation string

	// Duration is the budget that was exhausted
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// NotFoundError represents a lookup that found nothing.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "role", "ipc slot")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Wrap annotates err with message. Returns nil when err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
