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

package config

import (
	"os"
	"path/filepath"
)

// ConfigDir returns the XDG config directory for overseer, creating it if
// needed. It respects XDG_CONFIG_HOME and falls back to ~/.config/overseer
// on every platform.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}

	configDir := filepath.Join(base, "overseer")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}
	return configDir, nil
}

// ConfigPath returns the default config file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DataDir returns the XDG data directory for overseer without creating it.
// It respects XDG_DATA_HOME and falls back to ~/.local/share/overseer, or
// a directory under the temp dir when there is no home.
func DataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "overseer", "data")
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "overseer")
}

// ResolvePath returns path when set, else the default config file when it
// exists, else "" meaning defaults and environment only.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	def, err := ConfigPath()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(def); err != nil {
		return ""
	}
	return def
}
