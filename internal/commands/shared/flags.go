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

// Package shared holds the flags and helpers every overseer command uses.
package shared

var (
	verboseFlag bool
	jsonFlag    bool
	configFlag  string

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns the storage of the persistent root flags.
func RegisterFlagPointers() (verbose, json *bool, config *string) {
	return &verboseFlag, &jsonFlag, &configFlag
}

// SetVersion sets the build information (called from main).
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVerbose reports whether --verbose was given.
func GetVerbose() bool {
	return verboseFlag
}

// GetJSON reports whether --json was given.
func GetJSON() bool {
	return jsonFlag
}

// GetConfigPath returns the --config value.
func GetConfigPath() string {
	return configFlag
}

// GetVersion returns version, commit and build date.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// SetConfigPathForTest overrides --config.
func SetConfigPathForTest(path string) {
	configFlag = path
}

// SetJSONForTest overrides --json.
func SetJSONForTest(v bool) {
	jsonFlag = v
}
