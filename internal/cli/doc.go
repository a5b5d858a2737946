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

/*
Package cli provides the root command of the overseer CLI.

This package creates the root Cobra command and handles global concerns like
version information, persistent flags, and exit codes. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	overseer
	├── start     Start and supervise the processes in the foreground
	├── stop      Ask the running overseer to stop (--hard to hard stop)
	├── status    Show the IPC flags of every process
	└── version   Show version

# Global Flags

	--config   Path to the config file (default: ~/.config/overseer/config.yaml)
	--json     Output in JSON format
	-v         Enable debug logging
*/
package cli
