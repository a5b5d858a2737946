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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/overseer/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for overseer
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overseer",
		Short: "overseer - supervise the search, web and task engine processes",
		Long: `overseer starts the search node, the web server and the task engine in
order, watches them through a shared IPC file and stops all of them when one
dies or a stop is requested.

Run 'overseer start' to supervise in the foreground.
Run 'overseer status' from another terminal to inspect a running overseer.`,
		SilenceUsage:  true,
		SilenceErrors: true, // errors are printed by HandleExitError with their exit code
	}

	verbose, json, config := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/overseer/config.yaml)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError prints err and exits with the matching code
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
