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
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	// StatusOK marks a live or operational process.
	StatusOK = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	// StatusWarn marks a pending stop or restart request.
	StatusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	// StatusError marks a missing overseer or a down process.
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	// Muted is for labels.
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	// Header is for section titles.
	Header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

const (
	SymbolOK    = "✓"
	SymbolError = "✗"
)

// RenderOK prefixes msg with a green check mark.
func RenderOK(msg string) string {
	return StatusOK.Render(SymbolOK) + " " + msg
}

// RenderError prefixes msg with a red cross.
func RenderError(msg string) string {
	return StatusError.Render(SymbolError) + " " + msg
}

// RenderStatus renders a flag as [label], green when set and red otherwise.
func RenderStatus(set bool, label string) string {
	if set {
		return StatusOK.Render("[" + label + "]")
	}
	return StatusError.Render("[" + label + "]")
}

// RenderLabel renders a dim label.
func RenderLabel(label string) string {
	return Muted.Render(label)
}

// IsTerminal reports whether w is a terminal. Styled output is only used
// when it is.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
