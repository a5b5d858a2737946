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

// Package role identifies the fixed set of processes overseer supervises.
package role

import (
	"log/slog"

	overseererrors "github.com/tombee/overseer/pkg/errors"
)

// ID is the immutable identity of a supervised process: its key, used in logs
// and file names, and the index of its slot in the shared IPC file.
type ID struct {
	Key   string
	Index int
}

var (
	// Overseer is the supervisor itself. Its slot carries external stop requests.
	Overseer = ID{Key: "app", Index: 0}
	// Search is the search-engine node.
	Search = ID{Key: "es", Index: 1}
	// Web is the front-end server.
	Web = ID{Key: "web", Index: 2}
	// TaskEngine is the background-task engine.
	TaskEngine = ID{Key: "ce", Index: 3}
)

// All lists every role in slot order.
var All = []ID{Overseer, Search, Web, TaskEngine}

// Managed lists the roles that run as child processes, in start order.
var Managed = []ID{Search, Web, TaskEngine}

// String returns the role key.
func (id ID) String() string {
	return id.Key
}

// LogValue implements slog.LogValuer.
func (id ID) LogValue() slog.Value {
	return slog.StringValue(id.Key)
}

// Lookup returns the role with the given key.
func Lookup(key string) (ID, error) {
	for _, id := range All {
		if id.Key == key {
			return id, nil
		}
	}
	return ID{}, &overseererrors.NotFoundError{Resource: "role", ID: key}
}
