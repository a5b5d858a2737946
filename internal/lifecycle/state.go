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

package lifecycle

import "fmt"

// State is a lifecycle state of a supervised process.
//
//	            +-------------------+
//	            | Init              |
//	            +-+-----------------+
//	              |
//	            +-v-----------------+
//	     +------+ Starting          +------+
//	     |      +-+-----------------+      |
//	     |        |                        |
//	     |      +-v-----------------+      |
//	     +------+ Started           +------+
//	     |      +-------------------+      |
//	     |                                 |
//	   +-v-----------------+   +-----------v-------+
//	   | Stopping          +---> HardStopping      |
//	   +-+-----------------+   +-+-----------------+
//	     |                       |
//	   +-v-----------------------v-+
//	   | FinalizeStopping          |
//	   +-+-------------------------+
//	     |
//	   +-v-----------------+
//	   | Stopped           |
//	   +-------------------+
//
// The diagram shows the extended table. The simple table skips HardStopping
// and FinalizeStopping and lets Starting and Started reach Stopped directly.
type State uint8

const (
	Init State = iota
	Starting
	Started
	Stopping
	HardStopping
	FinalizeStopping
	Stopped

	numStates
)

// String returns the upper-case state name used in logs.
func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Starting:
		return "STARTING"
	case Started:
		return "STARTED"
	case Stopping:
		return "STOPPING"
	case HardStopping:
		return "HARD_STOPPING"
	case FinalizeStopping:
		return "FINALIZE_STOPPING"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// States lists every state in ordinal order.
func States() []State {
	out := make([]State, 0, numStates)
	for s := Init; s < numStates; s++ {
		out = append(out, s)
	}
	return out
}

// Table is a read-only adjacency structure: bit t of entry s is set when a
// transition from s to t is legal.
type Table struct {
	name  string
	edges [numStates]uint16
}

func newTable(name string, edges map[State][]State) *Table {
	t := &Table{name: name}
	for from, tos := range edges {
		for _, to := range tos {
			t.edges[from] |= 1 << to
		}
	}
	return t
}

// Name identifies the table in logs.
func (t *Table) Name() string {
	return t.name
}

// Allows reports whether to is reachable from from in one hop.
func (t *Table) Allows(from, to State) bool {
	if from >= numStates || to >= numStates {
		return false
	}
	return t.edges[from]&(1<<to) != 0
}

// Targets returns the states reachable from s in one hop.
func (t *Table) Targets(s State) []State {
	var out []State
	for to := Init; to < numStates; to++ {
		if t.Allows(s, to) {
			out = append(out, to)
		}
	}
	return out
}

var (
	// SimpleTable is the five-state lifecycle.
	SimpleTable = newTable("simple", map[State][]State{
		Init:     {Starting},
		Starting: {Started, Stopping, Stopped},
		Started:  {Stopping, Stopped},
		Stopping: {Stopped},
	})

	// ExtendedTable splits teardown into graceful, hard and finalize phases so
	// each one can be guarded and logged on its own.
	ExtendedTable = newTable("extended", map[State][]State{
		Init:             {Starting},
		Starting:         {Started, Stopping, HardStopping},
		Started:          {Stopping, HardStopping},
		Stopping:         {HardStopping, FinalizeStopping},
		HardStopping:     {FinalizeStopping},
		FinalizeStopping: {Stopped},
	})
)
