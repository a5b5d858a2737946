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
Package lifecycle holds the state machines that govern supervised processes.

A Machine is parameterized by a Table. Two tables exist: SimpleTable with five
states, and ExtendedTable which splits teardown into graceful, hard and
finalize phases. Every teardown initiator calls TryTransition and treats a
false result as "someone else is already doing it":

	m := lifecycle.NewExtended(logger, func(from, to lifecycle.State) {
	    logger.Info("transition", "from", from, "to", to)
	})
	if !m.TryTransition(lifecycle.Stopping) {
	    // already stopping or stopped, wait for the process instead
	}

# Lifecycle Logging

Transitions can be appended to a JSON-lines audit file:

	audit := lifecycle.NewAuditLog("/var/log/overseer/lifecycle.log", logger)
	m := lifecycle.NewExtended(logger, audit.Listener("es", runID))
*/
package lifecycle
