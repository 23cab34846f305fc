// Package trace provides SQLite-backed storage for workflow provenance.
//
// A trace holds two kinds of records:
//   - Structure: Actors, Nodes, Ports and Channels of the workflow graph,
//     stored once before the run starts
//   - Events: Steps, Packets, PortEvents, Data and Resources, appended while
//     the workflow runs
//
// # Recording Rules
//
// Read events may be reported before the step that consumes them exists.
// They are stored with a NULL step and attached to the node's next step
// when it starts, in the same transaction that opens the step.
//
// A packet's origin is the first write event that carries it. Packets are
// inserted with a NULL origin at creation and backfilled on first send.
//
// Primary writes (packets, events, steps) fail the recording call.
// Secondary writes (metadata values, products entries) are logged at Warn
// and skipped.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - One open connection: every write of a run goes through a single
//     writer, in the order the events were reported
//
// All exports order their rows explicitly so two traces of the same event
// sequence render identically.
package trace
