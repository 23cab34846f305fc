// Package harness runs declarative workflow scenarios against a fresh
// provenance trace.
//
// A scenario declares a workflow graph (nodes, ports, wiring) and a script of
// transport and step events. The harness builds the graph with package
// graph, drives the ports of package dataflow, and records everything
// through a trace.BasicRecorder. The resulting exports (Prolog graph and
// events, step counts, resources, products) are compared against golden
// files.
//
// # Scenario Format
//
//	name: multiply
//	description: a singleton scales a two-element sequence
//	workflow:
//	  name: OneShotInflowWorkflow
//	  autowire: true
//	  nodes:
//	    - name: CreateSingletonData
//	      steps_once: true
//	      outflows:
//	        - {label: value, template: /multiplier}
//	    - name: MultiplySequenceBySingleton
//	      inflows:
//	        - {label: a, template: /multiplier, receive_once: true}
//	events:
//	  - {action: run_start}
//	  - {action: step_start, node: CreateSingletonData}
//	  - {action: send, node: CreateSingletonData, port: value, value: 3}
//	  - {action: step_complete, node: CreateSingletonData}
//	  - {action: receive, node: MultiplySequenceBySingleton, port: a}
//	  - {action: run_complete}
//
// Node paths are relative to the top workflow. A receive delivers the
// oldest packet the inflow has not yet taken from its source outflow, so
// packets are consumed in the order they were sent.
//
// # Determinism
//
// Runs use a testutil.DeterministicClock and a run ID derived from the
// scenario name unless the caller overrides them, so the same scenario
// produces byte-identical exports.
//
// # Assertions
//
// Supported assertion types:
//   - row_count: number of rows of a trace table matching a filter
//   - row: column values of the single matching row (subset match)
//   - step_count: steps recorded for one node
//   - export_contains: lines present in an export
//   - export_order: lines present in an export in the given order
package harness
