/*
Package types defines the core data structures used throughout Conductor.

This package contains the fundamental types of the domain model: devices,
positions, containers, processes, step history and certificates. These types
are shared by the store, the scheduler, the executor and the API; no other
package defines domain state of its own.

# Core Types

Lab topology:
  - Device: a physical device with finite capacity and operating constraints
  - DeviceKind: incubator, plate_reader, liquid_handler, mover, centrifuge, storage
  - Position: one slot on one device

Tracked state:
  - Container: a physical labware item (plate, tube) with its position and lid
  - Process: one submitted workflow and its lifecycle state
  - HistoryRecord: one append-only record of an executed step
  - Experiment: groups the history records of one workflow execution
  - Certificate: a per-device credential blob

# Errors

The package also defines the error taxonomy: state-conflict sentinels for
store invariant rejections (see IsStateConflict), ConfigError for invalid lab
documents, UnschedulableError when no feasible plan exists for a process,
StepFailureError for device failures and TransportError for lost adapter
connections. Callers branch on these with errors.Is and errors.As; the
taxonomy decides whether a failure kills a step, a process or a single call.
*/
package types
