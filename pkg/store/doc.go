/*
Package store persists the authoritative lab state: the device catalogue,
every tracked container with its position and lid, submitted processes,
experiments, append-only step history and per-device certificates.

# Architecture

The Bolt-backed implementation keeps a full in-memory copy of the lab state
and writes through to disk:

	┌─────────────────────────────────────────────┐
	│                  BoltStore                   │
	│                                              │
	│   labState (in memory, authoritative)       │
	│     devices, containers, occupancy           │
	│          │                                   │
	│          │ clone → mutate → persist → swap   │
	│          ▼                                   │
	│   bbolt buckets (write-through)              │
	│     meta, devices, containers, processes,    │
	│     experiments, steps, certificates         │
	└─────────────────────────────────────────────┘

Every mutation stages its changes on a clone of the in-memory state, so an
invariant violation rejects the whole call without partial effects; only
after the Bolt transaction commits does the staged state become visible.
CommitStep extends this to multi-part updates: the history record, a lid
removal, a container move and a lid replacement land in one transaction or
not at all.

# Invariants

The store rejects, never corrects: moves from empty positions, moves onto
occupied positions, barcode mismatches, lid operations in the wrong order,
deep-well labware on unsuited slots, and catalogue swaps that would strand a
tracked container. History is append-only and keyed by a monotonic sequence
number, which gives ListHistory a stable order for the duration estimator.
*/
package store
