/*
Package graph models a workflow as a directed acyclic graph over a typed node
arena. Nodes are labware sources, device operations, runtime variables,
computations over variables, and branches; edges carry the container they
follow plus the min_wait/max_wait window and wait cost between two steps.

A Builder accumulates nodes and edges and validates the result on Build:
acyclicity, reachability of every operation from a labware source, a single
producer per variable and both arms on every branch.

Branches are materialized pessimistically: both arms exist in the graph until
the predicate becomes decidable at runtime. ArmNodes returns the nodes
reachable only through one arm, which is exactly the set to prune when the
other arm wins.

Fingerprint hashes the graph up to node-id renaming, so two parses of the
same source, or of two sources differing only in labware names and ordering,
compare equal. The estimator and the scheduler use this to recognize repeated
workflows.
*/
package graph
