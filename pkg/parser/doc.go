/*
Package parser turns YAML process descriptions into workflow graphs.

A process source declares its labware (name, starting position, lid, type)
and a step list. Steps are operations (fct, containers, duration, params),
movements (fct: move, with lid handling), conditionals (if/then/else over
produced values) and bounded repeats, which unroll at parse time. Unknown
fields anywhere in the document are errors.

Conditionals with compile-time constant predicates fold: only the chosen arm
is parsed. Runtime predicates become branch nodes; every container is routed
through the branch so each arm forms a pruneable unit once the predicate
resolves.
*/
package parser
