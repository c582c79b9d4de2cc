// Package dag defines the run and step entity model, the dependency
// resolver, the stateful runner, and the run store interface.
//
// A Run owns an insertion-ordered collection of Steps. The resolver
// turns step declarations into a deterministic execution order (Kahn's
// algorithm, first-declared-first-ready tie-break) which the Runner
// drives sequentially, persisting every state transition through the
// Store. Step failures are governed by a per-step retry budget and a
// criticality flag; a critical step's exhausted failure skips the
// remainder of the run.
package dag
