// Package rotation implements the server side of staged token rotation.
//
// A rotation moves through three persisted states:
//
//	staged     pending.json holds the new token set and its finalize time
//	finalized  the tokens file holds the new set; finalized.json remembers it
//	cancelled  pending.json is gone and the tokens file never changed
//
// The Coordinator owns every transition. Stage, Cancel and Finalize hold an
// in-process mutex and an exclusive lock on coordinator.lock, so an operator
// CLI invocation and the running daemon never interleave. Reads of the
// pending record take no lock: every file is replaced by rename, so a reader
// sees either the old or the new version.
//
// The Scheduler never calls the Coordinator. It emits FinalizeDue messages
// carrying the rotation id, and the Coordinator checks that id against the
// live pending record before acting. A stale message for a cancelled or
// already finalized rotation is a no-op.
//
// The Reconciler re-reads pending.json on an interval and re-arms the
// Scheduler, which covers records staged by a separate CLI process and
// records left behind by a crash. A deadline already in the past fires at
// once; a late finalize never extends the grace period.
package rotation
