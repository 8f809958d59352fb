// Package workflow persists per-workflow pipeline state as one JSON record
// per workflow id and exposes the step lifecycle transitions stages drive.
//
// The Store is the single source of truth for step status, timing, results,
// and failures. Every operation re-reads the record from disk, and mutations
// are read-modify-write under a per-workflow lock so concurrent writers to
// the same id serialize while distinct workflows proceed in parallel. Records
// written in the legacy flat schema are migrated to the step-indexed form
// transparently on first read.
//
// Derived counters (completed/failed step counts, total processing time) are
// recomputed from the steps map on every mutation; treat them as read-only.
package workflow
