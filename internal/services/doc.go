// Package services holds the error taxonomy and context annotations shared by
// every store and stage in Scribe.
//
// The exported sentinel errors classify failures for retry decisions and for
// the structured failure records persisted alongside steps and jobs. Wrap tags
// an error with one of the sentinels while adding component context; Code and
// Retryable translate a wrapped error into the persisted representation.
//
// Context helpers annotate a context.Context with workflow, job, stage, and
// request identifiers so log lines emitted deep inside a stage carry the same
// correlation fields as the HTTP layer that triggered it.
package services
