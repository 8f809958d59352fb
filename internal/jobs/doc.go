// Package jobs persists background job state in SQLite and tracks the
// live cancellation signal of each job. Jobs move from queued through
// running to one of the terminal states completed, failed, or
// cancelled; terminal states are absorbing.
package jobs
