// Package daemon runs the long-lived scribed process: the HTTP API
// server, the periodic retention sweep, and the lock file that keeps
// a second instance from starting against the same data directory.
package daemon
