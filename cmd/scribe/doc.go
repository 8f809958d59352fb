// Package main hosts the Scribe CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into
// HTTP calls against the scribed daemon: workflow management, stage
// execution, job inspection and cancellation, retention sweeps, and
// configuration scaffolding. Keep this package lean: add new
// functionality by extending the internal packages first, then surface
// it through dedicated commands or flags here.
package main
