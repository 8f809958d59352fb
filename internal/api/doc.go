// Package api defines the transport-friendly view types for workflows
// and jobs and the orchestration facade the HTTP server and CLI drive.
package api
