// Package stage implements the pipeline stage handlers (upload,
// extract, transcribe, enhance, and the analysis passes) and the
// runner that drives them against the workflow and job stores.
package stage
