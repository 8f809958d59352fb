// Package references moves large binary payloads between pipeline
// stages by opaque locator instead of by value. Payloads live as flat
// files under the temp root; the locator encoding (kind, workflow id,
// unique suffix) belongs to this package alone.
package references
