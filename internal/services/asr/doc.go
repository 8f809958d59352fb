// Package asr uploads audio payloads to an OpenAI-compatible
// transcription endpoint and returns recognized text with segments.
package asr
