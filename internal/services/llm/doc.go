// Package llm wraps the OpenRouter chat completion API used by the
// enhancement and analysis stages. Requests retry with exponential
// backoff on transient failures and honor Retry-After hints.
package llm
