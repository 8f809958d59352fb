// Package config loads, normalizes, and validates Scribe's TOML
// configuration.
//
// Load resolves the config path (explicit flag, ~/.config/scribe/config.toml,
// or ./scribe.toml), applies defaults for anything unset, expands ~ in path
// fields, and pulls secrets from SCRIBE_ASR_API_KEY / SCRIBE_LLM_API_KEY when
// the file leaves them empty. Derived path helpers (WorkflowDir, TempDir,
// JobsDBPath, LockPath) keep the on-disk layout in one place.
package config
