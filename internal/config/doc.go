// Package config loads saga-gateway configuration from YAML.
//
// Environment variables written as ${VAR_NAME} are expanded before
// parsing, durations are plain Go duration strings ("45s", "2h"), and
// unset timing fields fall back to conservative defaults. Validation is
// strict about what cannot be defaulted: an HTTP listen address and the
// resumption token secret.
package config
