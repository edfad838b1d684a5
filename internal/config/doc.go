// Package config handles configuration loading, parsing, and validation
// from environment variables (GENFLOW_ prefix), an optional config.yaml, a
// local .env file and command-line flags. It provides type-safe access to
// settings needed by different components while keeping configuration
// details separate from business logic.
package config
