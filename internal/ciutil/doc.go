// Package ciutil detects the execution environment and resolves the
// environment variables used by integration tests.
package ciutil
