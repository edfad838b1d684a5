// Package generation defines the boundary between task orchestration and
// third-party media generation backends.
//
// Every backend is wrapped in an Adapter whose Start call yields either a
// finished Result or a pending handle, and whose PollStatus call reports
// on that handle. Failures are reported as *ProviderError classified as
// transient (worth retrying) or permanent (the provider rejected the input).
// Concrete adapters live under internal/platform.
package generation
