// Package gemini provides generation.Adapter implementations backed by
// Google's Gemini API: a Veo adapter for video and an Imagen adapter for
// images.
//
// Veo generation is long-running. Start submits the request and returns
// the operation name as the provider handle; PollStatus fetches the
// operation until it is done. Imagen answers synchronously, so its Start
// always returns a finished result.
//
// Both adapters talk to the API through small backend interfaces so that
// tests can script responses without a network. Bytes returned inline by
// the API are written through a storage.Writer and the result carries the
// public URL of the stored asset.
//
// API failures are classified by HTTP status: throttling and server errors
// are transient, other client errors are permanent.
package gemini
