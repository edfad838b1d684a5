// Package api handles incoming HTTP requests, routing, request validation,
// and response formatting. It adapts web clients to the task dispatcher and
// the notification fanout: clients submit generation requests, rehydrate
// task state by ID, and hold a websocket for live task events.
package api
