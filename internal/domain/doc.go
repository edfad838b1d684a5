// Package domain contains the core entities of the generation system: the
// durable TaskRecord with its status lifecycle, and the owner-scoped
// Notification produced for every state change a client should see.
// It is independent of any storage or transport mechanism.
package domain
