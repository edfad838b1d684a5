// Package notify delivers task state notifications to live subscribers.
//
// Every terminal transition is first recorded durably in a
// store.NotificationStore and then pushed to the owner's live
// subscriptions. A subscription starts with the owner's unread count, so
// a client that connects late still learns what it missed, and clients
// deduplicate redelivered events by task ID and status.
package notify
