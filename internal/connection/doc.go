// Package connection implements the push-connection layer: a thin
// WebSocket client and the Manager that owns the single connection
// shared by the whole process.
//
// The Manager dials the endpoint with the auth token as a query
// parameter (or a demo flag for anonymous sessions), publishes inbound
// envelopes on the event bus, converts subscription-registry changes
// into SUBSCRIBE/UNSUBSCRIBE commands, and re-issues the full active
// set after every reconnect. Abnormal closures are retried on the
// connection retry profile with at most one pending timer; exhausting
// it surfaces a terminal state that only a manual Connect clears.
package connection
