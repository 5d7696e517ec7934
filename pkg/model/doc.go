// Package model defines the shared data types of the Eway engine:
// device descriptors, typed telemetry values, and the published
// device-state snapshot.
//
// Descriptors are immutable once a connection is established. State
// snapshots are produced only by the coordinator; consumers receive
// deep copies and must treat them as read-only.
package model
