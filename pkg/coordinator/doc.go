// Package coordinator turns raw device traffic into typed, published
// state snapshots.
//
// A Coordinator owns one session per device: the reconnecting link, the
// command tracker, a periodic refresh loop and the device's State. All
// inbound messages, poll responses and unsolicited pushes alike, flow
// through a single merge path that updates only the keys a message
// carries and hands a cloned snapshot to subscribers.
//
// Control commands (charging on/off, storage power target) validate
// before touching the network and record their outcome in the
// snapshot's LastCommand, separate from live telemetry.
package coordinator
