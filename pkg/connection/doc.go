// Package connection manages the lifecycle of a device link with
// automatic reconnection.
//
// A Manager owns one logical connection to a device. It dials through
// a DialFunc, watches the resulting session for failure and redials
// with exponential backoff. Backoff resets only after a connection has
// stayed up for a stability window, so a device that accepts and
// immediately drops connections does not hammer the network.
//
// The state machine is DISCONNECTED -> CONNECTING -> CONNECTED ->
// RECONNECTING -> CONNECTING -> ... and reaches CLOSED only through an
// explicit Close call.
package connection
