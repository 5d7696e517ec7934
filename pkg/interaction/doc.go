// Package interaction correlates outbound device commands with their
// responses.
//
// Storage units echo the messageId of a request, so their responses
// correlate by ID. Chargers do not echo anything usable; their
// responses correlate by topic family instead, which forces at most
// one in-flight command per family (ErrCommandInFlight otherwise).
//
// Pending commands survive connection loss. They fail only when their
// deadline expires or the tracker shuts down.
package interaction
