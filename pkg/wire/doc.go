// Package wire implements the Eway JSON-over-WebSocket message codec.
//
// Every frame is an envelope {topic, payload}. Topics emulate
// publish/subscribe addressing over a single connection and come in two
// dialects, selected by the device type:
//
//	charger: /{deviceID}/{serial}/{property|function|info|event|monitor2}/{get|post}
//	storage: /{serial}/{property|info}/{get|post}
//	         /{serial}/event/storage/mini/post  (unsolicited telemetry)
//
// Decoding produces a tagged Decoded variant; unrecognized topics or
// payload shapes are reported as such, never as fatal errors. The
// package also carries the per-field normalization metadata (scale,
// decimals, unit) the coordinator applies to numeric telemetry.
package wire
