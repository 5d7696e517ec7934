// Package transport implements the WebSocket transport used by Eway
// power devices.
//
// A Conn wraps a single WebSocket connection to a device. Outbound
// messages are protocol envelopes serialized as JSON text frames;
// inbound frames are parsed (flattening JSON arrays into individual
// envelopes) and delivered on a channel. The connection is kept alive
// with WebSocket ping/pong and a read deadline.
//
// Conn does not reconnect. Reconnection policy lives one layer up, in
// package connection.
package transport
