// Package log provides protocol event logging for the Eway engine.
//
// Engine layers emit structured Events through the Logger interface.
// Sinks include a CBOR file logger for compact capture, an slog
// adapter for console output, and a multi-logger for fan-out. Pass nil
// or NoopLogger to disable logging entirely.
package log
