// Package telemetry implements the supervisory tag port of the control loop.
//
// TagServer hosts the tags in-process and exposes them over HTTP and a
// websocket stream; KVPort keeps them in a NATS JetStream key/value bucket;
// OPCUAPort reads and writes the variables of an external OPC UA server.
package telemetry

import "errors"

var (
	ErrTagNotFound = errors.New("tag not found")
	ErrTagReadOnly = errors.New("tag is not externally writable")
	ErrTagType     = errors.New("tag type mismatch")
)
