// Package xtberrors defines the error taxonomy raised by the connection
// fabric. Every exported error type wraps an optional cause and carries
// just enough structure for callers to branch with errors.As.
package xtberrors

import "fmt"

// Kind identifies which row of the taxonomy an error belongs to.
type Kind string

const (
	KindConfig             Kind = "config"
	KindTransportUnavailable Kind = "transport_unavailable"
	KindConnectionLost     Kind = "connection_lost"
	KindEncoding           Kind = "encoding"
	KindDecoding           Kind = "decoding"
	KindProtocol           Kind = "protocol"
	KindRequestRejected    Kind = "request_rejected"
	KindCapacityExhausted  Kind = "capacity_exhausted"
	KindInvalidState       Kind = "invalid_state"
)

// baseError is embedded by every taxonomy member so Kind() and Unwrap()
// only need to be written once.
type baseError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *baseError) Unwrap() error { return e.cause }

// Kind reports the taxonomy row for err, or "" if err is not one of ours.
func (e *baseError) Kind() Kind { return e.kind }

// ConfigError signals missing/invalid configuration. Fatal at startup,
// never raised during steady state.
type ConfigError struct{ *baseError }

func NewConfigError(msg string, cause error) *ConfigError {
	return &ConfigError{&baseError{kind: KindConfig, msg: msg, cause: cause}}
}

// TransportUnavailable means no candidate address could be connected to.
type TransportUnavailable struct{ *baseError }

func NewTransportUnavailable(msg string, cause error) *TransportUnavailable {
	return &TransportUnavailable{&baseError{kind: KindTransportUnavailable, msg: msg, cause: cause}}
}

// ConnectionLost means a previously healthy socket failed mid-operation.
type ConnectionLost struct{ *baseError }

func NewConnectionLost(msg string, cause error) *ConnectionLost {
	return &ConnectionLost{&baseError{kind: KindConnectionLost, msg: msg, cause: cause}}
}

// EncodingError means an outbound payload could not be serialized.
type EncodingError struct{ *baseError }

func NewEncodingError(msg string, cause error) *EncodingError {
	return &EncodingError{&baseError{kind: KindEncoding, msg: msg, cause: cause}}
}

// DecodingError means inbound bytes were not valid JSON within bounds.
type DecodingError struct{ *baseError }

func NewDecodingError(msg string, cause error) *DecodingError {
	return &DecodingError{&baseError{kind: KindDecoding, msg: msg, cause: cause}}
}

// ProtocolError means the envelope shape was violated.
type ProtocolError struct{ *baseError }

func NewProtocolError(msg string) *ProtocolError {
	return &ProtocolError{&baseError{kind: KindProtocol, msg: msg}}
}

// RequestRejected mirrors a broker reply with status == false. Surfaced
// verbatim to the caller, never retried.
type RequestRejected struct {
	*baseError
	ErrorCode string
	ErrorDescr string
}

func NewRequestRejected(errorCode, errorDescr string) *RequestRejected {
	return &RequestRejected{
		baseError:  &baseError{kind: KindRequestRejected, msg: fmt.Sprintf("%s: %s", errorCode, errorDescr)},
		ErrorCode:  errorCode,
		ErrorDescr: errorDescr,
	}
}

// CapacityExhausted means a connection or subscription cap was reached.
type CapacityExhausted struct{ *baseError }

func NewCapacityExhausted(msg string) *CapacityExhausted {
	return &CapacityExhausted{&baseError{kind: KindCapacityExhausted, msg: msg}}
}

// InvalidState means the operation targets an object that cannot accept it
// (a deleted Session, a duplicate subscription identity, ...).
type InvalidState struct{ *baseError }

func NewInvalidState(msg string) *InvalidState {
	return &InvalidState{&baseError{kind: KindInvalidState, msg: msg}}
}
