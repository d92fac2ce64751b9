// Package envelope defines the wire shapes exchanged with the broker and
// the codec used to marshal/unmarshal them. The broker sends bare JSON
// objects back to back with no length prefix; envelope.Decoder streams
// them off a socket one object at a time.
package envelope

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

// json is the drop-in jsoniter config used everywhere an envelope crosses
// the wire. It behaves like encoding/json (same Marshal/Unmarshal/Decoder
// semantics) but avoids its reflection overhead on the hot receive path.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Outbound is the envelope shape sent to the broker. Fields are omitted
// (not null) when absent, per spec — encoding/json's omitempty does this
// for us as long as nil/zero values are used for "absent".
type Outbound struct {
	Command         string      `json:"command"`
	StreamSessionID string      `json:"streamSessionId,omitempty"`
	Arguments       interface{} `json:"arguments,omitempty"`
	CustomTag       string      `json:"customTag,omitempty"`
}

// Reply is an inbound request/response frame. Status is a pointer so a
// missing field (ProtocolError per spec §4.2) is distinguishable from an
// explicit `false`.
type Reply struct {
	Status          *bool               `json:"status"`
	ReturnData      jsoniter.RawMessage `json:"returnData,omitempty"`
	StreamSessionID string              `json:"streamSessionId,omitempty"`
	ErrorCode       string              `json:"errorCode,omitempty"`
	ErrorDescr      string              `json:"errorDescr,omitempty"`
	CustomTag       string              `json:"customTag,omitempty"`
}

// StreamFrame is an inbound streaming data frame.
type StreamFrame struct {
	Command string              `json:"command"`
	Data    jsoniter.RawMessage `json:"data"`
}

// Raw is used to sniff which of Reply/StreamFrame an inbound object is:
// reply frames carry "status", stream frames carry "data" and no "status".
type Raw struct {
	Status  *bool               `json:"status"`
	Command string              `json:"command"`
	Data    jsoniter.RawMessage `json:"data"`
}

// IsStream reports whether the raw frame is a streaming data frame rather
// than a request/response reply.
func (r Raw) IsStream() bool { return r.Status == nil }

// Marshal serializes v (an Outbound envelope, ordinarily) to UTF-8 JSON
// bytes.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decoder streams JSON objects off r, one per Decode call. The broker's
// frames are concatenated with no delimiter; jsoniter's Decoder (like
// encoding/json's) tracks the byte offset internally and buffers any
// surplus bytes read past one object's end for the next Decode call, so
// callers never need to know frame boundaries.
type Decoder struct {
	dec *jsoniter.Decoder
}

// NewDecoder wraps r for streaming decode.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode reads the next complete JSON object from the stream into v.
func (d *Decoder) Decode(v interface{}) error {
	return d.dec.Decode(v)
}
