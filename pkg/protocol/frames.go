package protocol

import "encoding/json"

const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is the inbound envelope
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one request
type ResponseFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// EventFrame is one sequenced event
type EventFrame struct {
	Type         string    `json:"type"`
	Event        EventName `json:"event"`
	Payload      any       `json:"payload"`
	Seq          int64     `json:"seq"`
	StateVersion int64     `json:"stateVersion"`
}

// Envelope is the full result of handling one request
type Envelope struct {
	Response ResponseFrame `json:"response"`
	Events   []EventFrame  `json:"events"`
}

// OKResponse builds a successful response frame
func OKResponse(id string, payload any) ResponseFrame {
	return ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// ErrorResponse builds a failed response frame
func ErrorResponse(id string, err *Error) ResponseFrame {
	return ResponseFrame{Type: FrameTypeResponse, ID: id, OK: false, Error: err}
}

// Marshal encodes the envelope. Events is always an array, never null.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Events == nil {
		e.Events = []EventFrame{}
	}
	return json.Marshal(e)
}

// RawEnvelope splits an encoded envelope without re-encoding its parts.
type RawEnvelope struct {
	Response json.RawMessage   `json:"response"`
	Events   []json.RawMessage `json:"events"`
}

// SplitEnvelope decodes raw into its response and event frames, byte for byte.
func SplitEnvelope(raw []byte) (*RawEnvelope, error) {
	var env RawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Events == nil {
		env.Events = []json.RawMessage{}
	}
	return &env, nil
}
