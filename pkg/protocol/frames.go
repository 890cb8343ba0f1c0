// Package protocol defines the control-plane wire protocol: JSON frames
// exchanged over the WebSocket at /ws.
//
// Every frame carries the envelope {type, id, ts, payload}. The type prefix
// determines the direction: "req:" client→server, "res:" server→client
// (correlated by id), "evt:" server push (id is "evt_<seq>").
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 1

// Frame prefixes.
const (
	PrefixRequest  = "req:"
	PrefixResponse = "res:"
	PrefixEvent    = "evt:"
)

// RequestFrame is a client→server request.
type RequestFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Method returns the method name with the "req:" prefix stripped.
func (r *RequestFrame) Method() string {
	return strings.TrimPrefix(r.Type, PrefixRequest)
}

// Decode unmarshals the request payload into dst. An absent payload
// leaves dst at its zero value.
func (r *RequestFrame) Decode(dst any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// ErrorInfo describes a failed response.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ResponseFrame is a server→client response correlated to a request by ID.
type ResponseFrame struct {
	Type    string     `json:"type"`
	ID      string     `json:"id"`
	TS      time.Time  `json:"ts"`
	OK      bool       `json:"ok"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Payload any        `json:"payload,omitempty"`
}

// EventFrame is a server-push event. The sequence number rides both in
// the explicit seq field and in the id as "evt_<seq>".
type EventFrame struct {
	Type    string    `json:"type"`
	ID      string    `json:"id"`
	Seq     uint64    `json:"seq"`
	TS      time.Time `json:"ts"`
	Payload any       `json:"payload,omitempty"`
}

// NewOKResponse builds a successful response for the given method.
func NewOKResponse(method, id string, payload any) *ResponseFrame {
	return &ResponseFrame{
		Type:    PrefixResponse + method,
		ID:      id,
		TS:      time.Now().UTC(),
		OK:      true,
		Payload: payload,
	}
}

// NewErrorResponse builds a failed response with a typed error kind.
func NewErrorResponse(method, id, kind, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  PrefixResponse + method,
		ID:    id,
		TS:    time.Now().UTC(),
		OK:    false,
		Error: &ErrorInfo{Kind: kind, Message: message},
	}
}

// EventType returns the event name with the "evt:" prefix stripped.
func (e *EventFrame) EventType() string {
	return strings.TrimPrefix(e.Type, PrefixEvent)
}

// NewEventFrame builds a server-push frame for a bus event.
func NewEventFrame(eventType string, seq uint64, ts time.Time, payload any) *EventFrame {
	return &EventFrame{
		Type:    PrefixEvent + eventType,
		ID:      fmt.Sprintf("evt_%d", seq),
		Seq:     seq,
		TS:      ts.UTC(),
		Payload: payload,
	}
}
