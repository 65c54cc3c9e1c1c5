// Package protocol defines the wire format exchanged between portal peers.
//
// Every message is an Envelope addressed to one peer. The payload is either
// an unsolicited request (push, completeRequest, personalData) or a response
// to an earlier request carrying the same correlation id.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the shape of a request payload.
type Kind int

const (
	KindUnknown Kind = iota
	KindPush
	KindComplete
	KindPersonalData
)

func (k Kind) String() string {
	switch k {
	case KindPush:
		return "push"
	case KindComplete:
		return "completeRequest"
	case KindPersonalData:
		return "personalData"
	default:
		return "unknown"
	}
}

var (
	// True is the acknowledgment payload.
	True = json.RawMessage("true")

	// Null is the "no value" sentinel returned for absent local data.
	Null = json.RawMessage("null")
)

// ErrMalformed is returned when an envelope cannot be decoded.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the unit of transmission between two peers.
type Envelope struct {
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

// Push proposes a write of Data under Key.
type Push struct {
	ID   string          `json:"id"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// CompleteRequest tells a peer that operation ID reached quorum.
type CompleteRequest struct {
	ID string `json:"id"`
}

// PersonalData asks a peer for its local, non-replicated value of Key.
type PersonalData struct {
	Key string `json:"key"`
}

// Request is the union of unsolicited payloads. Exactly one field is set
// on a well-formed request.
type Request struct {
	Push            *Push            `json:"push,omitempty"`
	CompleteRequest *CompleteRequest `json:"completeRequest,omitempty"`
	PersonalData    *PersonalData    `json:"personalData,omitempty"`
}

// NewPush builds a push payload.
func NewPush(id, key string, data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		data = Null
	}
	return mustMarshal(Request{Push: &Push{ID: id, Key: key, Data: data}})
}

// NewComplete builds a completeRequest payload.
func NewComplete(id string) json.RawMessage {
	return mustMarshal(Request{CompleteRequest: &CompleteRequest{ID: id}})
}

// NewPersonalData builds a personalData payload.
func NewPersonalData(key string) json.RawMessage {
	return mustMarshal(Request{PersonalData: &PersonalData{Key: key}})
}

// ParseRequest classifies a payload. Anything that is not exactly one
// well-formed request variant is reported as KindUnknown.
func ParseRequest(payload json.RawMessage) (*Request, Kind) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, KindUnknown
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, KindUnknown
	}

	set := 0
	kind := KindUnknown
	if req.Push != nil {
		set++
		kind = KindPush
		if req.Push.ID == "" || req.Push.Key == "" {
			return nil, KindUnknown
		}
		if len(req.Push.Data) == 0 {
			req.Push.Data = Null
		}
	}
	if req.CompleteRequest != nil {
		set++
		kind = KindComplete
		if req.CompleteRequest.ID == "" {
			return nil, KindUnknown
		}
	}
	if req.PersonalData != nil {
		set++
		kind = KindPersonalData
		if req.PersonalData.Key == "" {
			return nil, KindUnknown
		}
	}
	if set != 1 {
		return nil, KindUnknown
	}

	return &req, kind
}

// IsAck reports whether a response payload is the acknowledgment value.
func IsAck(payload json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(payload), True)
}

// Decode parses a raw envelope. An empty correlation id is malformed.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope carries a correlation id and a payload.
func (e Envelope) Validate() error {
	if e.CorrelationID == "" {
		return fmt.Errorf("%w: missing correlation id", ErrMalformed)
	}
	if len(bytes.TrimSpace(e.Payload)) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	return nil
}

// Clone returns a copy whose payload does not alias the original.
func (e Envelope) Clone() Envelope {
	return Envelope{
		CorrelationID: e.CorrelationID,
		Payload:       append(json.RawMessage(nil), e.Payload...),
	}
}

// Marshal encodes v as a payload value.
func Marshal(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid JSON value")
		}
		return append(json.RawMessage(nil), raw...), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}
