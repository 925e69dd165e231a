// Package envelope defines the wire format shared by every peer on the bus:
// one JSON object per line, discriminated by Type, carrying an arbitrary
// payload and the identity of whoever sent it.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type is the envelope discriminator. Values are snake_case by convention;
// unknown values MUST be tolerated by recipients (forward-compat).
type Type string

const (
	TypeMarco               Type = "marco"
	TypePolo                Type = "polo"
	TypeGoodbye             Type = "goodbye"
	TypeResponse            Type = "response"
	TypeLog                 Type = "log"
	TypeGetSelection        Type = "get_selection"
	TypePresentWalkthrough  Type = "present_walkthrough"
	TypeResolveSymbolByName Type = "resolve_symbol_by_name"
	TypeFindAllReferences   Type = "find_all_references"
	TypeStoreReference      Type = "store_reference"
	TypeReloadWindow        Type = "reload_window"
	TypeSpawnTaskspace      Type = "spawn_taskspace"
	TypeLogProgress         Type = "log_progress"
	TypeSignalUser          Type = "signal_user"
	TypeUpdateTaskspace     Type = "update_taskspace"
	TypeTaskspaceState      Type = "taskspace_state"
	TypeDeleteTaskspace     Type = "delete_taskspace"
)

// Sender identifies the process that originated a frame. It is filled in
// once by the originating peer and never rewritten by the bus.
type Sender struct {
	WorkingDirectory string  `json:"workingDirectory"`
	TaskspaceUUID    *string `json:"taskspaceUuid"`
	ShellPID         *uint32 `json:"shellPid"`
}

// Envelope is the outer JSON object every frame on the wire shares.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	Sender  Sender          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// New builds an envelope with a fresh id, marshaling payload to JSON.
// Pass nil for an empty-object payload (marco/polo/goodbye carry none).
func New(typ Type, sender Sender, payload interface{}) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload for %s: %w", typ, err)
	}
	return &Envelope{
		Type:    typ,
		ID:      uuid.New().String(),
		Sender:  sender,
		Payload: raw,
	}, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ResponsePayload is the uniform shape of every `response` envelope
// (spec §3.2): a transport-level success/error/data triple so that a
// peer-reported failure never needs a second channel.
type ResponsePayload struct {
	Success bool            `json:"success"`
	Error   *string         `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// NewResponse builds a `response` envelope reusing requestID, per the
// invariant that a Response reuses the id of the request it answers.
func NewResponse(requestID string, sender Sender, success bool, errMsg string, data interface{}) (*Envelope, error) {
	var dataRaw json.RawMessage
	if data != nil {
		d, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("envelope: marshal response data: %w", err)
		}
		dataRaw = d
	} else {
		dataRaw = json.RawMessage("null")
	}
	payload := ResponsePayload{Success: success, Data: dataRaw}
	if errMsg != "" {
		payload.Error = &errMsg
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal response payload: %w", err)
	}
	return &Envelope{
		Type:    TypeResponse,
		ID:      requestID,
		Sender:  sender,
		Payload: raw,
	}, nil
}

// UnmarshalPayload decodes the envelope's payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// AsResponse decodes the envelope's payload as a response triple.
// Callers should check e.Type == TypeResponse first.
func (e *Envelope) AsResponse() (ResponsePayload, error) {
	var r ResponsePayload
	if err := json.Unmarshal(e.Payload, &r); err != nil {
		return ResponsePayload{}, fmt.Errorf("envelope: decode response payload: %w", err)
	}
	return r, nil
}

// Encode serializes the envelope to a single JSON line (no trailing \n;
// the transport layer owns line termination).
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses one line of NDJSON into an envelope. Unknown fields are
// ignored by encoding/json by default, matching the forward-compat rule
// in spec §4.7.
func Decode(line []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}
	if e.Type == "" {
		return nil, fmt.Errorf("envelope: missing type discriminator")
	}
	if e.ID == "" {
		return nil, fmt.Errorf("envelope: missing id")
	}
	return &e, nil
}
