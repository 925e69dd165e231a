package envelope

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewAssignsFreshID(t *testing.T) {
	sender := Sender{WorkingDirectory: "/tmp/work"}

	a, err := New(TypeMarco, sender, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(TypeMarco, sender, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.ID == "" || b.ID == "" {
		t.Fatal("expected non-empty ids")
	}
	if a.ID == b.ID {
		t.Fatal("expected distinct ids across calls")
	}
}

func TestNewEmptyPayloadIsObject(t *testing.T) {
	e, err := New(TypePolo, Sender{WorkingDirectory: "/x"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if string(e.Payload) != "{}" {
		t.Fatalf("expected empty object payload, got %q", e.Payload)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type payload struct {
		SelectedText string `json:"selectedText"`
	}
	taskspace := "a1b2c3d4-0000-0000-0000-000000000000"
	e, err := New(TypeGetSelection, Sender{
		WorkingDirectory: "/home/user/project",
		TaskspaceUUID:    &taskspace,
	}, payload{SelectedText: "hello"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	line, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(string(line), "\n") {
		t.Fatal("Encode must not embed a newline")
	}

	decoded, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.ID != e.ID || decoded.Type != e.Type {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, e)
	}
	if decoded.Sender.TaskspaceUUID == nil || *decoded.Sender.TaskspaceUUID != taskspace {
		t.Fatalf("taskspace uuid lost in round trip: %+v", decoded.Sender)
	}

	var p payload
	if err := decoded.UnmarshalPayload(&p); err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	if p.SelectedText != "hello" {
		t.Fatalf("payload mismatch: %+v", p)
	}
}

func TestDecodeRejectsMissingDiscriminator(t *testing.T) {
	_, err := Decode([]byte(`{"id":"1","sender":{"workingDirectory":"/x"},"payload":{}}`))
	if err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	line := []byte(`{"type":"marco","id":"1","sender":{"workingDirectory":"/x"},"payload":{},"futureField":"oops"}`)
	e, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.Type != TypeMarco {
		t.Fatalf("expected marco, got %s", e.Type)
	}
}

func TestNewResponseReusesRequestID(t *testing.T) {
	sender := Sender{WorkingDirectory: "/x"}
	r, err := NewResponse("req-123", sender, true, "", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	if r.ID != "req-123" {
		t.Fatalf("expected response to reuse request id, got %s", r.ID)
	}
	payload, err := r.AsResponse()
	if err != nil {
		t.Fatalf("AsResponse: %v", err)
	}
	if !payload.Success || payload.Error != nil {
		t.Fatalf("unexpected response payload: %+v", payload)
	}
	var data map[string]string
	if err := json.Unmarshal(payload.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["hello"] != "world" {
		t.Fatalf("unexpected data: %+v", data)
	}
}

func TestNewResponseFailure(t *testing.T) {
	r, err := NewResponse("req-456", Sender{WorkingDirectory: "/x"}, false, "not found", nil)
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	payload, err := r.AsResponse()
	if err != nil {
		t.Fatalf("AsResponse: %v", err)
	}
	if payload.Success {
		t.Fatal("expected success=false")
	}
	if payload.Error == nil || *payload.Error != "not found" {
		t.Fatalf("expected error message, got %+v", payload.Error)
	}
	if string(payload.Data) != "null" {
		t.Fatalf("expected null data, got %s", payload.Data)
	}
}
