package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/socratic-shell/symposium-sub000/internal/envelope"
	"github.com/socratic-shell/symposium-sub000/internal/refstore"
)

// fakeTransport records every frame sent through it and lets tests
// assert on them; it never actually touches a socket.
type fakeTransport struct {
	sender envelope.Sender
	sent   chan *envelope.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sender: envelope.Sender{WorkingDirectory: "/fake"},
		sent:   make(chan *envelope.Envelope, 16),
	}
}

func (f *fakeTransport) Send(e *envelope.Envelope) { f.sent <- e }
func (f *fakeTransport) Sender() envelope.Sender   { return f.sender }

func startDispatch(t *testing.T) (*Dispatch, *fakeTransport, chan *envelope.Envelope, context.CancelFunc) {
	t.Helper()
	ft := newFakeTransport()
	inbound := make(chan *envelope.Envelope, 16)
	ref := refstore.New(context.Background())
	d := New(ft, inbound, ref)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return d, ft, inbound, cancel
}

func TestMarcoTriggersPoloReply(t *testing.T) {
	_, ft, inbound, cancel := startDispatch(t)
	defer cancel()

	marco, _ := envelope.New(envelope.TypeMarco, envelope.Sender{WorkingDirectory: "/peer"}, nil)
	inbound <- marco

	select {
	case sent := <-ft.sent:
		if sent.Type != envelope.TypePolo {
			t.Fatalf("expected polo, got %s", sent.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no polo sent in response to marco")
	}
}

func TestStoreReferenceAcksAndPersists(t *testing.T) {
	d, ft, inbound, cancel := startDispatch(t)
	defer cancel()

	req, _ := envelope.New(envelope.TypeStoreReference, envelope.Sender{WorkingDirectory: "/peer"}, map[string]interface{}{
		"key":   "k1",
		"value": map[string]string{"hello": "world"},
	})
	inbound <- req

	select {
	case resp := <-ft.sent:
		if resp.Type != envelope.TypeResponse || resp.ID != req.ID {
			t.Fatalf("expected response echoing request id, got %+v", resp)
		}
		body, err := resp.AsResponse()
		if err != nil || !body.Success {
			t.Fatalf("expected success response, got %+v err=%v", body, err)
		}
	case <-time.After(time.Second):
		t.Fatal("no response sent for store_reference")
	}

	value, found, err := d.reference.Get(context.Background(), "k1")
	if err != nil || !found {
		t.Fatalf("expected stored value to be retrievable, found=%v err=%v", found, err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(value, &decoded); err != nil || decoded["hello"] != "world" {
		t.Fatalf("unexpected stored value: %s", value)
	}
}

func TestCallDeliversSuccessfulReply(t *testing.T) {
	d, ft, inbound, cancel := startDispatch(t)
	defer cancel()

	type reply struct {
		Answer string `json:"answer"`
	}

	callErr := make(chan error, 1)
	var got reply
	go func() {
		callErr <- d.Call(context.Background(), envelope.TypeGetSelection, nil, &got)
	}()

	var req *envelope.Envelope
	select {
	case req = <-ft.sent:
	case <-time.After(time.Second):
		t.Fatal("Call never sent its request")
	}

	resp, _ := envelope.NewResponse(req.ID, envelope.Sender{WorkingDirectory: "/peer"}, true, "", reply{Answer: "42"})
	inbound <- resp

	select {
	case err := <-callErr:
		if err != nil {
			t.Fatalf("Call returned error: %v", err)
		}
		if got.Answer != "42" {
			t.Fatalf("expected decoded reply data, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Call did not return after response arrived")
	}
}

func TestCallSurfacesFailureResponse(t *testing.T) {
	d, ft, inbound, cancel := startDispatch(t)
	defer cancel()

	callErr := make(chan error, 1)
	go func() {
		callErr <- d.Call(context.Background(), envelope.TypeGetSelection, nil, nil)
	}()

	req := <-ft.sent
	resp, _ := envelope.NewResponse(req.ID, envelope.Sender{}, false, "no editor focused", nil)
	inbound <- resp

	select {
	case err := <-callErr:
		if err == nil {
			t.Fatal("expected an error for a success=false response")
		}
	case <-time.After(time.Second):
		t.Fatal("Call did not return")
	}
}

func TestUnknownResponseIDIsDroppedSilently(t *testing.T) {
	_, _, inbound, cancel := startDispatch(t)
	defer cancel()

	stray, _ := envelope.NewResponse("not-a-real-request", envelope.Sender{}, true, "", nil)
	inbound <- stray
	// Nothing to assert beyond "this does not panic or deadlock"; give
	// the loop a moment to process it.
	time.Sleep(50 * time.Millisecond)
}

func TestCallTimesOutWhenNoResponseArrives(t *testing.T) {
	restore := ReplyTimeout
	ReplyTimeout = 50 * time.Millisecond
	defer func() { ReplyTimeout = restore }()

	d, _, _, cancel := startDispatch(t)
	defer cancel()

	err := d.Call(context.Background(), envelope.TypeGetSelection, nil, nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}
