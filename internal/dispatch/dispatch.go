// Package dispatch implements the per-process request/reply correlator
// (C4): the layer tool handlers call into. It assigns ids to outbound
// requests, matches inbound `response` frames back to their waiter,
// times requests out at 30s, and handles the two bus-level message
// types that terminate locally instead of being forwarded to a tool
// handler (`marco`→`polo` and `store_reference`→the reference store).
//
// Grounded almost directly on original_source's
// symposium/mcp-server/src/actor/dispatch.rs: its DispatchActor select
// loop over inbound frames and outbound send requests, its
// pending_replies map pruned on drop, and its oneshot-vs-timeout race
// map onto Go's chan+select+time.After with no structural changes. The
// public call-style API additionally borrows the teacher's
// request/reply naming from internal/client/broker.go's call(method,
// params), generalized from JSON-RPC method/params to the spec's typed
// envelope/payload.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/socratic-shell/symposium-sub000/internal/envelope"
	"github.com/socratic-shell/symposium-sub000/internal/refstore"
)

// ReplyTimeout is the fixed request/reply budget (spec §4.4, §5). A
// var, not a const, so tests can shrink it instead of waiting out the
// real 30s.
var ReplyTimeout = 30 * time.Second

// transport is the subset of *client.Client that Dispatch needs.
// Declared here, not imported from internal/client, so dispatch never
// depends on the client's connection/reconnect machinery, only on its
// two channel-shaped edges.
type transport interface {
	Send(e *envelope.Envelope)
	Sender() envelope.Sender
}

// Dispatch is one process's request/reply correlator. The `pending`
// map (spec §4.4) lives entirely inside Run's goroutine; every other
// method communicates with it over the unexported request channels
// below, so it needs no lock (spec §5 "pending map: owned exclusively
// by the dispatch actor; no external locking").
type Dispatch struct {
	out       transport
	reference *refstore.Store
	inbound   <-chan *envelope.Envelope

	sendRequests   chan sendRequest
	cancelRequests chan string
}

type sendRequest struct {
	envelope *envelope.Envelope
	waiter   chan *envelope.Envelope // nil for fire-and-forget
	sent     chan struct{}
}

// New constructs a Dispatch wired to out for sending frames and
// inbound for receiving the broadcast stream, and ref for local
// store_reference handling.
func New(out transport, inbound <-chan *envelope.Envelope, ref *refstore.Store) *Dispatch {
	return &Dispatch{
		out:            out,
		reference:      ref,
		inbound:        inbound,
		sendRequests:   make(chan sendRequest),
		cancelRequests: make(chan string),
	}
}

// Run drives the dispatch loop until ctx is cancelled or inbound
// closes (the client's connection has terminated for good). Every
// pending call is failed with a nil envelope when Run returns, which
// Call reports as a dispatch-shutdown error.
func (d *Dispatch) Run(ctx context.Context) error {
	pending := make(map[string]chan *envelope.Envelope)

	fail := func(err error) error {
		for id, waiter := range pending {
			delete(pending, id)
			select {
			case waiter <- nil:
			default:
			}
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())

		case env, ok := <-d.inbound:
			if !ok {
				return fail(fmt.Errorf("dispatch: inbound channel closed"))
			}
			d.handleInbound(ctx, env, pending)

		case req := <-d.sendRequests:
			if req.waiter != nil {
				pending[req.envelope.ID] = req.waiter
			}
			d.out.Send(req.envelope)
			close(req.sent)

		case id := <-d.cancelRequests:
			// Housekeeping per spec §4.4: a pending entry whose waiter
			// gave up (timeout or ctx cancellation) is removed here so
			// it doesn't live forever.
			delete(pending, id)
		}
	}
}

func (d *Dispatch) handleInbound(ctx context.Context, env *envelope.Envelope, pending map[string]chan *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeResponse:
		if waiter, ok := pending[env.ID]; ok {
			delete(pending, env.ID)
			select {
			case waiter <- env:
			default:
			}
		}
		// Unknown id: the reply belonged to some other peer. Drop silently.

	case envelope.TypeMarco:
		polo, err := envelope.New(envelope.TypePolo, d.out.Sender(), nil)
		if err == nil {
			d.out.Send(polo)
		}

	case envelope.TypeStoreReference:
		d.handleStoreReference(ctx, env)

	default:
		// Addressed to another peer, or a notification with no reply
		// path (goodbye, log, reload_window, ...); nothing to do here.
	}
}

type storeReferencePayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (d *Dispatch) handleStoreReference(ctx context.Context, env *envelope.Envelope) {
	var payload storeReferencePayload
	if err := env.UnmarshalPayload(&payload); err != nil {
		d.reply(env.ID, false, fmt.Sprintf("malformed store_reference payload: %v", err))
		return
	}
	if err := d.reference.Store(ctx, payload.Key, payload.Value); err != nil {
		d.reply(env.ID, false, err.Error())
		return
	}
	d.reply(env.ID, true, "")
}

func (d *Dispatch) reply(requestID string, success bool, errMsg string) {
	resp, err := envelope.NewResponse(requestID, d.out.Sender(), success, errMsg, nil)
	if err != nil {
		return
	}
	d.out.Send(resp)
}

// Notify sends payload fire-and-forget: a fresh id is assigned but no
// reply is awaited (spec §4.4 "If not: assigns a fresh id and sends;
// returns immediately").
func (d *Dispatch) Notify(ctx context.Context, typ envelope.Type, payload interface{}) error {
	e, err := envelope.New(typ, d.out.Sender(), payload)
	if err != nil {
		return fmt.Errorf("dispatch: build %s envelope: %w", typ, err)
	}
	return d.send(ctx, e, nil)
}

// Call sends payload and blocks for the matching response, deserializing
// its `data` field into reply (pass nil to discard it). It returns a
// timeout error if no response arrives within ReplyTimeout, or the
// response's error string if success=false.
func (d *Dispatch) Call(ctx context.Context, typ envelope.Type, payload interface{}, reply interface{}) error {
	e, err := envelope.New(typ, d.out.Sender(), payload)
	if err != nil {
		return fmt.Errorf("dispatch: build %s envelope: %w", typ, err)
	}

	waiter := make(chan *envelope.Envelope, 1)
	if err := d.send(ctx, e, waiter); err != nil {
		return err
	}

	select {
	case resp := <-waiter:
		if resp == nil {
			return fmt.Errorf("dispatch: %s: dispatch loop shut down before a reply arrived", typ)
		}
		body, err := resp.AsResponse()
		if err != nil {
			return fmt.Errorf("dispatch: %s: decode response: %w", typ, err)
		}
		if !body.Success {
			msg := "request failed"
			if body.Error != nil {
				msg = *body.Error
			}
			return fmt.Errorf("dispatch: %s: %s", typ, msg)
		}
		if reply != nil && len(body.Data) > 0 && string(body.Data) != "null" {
			if err := json.Unmarshal(body.Data, reply); err != nil {
				return fmt.Errorf("dispatch: %s: decode reply data: %w", typ, err)
			}
		}
		return nil

	case <-time.After(ReplyTimeout):
		d.cancel(ctx, e.ID)
		return fmt.Errorf("dispatch: %s: timed out after %s awaiting a reply", typ, ReplyTimeout)

	case <-ctx.Done():
		d.cancel(ctx, e.ID)
		return ctx.Err()
	}
}

// send registers e (and waiter, if not nil) with the Run goroutine and
// blocks only until the send has been accepted into the loop, not
// until any reply arrives.
func (d *Dispatch) send(ctx context.Context, e *envelope.Envelope, waiter chan *envelope.Envelope) error {
	req := sendRequest{envelope: e, waiter: waiter, sent: make(chan struct{})}
	select {
	case d.sendRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.sent:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancel asks the Run goroutine to drop a pending entry whose waiter
// gave up, per spec §4.4's housekeeping rule. Best-effort: if Run has
// already exited, the entry is gone anyway.
func (d *Dispatch) cancel(ctx context.Context, id string) {
	select {
	case d.cancelRequests <- id:
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
}
