// This file is the harness-side half of the same envelope rpc.go
// defines for the kernel. It is deliberately a separate entry point
// rather than extra cases in Dispatch: spawning a thread is not a
// kernel meta-operation (spec.md §4.11 — "the kernel does not itself
// spawn anything; spawning is an explicit tool call"), so a caller
// that only ever wants search/load/execute/help never needs to link
// pkg/harness at all. A front-end that does want thread control wires
// both Dispatch and DispatchHarness behind the same method switch; see
// pkg/transport/httpfront and pkg/transport/localipc.
package transport

import (
	"context"
	"fmt"

	"github.com/kiwi-run/kiwi/pkg/capability"
	"github.com/kiwi-run/kiwi/pkg/harness"
	"github.com/kiwi-run/kiwi/pkg/thread"
)

// HarnessMethod reports whether method is one DispatchHarness handles,
// so a combined front-end can route without trying (and failing) the
// kernel dispatch first.
func HarnessMethod(method string) bool {
	switch method {
	case "thread.spawn", "thread.status", "thread.list", "thread.cancel", "thread.wait":
		return true
	default:
		return false
	}
}

// spawnParams mirrors harness.SpawnRequest for the wire, restricted to
// what a root caller may set directly: ParentThreadID and Depth are
// always zero for a root spawn, since nesting is only ever initiated
// by the spawn_thread tool from inside an already-running worker.
type spawnParams struct {
	DirectiveID  string         `json:"directive_id"`
	Inputs       map[string]any `json:"inputs"`
	Capabilities []string       `json:"capabilities"`
}

// DispatchHarness handles the thread-control methods a front-end
// exposes alongside the kernel's four meta-operations: starting a root
// directive thread and inspecting, awaiting, or cancelling any thread
// already known to the registry.
func DispatchHarness(ctx context.Context, h *harness.Harness, req Request) (interface{}, *RPCError) {
	switch req.Method {
	case "thread.spawn":
		var p spawnParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.DirectiveID == "" {
			return nil, &RPCError{Code: InvalidParams, Message: "directive_id is required"}
		}

		caps := make([]capability.Capability, 0, len(p.Capabilities))
		for _, c := range p.Capabilities {
			caps = append(caps, capability.Capability(c))
		}

		threadID, err := h.Spawn(harness.SpawnRequest{
			DirectiveID:        p.DirectiveID,
			Inputs:             p.Inputs,
			ParentCapabilities: caps,
		})
		if err != nil {
			return nil, fromSpawnError(err)
		}
		return map[string]string{"thread_id": threadID}, nil

	case "thread.status":
		rec, err := threadByID(h, req.Params)
		if err != nil {
			return nil, err
		}
		return rec, nil

	case "thread.list":
		return h.Threads().List(), nil

	case "thread.cancel":
		var p struct {
			ThreadID string `json:"thread_id"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if cerr := h.Cancel(p.ThreadID); cerr != nil {
			return nil, fromThreadError(cerr)
		}
		return map[string]bool{"cancelled": true}, nil

	case "thread.wait":
		var p struct {
			ThreadID string `json:"thread_id"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		rec, werr := h.Threads().Await(ctx, p.ThreadID)
		if werr != nil {
			return nil, fromThreadError(werr)
		}
		return rec, nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func threadByID(h *harness.Harness, raw []byte) (thread.Record, *RPCError) {
	var p struct {
		ThreadID string `json:"thread_id"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return thread.Record{}, err
	}
	rec, ok := h.Threads().Get(p.ThreadID)
	if !ok {
		return thread.Record{}, &RPCError{Code: KernelError, Message: "thread not found", Data: map[string]any{"kind": "not_found", "thread_id": p.ThreadID}}
	}
	return rec, nil
}

func fromSpawnError(err error) *RPCError {
	if _, ok := err.(*harness.DepthExceededError); ok {
		return &RPCError{Code: KernelError, Message: err.Error(), Data: map[string]any{"kind": "depth_exceeded"}}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

func fromThreadError(err error) *RPCError {
	switch err.(type) {
	case *thread.NotFoundError:
		return &RPCError{Code: KernelError, Message: err.Error(), Data: map[string]any{"kind": "not_found"}}
	default:
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
}
