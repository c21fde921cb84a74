// Package transport implements a JSON-RPC 2.0 envelope over the
// kernel's four meta-operations (search, load, execute, help), shared
// by the two concrete front-ends: pkg/transport/httpfront (loopback
// HTTP) and pkg/transport/localipc (stdio NDJSON). Grounded on
// pkg/transport/jsonrpc_handler.go's request/response/error envelope,
// adapted from its A2A-protobuf-backed dispatch to a fixed four-method
// dispatch table over pkg/kernel.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiwi-run/kiwi/pkg/kernel"
)

// Request is a JSON-RPC 2.0 request: method is one of "search", "load",
// "execute", "help"; params is unmarshaled per-method below.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response: exactly one of Result/Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes, plus a kernel-reserved range
// (-32000..-32099) for errors pkg/kernel.Error itself raised.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	KernelError    = -32000
)

// Dispatch unmarshals params per method, calls the corresponding
// pkg/kernel.Kernel operation, and normalizes both JSON-RPC protocol
// errors and *kernel.Error into the same RPCError shape.
func Dispatch(ctx context.Context, k *kernel.Kernel, req Request) (interface{}, *RPCError) {
	switch req.Method {
	case "search":
		var p kernel.SearchRequest
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		hits, kerr := k.Search(ctx, p)
		if kerr != nil {
			return nil, fromKernelError(kerr)
		}
		return hits, nil

	case "load":
		var p kernel.LoadRequest
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		res, kerr := k.Load(p)
		if kerr != nil {
			return nil, fromKernelError(kerr)
		}
		return res, nil

	case "execute":
		var p kernel.ExecuteRequest
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		res, kerr := k.Execute(ctx, p)
		if kerr != nil {
			return nil, fromKernelError(kerr)
		}
		return res, nil

	case "help":
		var p struct {
			Topic string `json:"topic"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		text, kerr := k.Help(p.Topic)
		if kerr != nil {
			return nil, fromKernelError(kerr)
		}
		return map[string]string{"text": text}, nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func unmarshalParams(raw json.RawMessage, dest interface{}) *RPCError {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return nil
}

func fromKernelError(kerr *kernel.Error) *RPCError {
	return &RPCError{
		Code:    KernelError,
		Message: kerr.Message,
		Data: map[string]any{
			"kind":    kerr.Kind,
			"hint":    kerr.Hint,
			"context": kerr.Context,
		},
	}
}
