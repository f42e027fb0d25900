package executor

import (
	"context"
	"encoding/json"

	"github.com/caffeineduck/scriptgate/hostfunc"
	"github.com/tetratelabs/wazero/api"
)

// hostModuleName is the import module units use for host calls:
//
//	(import "scriptgate" "call" (func (param i32 i32 i32 i32) (result i32)))
//
// The unit passes a JSON request in its memory and a buffer for the reply.
// The result is the reply length; when it exceeds the buffer nothing is
// written and the unit may retry with a larger one.
const hostModuleName = "scriptgate"

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func (e *Executor) instantiateHostModule(ctx context.Context) error {
	_, err := e.runtime.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(e.hostCall).
		Export("call").
		Instantiate(ctx)
	return err
}

func (e *Executor) hostCall(ctx context.Context, m api.Module, reqPtr, reqLen, respPtr, respCap uint32) uint32 {
	mem := m.Memory()
	if mem == nil {
		return 0
	}

	var resp []byte
	if payload, ok := mem.Read(reqPtr, reqLen); ok {
		resp = handleCall(ctx, e.registry, payload)
	} else {
		resp = encodeResponse(callResponse{Error: "request out of bounds"})
	}

	if uint32(len(resp)) <= respCap {
		if !mem.Write(respPtr, resp) {
			return 0
		}
	}
	return uint32(len(resp))
}

func handleCall(ctx context.Context, registry *hostfunc.Registry, payload []byte) []byte {
	var req callRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return encodeResponse(callResponse{Error: "invalid call format"})
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}

	fn, ok := registry.Get(req.Fn)
	if !ok {
		return encodeResponse(callResponse{Error: "unknown function: " + req.Fn})
	}

	result, err := fn(ctx, req.Args)
	if err != nil {
		return encodeResponse(callResponse{Error: err.Error()})
	}
	return encodeResponse(callResponse{Data: result})
}

func encodeResponse(resp callResponse) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"error":"internal: failed to marshal response"}`)
	}
	return data
}
