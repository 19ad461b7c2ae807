package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

const (
	rpcMethodRequestInclusion = "bolt_requestInclusionCommitment"
	rpcVersion                = "2.0"
)

// JSON-RPC error codes. Client-correctable failures get distinct codes so a
// caller can tell whether resubmitting the same request can ever succeed.
const (
	rpcCodeParseError     = -32700
	rpcCodeMethodNotFound = -32601
	rpcCodeInvalidParams  = -32602
	rpcCodeInternalError  = -32603
	rpcCodeSignerMismatch = -32003
	rpcCodeDuplicate      = -32004
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (err *rpcError) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("json-rpc error %d", err.Code)
	}
	return err.Message
}

type rpcRequest struct {
	ID      json.RawMessage   `json:"id"`
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	ID      json.RawMessage `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func errorToRPCCode(err error) int {
	switch {
	case errors.Is(err, ErrMalformedRequest):
		return rpcCodeInvalidParams
	case errors.Is(err, ErrSignerMismatch):
		return rpcCodeSignerMismatch
	case errors.Is(err, ErrDuplicateRequest):
		return rpcCodeDuplicate
	default:
		return rpcCodeInternalError
	}
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	writeRPCResponse(w, &rpcResponse{ID: id, JSONRPC: rpcVersion, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeRPCResponse(w, &rpcResponse{ID: id, JSONRPC: rpcVersion, Error: &rpcError{Code: code, Message: message}})
}

// JSON-RPC errors ride on a 200: the transport succeeded, the call did not.
func writeRPCResponse(w http.ResponseWriter, resp *rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
