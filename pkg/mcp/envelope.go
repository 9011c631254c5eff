package mcp

import "encoding/json"

// jsonrpcVersion is the fixed "jsonrpc" field value for every frame this
// proxy emits.
const jsonrpcVersion = "2.0"

// rpcError is the JSON-RPC 2.0 error object shape.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BuildResultResponse builds a JSON-RPC success response envelope,
// preserving the caller-supplied raw id verbatim (number, string, or null).
func BuildResultResponse(id json.RawMessage, result interface{}) ([]byte, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	envelope := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Result:  resultJSON,
	}
	return json.Marshal(envelope)
}

// BuildErrorResponse builds a JSON-RPC error response envelope, preserving
// the caller-supplied raw id verbatim.
func BuildErrorResponse(id json.RawMessage, code int, message string) ([]byte, error) {
	envelope := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   rpcError        `json:"error"`
	}{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   rpcError{Code: code, Message: message},
	}
	return json.Marshal(envelope)
}

// BuildRequest builds a JSON-RPC request frame with the given id, method,
// and params (params may be nil).
func BuildRequest(id int64, method string, params interface{}) ([]byte, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		paramsJSON = b
	}
	envelope := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      int64           `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}
	return json.Marshal(envelope)
}

// BuildNotification builds a JSON-RPC notification frame (no id).
func BuildNotification(method string, params interface{}) ([]byte, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		paramsJSON = b
	}
	envelope := struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  paramsJSON,
	}
	return json.Marshal(envelope)
}

// Error codes per the MCP/JSON-RPC 2.0 error taxonomy.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)
