package transport

import (
	"bytes"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// Frame is one inbound message. The set of implementations is closed:
// Handshake, ToolInvoke, Terminate and Other.
type Frame interface {
	frame()
}

// Handshake is an "initialize" request.
type Handshake struct {
	ID     mcp.RequestId
	Params mcp.InitializeParams
}

// ToolInvoke is a "tools/call" request.
type ToolInvoke struct {
	ID            mcp.RequestId
	Name          string
	Arguments     any
	ProgressToken mcp.ProgressToken
}

// Terminate asks for the session to end. It never arrives as a JSON-RPC
// message; the router produces it for DELETE.
type Terminate struct{}

// Other is every remaining request, notification or client response.
type Other struct {
	ID     mcp.RequestId
	Method string
	Params json.RawMessage
	// IsResponse is set for a client's reply to a server request.
	IsResponse bool
}

func (Handshake) frame()  {}
func (ToolInvoke) frame() {}
func (Terminate) frame()  {}
func (Other) frame()      {}

// IsNotification reports whether the frame expects no response.
func (o Other) IsNotification() bool {
	return o.ID.IsNil() && !o.IsResponse
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type callParams struct {
	Name      string    `json:"name"`
	Arguments any       `json:"arguments,omitempty"`
	Meta      *mcp.Meta `json:"_meta,omitempty"`
}

// DecodeFrame parses one JSON-RPC message from a POST body. Batches are
// rejected.
func DecodeFrame(body []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, newDecodeError(mcp.NewRequestId(nil), mcp.INVALID_REQUEST, "empty request body")
	}
	if trimmed[0] == '[' {
		return nil, newDecodeError(mcp.NewRequestId(nil), mcp.INVALID_REQUEST, "batch requests are not supported")
	}

	var msg wireMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, newDecodeError(mcp.NewRequestId(nil), mcp.PARSE_ERROR, "parse error: "+err.Error())
	}

	var id mcp.RequestId
	if len(msg.ID) > 0 {
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			return nil, newDecodeError(mcp.NewRequestId(nil), mcp.INVALID_REQUEST, "invalid id: "+err.Error())
		}
	}

	if msg.JSONRPC != mcp.JSONRPC_VERSION {
		return nil, newDecodeError(id, mcp.INVALID_REQUEST, `jsonrpc must be "2.0"`)
	}

	if msg.Method == "" {
		if !id.IsNil() && (len(msg.Result) > 0 || len(msg.Error) > 0) {
			return Other{ID: id, IsResponse: true}, nil
		}
		return nil, newDecodeError(id, mcp.INVALID_REQUEST, "method is required")
	}

	switch mcp.MCPMethod(msg.Method) {
	case mcp.MethodInitialize:
		if id.IsNil() {
			return nil, newDecodeError(id, mcp.INVALID_REQUEST, "initialize must be a request")
		}
		var params mcp.InitializeParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, newDecodeError(id, mcp.INVALID_PARAMS, "invalid initialize params: "+err.Error())
		}
		return Handshake{ID: id, Params: params}, nil

	case mcp.MethodToolsCall:
		if id.IsNil() {
			return nil, newDecodeError(id, mcp.INVALID_REQUEST, "tools/call must be a request")
		}
		var params callParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return nil, newDecodeError(id, mcp.INVALID_PARAMS, "invalid tools/call params: "+err.Error())
		}
		if params.Name == "" {
			return nil, newDecodeError(id, mcp.INVALID_PARAMS, "tool name is required")
		}
		invoke := ToolInvoke{ID: id, Name: params.Name, Arguments: params.Arguments}
		if params.Meta != nil {
			invoke.ProgressToken = params.Meta.ProgressToken
		}
		return invoke, nil
	}

	return Other{ID: id, Method: msg.Method, Params: msg.Params}, nil
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
