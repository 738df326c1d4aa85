package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
)

var (
	// ErrStreamActive is returned by ServeStream when the session already has
	// a push stream attached.
	ErrStreamActive = errors.New("a push stream is already attached to this session")
	// ErrClosed is returned once the adapter has been closed.
	ErrClosed = errors.New("session transport is closed")
	// ErrClientGone means the client disconnected from a push stream.
	ErrClientGone = errors.New("client disconnected")
	// ErrStreamingUnsupported means the ResponseWriter cannot flush.
	ErrStreamingUnsupported = errors.New("response writer does not support streaming")
)

// DecodeError is a POST body that could not be turned into a Frame. Code is
// the JSON-RPC error code to answer with.
type DecodeError struct {
	ID      mcp.RequestId
	Code    int
	Message string
}

func newDecodeError(id mcp.RequestId, code int, msg string) *DecodeError {
	return &DecodeError{ID: id, Code: code, Message: msg}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %s (code %d)", e.Message, e.Code)
}

// Fatal reports whether the body could not be parsed as JSON at all. A fatal
// error on a bound session closes it; an invalid request or bad params do not.
func (e *DecodeError) Fatal() bool {
	return e.Code == mcp.PARSE_ERROR
}

// Status is the HTTP status to answer a non-fatal error with.
func (e *DecodeError) Status() int {
	if e.Code == mcp.INVALID_PARAMS {
		return http.StatusOK
	}
	return http.StatusBadRequest
}

// Frame returns the JSON-RPC error frame for the failure.
func (e *DecodeError) Frame() mcp.JSONRPCMessage {
	return mcp.NewJSONRPCError(e.ID, e.Code, e.Message, nil)
}
