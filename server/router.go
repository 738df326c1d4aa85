// Package server exposes the MCP streamable HTTP endpoint: it demultiplexes
// POST, GET and DELETE exchanges onto sessions and runs the HTTP listener.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"

	loggerv2 "unifimcp/logger/v2"
	"unifimcp/metrics"
	"unifimcp/session"
	"unifimcp/transport"
)

// HeaderSessionID carries the session token on every exchange after the
// handshake.
const HeaderSessionID = "Mcp-Session-Id"

const (
	DefaultMaxBodyBytes = 4 << 20

	msgNoSession      = "Bad Request: no valid session ID provided, send initialize first"
	msgUnknownSession = "session not found, initialize again"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// Path is the MCP mount path, e.g. "/mcp".
	Path string
	// MetricsPath serves Prometheus metrics when non-empty.
	MetricsPath        string
	CORSAllowedOrigins []string
	MaxBodyBytes       int64
}

// NewRouter builds the HTTP handler for the gateway.
func NewRouter(store *session.Store, factory SessionFactory, cfg RouterConfig, logger loggerv2.Logger, m *metrics.Metrics) http.Handler {
	if logger == nil {
		logger = loggerv2.NewNoop()
	}
	if cfg.Path == "" {
		cfg.Path = "/mcp"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	ep := &endpoint{
		store:    store,
		factory:  factory,
		logger:   logger,
		maxBytes: cfg.MaxBodyBytes,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(corsHandler(cfg.CORSAllowedOrigins))
	r.Use(accessLog(logger, m))
	r.Use(middleware.Recoverer)

	r.Handle(cfg.Path, ep)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": store.Len(),
		})
	})
	if cfg.MetricsPath != "" {
		r.Handle(cfg.MetricsPath, m.Handler())
	}

	return r
}

// endpoint serves the single MCP mount path.
type endpoint struct {
	store    *session.Store
	factory  SessionFactory
	logger   loggerv2.Logger
	maxBytes int64
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		e.handlePost(w, r)
	case http.MethodGet:
		e.handleGet(w, r)
	case http.MethodDelete:
		e.handleDelete(w, r)
	default:
		w.Header().Set("Allow", strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodDelete}, ", "))
		writeRPCError(w, http.StatusMethodNotAllowed, mcp.NewRequestId(nil), mcp.INVALID_REQUEST,
			fmt.Sprintf("method %s not allowed", r.Method))
	}
}

func (e *endpoint) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, mcp.NewRequestId(nil), mcp.INVALID_REQUEST, "request body too large")
			return
		}
		e.logger.Warn("Failed to read request body", loggerv2.Error(err))
		writeRPCError(w, http.StatusBadRequest, mcp.NewRequestId(nil), mcp.PARSE_ERROR, "failed to read request body")
		return
	}

	frame, decodeErr := transport.DecodeFrame(body)

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		e.handleUnbound(w, r, frame, decodeErr)
		return
	}

	sess, err := e.store.Get(sessionID)
	if err != nil {
		writeRPCError(w, http.StatusNotFound, requestIDOf(frame, decodeErr), mcp.INVALID_REQUEST, msgUnknownSession)
		return
	}

	if decodeErr != nil {
		var de *transport.DecodeError
		if !errors.As(decodeErr, &de) {
			writeRPCError(w, http.StatusBadRequest, mcp.NewRequestId(nil), mcp.PARSE_ERROR, decodeErr.Error())
			e.store.Close(sessionID, transport.ReasonDecodeError)
			return
		}
		if de.Fatal() {
			e.logger.Warn("Unparsable frame on bound session, closing it",
				loggerv2.String("session_id", sessionID),
				loggerv2.Error(de))
			writeJSON(w, http.StatusBadRequest, de.Frame())
			e.store.Close(sessionID, transport.ReasonDecodeError)
			return
		}
		writeJSON(w, de.Status(), de.Frame())
		return
	}

	out := sess.Adapter.Dispatch(r.Context(), frame)
	if r.Context().Err() != nil {
		// nobody is left to read the response
		e.store.Close(sessionID, transport.ReasonClientGone)
		return
	}
	writeOutcome(w, out)
	if out.CloseSession {
		e.store.Close(sessionID, out.Reason)
	}
}

// handleUnbound serves a POST without a session header. Only a handshake
// may create a session.
func (e *endpoint) handleUnbound(w http.ResponseWriter, r *http.Request, frame transport.Frame, decodeErr error) {
	if decodeErr != nil {
		var de *transport.DecodeError
		if errors.As(decodeErr, &de) {
			writeJSON(w, http.StatusBadRequest, de.Frame())
			return
		}
		writeRPCError(w, http.StatusBadRequest, mcp.NewRequestId(nil), mcp.PARSE_ERROR, decodeErr.Error())
		return
	}

	hs, ok := frame.(transport.Handshake)
	if !ok {
		writeRPCError(w, http.StatusBadRequest, transport.RequestID(frame), mcp.INVALID_REQUEST, msgNoSession)
		return
	}

	sess, msg, err := e.create(r, hs)
	if err != nil {
		e.logger.Error("Failed to create session", err)
		writeRPCError(w, http.StatusInternalServerError, hs.ID, mcp.INTERNAL_ERROR, "failed to create session")
		return
	}

	w.Header().Set(HeaderSessionID, sess.ID)
	writeJSON(w, http.StatusOK, msg)
}

// create runs the handshake on a fresh adapter and binds the session only
// when it succeeds.
func (e *endpoint) create(r *http.Request, hs transport.Handshake) (*session.Session, mcp.JSONRPCMessage, error) {
	id, err := session.NewID()
	if err != nil {
		return nil, nil, err
	}
	registry, adapter, err := e.factory(id)
	if err != nil {
		return nil, nil, err
	}

	msg, err := adapter.Handshake(r.Context(), hs)
	if err != nil {
		adapter.Close()
		return nil, nil, fmt.Errorf("handshake failed: %w", err)
	}
	if err := r.Context().Err(); err != nil {
		adapter.Close()
		return nil, nil, fmt.Errorf("client went away during handshake: %w", err)
	}

	sess := session.New(id, adapter, registry, e.store.Clock().Now())
	if err := e.store.Add(sess); err != nil {
		adapter.Close()
		return nil, nil, err
	}
	return sess, msg, nil
}

func (e *endpoint) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := e.lookup(w, r)
	if !ok {
		return
	}

	err := sess.Adapter.ServeStream(w, r)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrStreamActive):
		writeRPCError(w, http.StatusConflict, mcp.NewRequestId(nil), mcp.INVALID_REQUEST, err.Error())
	case errors.Is(err, transport.ErrClosed):
		writeRPCError(w, http.StatusNotFound, mcp.NewRequestId(nil), mcp.INVALID_REQUEST, msgUnknownSession)
	case errors.Is(err, transport.ErrClientGone):
		e.store.Close(sess.ID, transport.ReasonStreamDropped)
	default:
		e.logger.Error("Push stream failed", err, loggerv2.String("session_id", sess.ID))
		writeRPCError(w, http.StatusInternalServerError, mcp.NewRequestId(nil), mcp.INTERNAL_ERROR, err.Error())
	}
}

func (e *endpoint) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := e.lookup(w, r)
	if !ok {
		return
	}

	out := sess.Adapter.Dispatch(r.Context(), transport.Terminate{})
	if out.CloseSession {
		e.store.Close(sess.ID, out.Reason)
	}
	w.WriteHeader(out.Status)
}

// lookup resolves the session header of a GET or DELETE, answering 400 when
// it is missing and 404 when it is unknown.
func (e *endpoint) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, mcp.NewRequestId(nil), mcp.INVALID_REQUEST, msgNoSession)
		return nil, false
	}
	sess, err := e.store.Get(sessionID)
	if err != nil {
		writeRPCError(w, http.StatusNotFound, mcp.NewRequestId(nil), mcp.INVALID_REQUEST, msgUnknownSession)
		return nil, false
	}
	return sess, true
}

func requestIDOf(frame transport.Frame, decodeErr error) mcp.RequestId {
	var de *transport.DecodeError
	if errors.As(decodeErr, &de) {
		return de.ID
	}
	if frame != nil {
		return transport.RequestID(frame)
	}
	return mcp.NewRequestId(nil)
}

func writeOutcome(w http.ResponseWriter, out transport.Outcome) {
	if out.Message == nil {
		w.WriteHeader(out.Status)
		return
	}
	writeJSON(w, out.Status, out.Message)
}

func writeRPCError(w http.ResponseWriter, status int, id mcp.RequestId, code int, msg string) {
	writeJSON(w, status, mcp.NewJSONRPCError(id, code, msg, nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
