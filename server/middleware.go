package server

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	loggerv2 "unifimcp/logger/v2"
	"unifimcp/metrics"
)

func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization", HeaderSessionID, "Mcp-Protocol-Version", "Last-Event-ID"},
		ExposedHeaders: []string{HeaderSessionID},
		MaxAge:         300,
	})
}

// accessLog records status and duration of every exchange. Push streams are
// logged when they end.
func accessLog(logger loggerv2.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snoop := httpsnoop.CaptureMetrics(next, w, r)
			m.HTTPRequest(r.Method, snoop.Code, snoop.Duration)

			fields := []loggerv2.Field{
				loggerv2.String("method", r.Method),
				loggerv2.String("path", r.URL.Path),
				loggerv2.Int("status", snoop.Code),
				loggerv2.Duration("duration", snoop.Duration),
				loggerv2.Any("bytes", snoop.Written),
			}
			if id := r.Header.Get(HeaderSessionID); id != "" {
				fields = append(fields, loggerv2.String("session_id", id))
			}
			if reqID := middleware.GetReqID(r.Context()); reqID != "" {
				fields = append(fields, loggerv2.String("request_id", reqID))
			}

			if snoop.Code >= http.StatusInternalServerError {
				logger.Warn("HTTP request failed", fields...)
				return
			}
			logger.Debug("HTTP request", fields...)
		})
	}
}
