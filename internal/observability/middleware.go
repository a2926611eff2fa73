package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"txgate/internal/response"
)

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.statusCode = status
	r.ResponseWriter.WriteHeader(status)
}

const RequestIDHeader = "X-Request-ID"

type annotationsKey struct{}

type annotations struct {
	mu     sync.Mutex
	fields map[string]any
}

// Annotate attaches fields to the http_request line of the request carried
// by ctx. Outside RequestLoggingMiddleware it does nothing.
func Annotate(ctx context.Context, fields map[string]any) {
	a, ok := ctx.Value(annotationsKey{}).(*annotations)
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range fields {
		a.fields[k] = v
	}
}

// RequestID returns the id RequestLoggingMiddleware assigned to the request.
func RequestID(ctx context.Context) string {
	if a, ok := ctx.Value(annotationsKey{}).(*annotations); ok {
		a.mu.Lock()
		defer a.mu.Unlock()
		id, _ := a.fields["request_id"].(string)
		return id
	}
	return ""
}

func RequestLoggingMiddleware(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().UTC()

		requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		tags := &annotations{fields: map[string]any{"request_id": requestID}}
		r = r.WithContext(context.WithValue(r.Context(), annotationsKey{}, tags))

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		tags.mu.Lock()
		fields := make(map[string]any, len(tags.fields)+5)
		for k, v := range tags.fields {
			fields[k] = v
		}
		tags.mu.Unlock()
		fields["method"] = r.Method
		fields["path"] = r.URL.Path
		fields["status"] = recorder.statusCode
		fields["duration_ms"] = time.Since(start).Milliseconds()
		fields["ip"] = ClientIP(r)

		logger.Info("http_request", fields)
	})
}

func RecoverMiddleware(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetTag("request_id", RequestID(r.Context()))
					scope.SetExtra("panic", rec)
					scope.SetExtra("stack", string(debug.Stack()))
					sentry.CaptureMessage("panic in request")
				})

				logger.Error("panic_recovered", map[string]any{
					"path":       r.URL.Path,
					"method":     r.Method,
					"panic":      rec,
					"request_id": RequestID(r.Context()),
				})

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(response.UnknownError())
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func ClientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}
