package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf)

	logger.Warn("registry_load_failed", map[string]any{"stage": "grants"})

	var payload map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	assert.Equal(t, "warn", payload["level"])
	assert.Equal(t, "registry_load_failed", payload["message"])
	assert.Equal(t, "grants", payload["stage"])
}

func TestRedact_SensitiveKeysAndValues(t *testing.T) {
	token := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	out := Redact(map[string]any{
		"token":    token,
		"password": "Passw0rd!",
		"error":    errors.New("no row for token " + token),
		"note":     "code 123456 rejected",
		"user_id":  "u-1",
		"attempts": 3,
	})

	assert.Equal(t, "[redacted]", out["token"])
	assert.Equal(t, "[redacted]", out["password"])
	assert.Equal(t, "no row for token [redacted]", out["error"])
	assert.Equal(t, "code [redacted] rejected", out["note"])
	assert.Equal(t, "u-1", out["user_id"])
	assert.Equal(t, 3, out["attempts"])
}

func TestRedact_MatchesWholeKeySegments(t *testing.T) {
	out := Redact(map[string]any{
		"device_token":           "abc",
		"X-Authorization":        "Bearer abc",
		"deleted_one_time_codes": 4,
		"password_resets":        int64(2),
		"code_hash":              "ch",
		"barcode":                "b-1",
	})

	assert.Equal(t, "[redacted]", out["device_token"])
	assert.Equal(t, "[redacted]", out["X-Authorization"])
	assert.Equal(t, 4, out["deleted_one_time_codes"])
	assert.Equal(t, int64(2), out["password_resets"])
	assert.Equal(t, "ch", out["code_hash"])
	assert.Equal(t, "b-1", out["barcode"])
}

func TestRequestLoggingMiddleware_AnnotatesLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf)

	handler := RequestLoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), map[string]any{"object": "Auth"})
		assert.NotEmpty(t, RequestID(r.Context()))
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tx", nil))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	assert.Equal(t, "http_request", payload["message"])
	assert.Equal(t, "Auth", payload["object"])
	assert.EqualValues(t, http.StatusAccepted, payload["status"])
	assert.Equal(t, rec.Header().Get(RequestIDHeader), payload["request_id"])
	assert.NotEmpty(t, payload["request_id"])
}

func TestAnnotate_NoopWithoutMiddleware(t *testing.T) {
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	Annotate(ctx, map[string]any{"object": "Auth"})
	assert.Empty(t, RequestID(ctx))
}

func TestRecoverMiddleware_ReturnsEnvelope(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf)

	handler := RecoverMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tx", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"code":500,"message":"unknown_error"}`, rec.Body.String())
	assert.Contains(t, buf.String(), "panic_recovered")
}

func TestClientIP_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1:5555", ClientIP(req))
}
