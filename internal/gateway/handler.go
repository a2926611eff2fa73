// Package gateway is the HTTP surface: a single transaction endpoint that
// authenticates the caller, resolves the tx number and dispatches through the
// registry.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"txgate/internal/observability"
	"txgate/internal/recovery"
	"txgate/internal/registry"
	"txgate/internal/request"
	"txgate/internal/response"
	"txgate/internal/session"
)

const (
	maxJSONBodyBytes = 1 << 20
	readyTimeout     = 5 * time.Second
)

// Router is the registry as seen by the gateway.
type Router interface {
	Ready(ctx context.Context) error
	ResolveTx(tx int) (registry.Method, bool)
	Authorize(profileID int, method, object string) bool
	Dispatch(ctx context.Context, meta request.Meta, object, method string, params json.RawMessage) response.Response
}

type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (session.Session, error)
}

type Handler struct {
	router          Router
	auth            Authenticator
	logger          *observability.Logger
	publicProfileID int
}

func NewHandler(router Router, auth Authenticator, logger *observability.Logger, publicProfileID int) *Handler {
	return &Handler{
		router:          router,
		auth:            auth,
		logger:          logger,
		publicProfileID: publicProfileID,
	}
}

type txRequest struct {
	Tx     int             `json:"tx"`
	Params json.RawMessage `json:"params"`
}

// ServeTx handles POST /tx.
func (h *Handler) ServeTx(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body txRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeResponse(w, response.InvalidParameters(response.Alert{Field: "body", Message: "invalid json body"}))
		return
	}
	if body.Tx <= 0 {
		writeResponse(w, response.InvalidParameters(response.Alert{Field: "tx", Message: "must be a positive integer"}))
		return
	}

	observability.Annotate(r.Context(), map[string]any{"tx": body.Tx})

	readyCtx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	err := h.router.Ready(readyCtx)
	cancel()
	if err != nil {
		h.logger.Error("registry_unavailable", map[string]any{"error": err})
		writeResponse(w, response.ServiceUnavailable())
		return
	}

	meta, res, ok := h.buildMeta(r)
	if !ok {
		writeResponse(w, res)
		return
	}

	observability.Annotate(r.Context(), map[string]any{"profile_id": meta.ProfileID})

	method, found := h.router.ResolveTx(body.Tx)
	if !found {
		h.logger.Warn("tx_not_found", map[string]any{"tx": body.Tx, "ip": meta.IP})
		writeResponse(w, response.TxNotFound())
		return
	}

	observability.Annotate(r.Context(), map[string]any{"object": method.Object, "tx_method": method.Name})

	if !h.router.Authorize(meta.ProfileID, method.Name, method.Object) {
		h.logger.Warn("permission_denied", map[string]any{
			"tx":         body.Tx,
			"object":     method.Object,
			"method":     method.Name,
			"profile_id": meta.ProfileID,
			"user_id":    meta.UserID,
			"ip":         meta.IP,
		})
		writeResponse(w, response.PermissionDenied())
		return
	}

	params := body.Params
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage("{}")
	}
	res := h.router.Dispatch(r.Context(), meta, method.Object, method.Name, params)
	observability.Annotate(r.Context(), map[string]any{"result": res.Message})
	writeResponse(w, res)
}

// buildMeta resolves the caller. Without a bearer token the caller acts
// under the public profile; a presented but invalid token is rejected.
func (h *Handler) buildMeta(r *http.Request) (request.Meta, response.Response, bool) {
	meta := request.Meta{
		IP:        observability.ClientIP(r),
		UserAgent: strings.TrimSpace(r.UserAgent()),
		ProfileID: h.publicProfileID,
	}
	if cookie, err := r.Cookie(recovery.DeviceCookieName); err == nil {
		meta.DeviceToken = cookie.Value
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return meta, response.Response{}, true
	}

	token, ok := session.BearerToken(header)
	if !ok {
		return meta, response.Unauthorized(), false
	}

	sess, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, session.ErrInvalidToken) {
			return meta, response.Unauthorized(), false
		}
		h.logger.Error("authenticate_failed", map[string]any{"error": err})
		observability.CaptureError(err, map[string]string{"stage": "authenticate"})
		return meta, response.UnknownError(), false
	}

	meta.SessionID = sess.ID
	meta.UserID = sess.UserID
	meta.ProfileID = sess.ProfileID
	return meta, response.Response{}, true
}

func writeResponse(w http.ResponseWriter, res response.Response) {
	for _, c := range res.Cookies {
		http.SetCookie(w, c)
	}
	writeJSON(w, res.Code, res)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
