// Package maintenance exposes the cron-triggered purge of expired
// verification state.
package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"txgate/internal/observability"
)

type Cleaner interface {
	Cleanup(ctx context.Context, retention time.Duration, batchSize int, now time.Time) (CleanupResult, error)
}

type CleanupHandler struct {
	cleaner    Cleaner
	logger     *observability.Logger
	cronSecret string
	retention  time.Duration
	batchSize  int
}

func NewCleanupHandler(cleaner Cleaner, logger *observability.Logger, cronSecret string, retention time.Duration, batchSize int) *CleanupHandler {
	return &CleanupHandler{
		cleaner:    cleaner,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		retention:  retention,
		batchSize:  batchSize,
	}
}

// Handle is disabled (404) unless a cron secret is configured, and then
// requires it as a bearer token.
func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.cleaner.Cleanup(r.Context(), h.retention, h.batchSize, time.Now().UTC())
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		observability.CaptureError(err, map[string]string{"job": "auth_cleanup"})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_one_time_codes":   result.DeletedOneTimeCodes,
		"deleted_password_resets":  result.DeletedPasswordResets,
		"deleted_login_challenges": result.DeletedLoginChallenges,
		"deleted_devices":          result.DeletedDevices,
		"deleted_login_attempts":   result.DeletedLoginAttempts,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
