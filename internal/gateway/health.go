package gateway

import (
	"context"
	"net/http"
	"time"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type readiness interface {
	Ready(ctx context.Context) error
	Size() (grants int, methods int)
}

// HealthHandler reports database reachability and registry readiness.
func HealthHandler(database Pinger, reg readiness) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}

		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = "unreachable"
		}

		regCtx, regCancel := context.WithTimeout(ctx, 100*time.Millisecond)
		err := reg.Ready(regCtx)
		regCancel()
		if err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["registry"] = "not_ready"
		} else {
			grants, methods := reg.Size()
			body["registry"] = map[string]int{"grants": grants, "methods": methods}
		}

		writeJSON(w, status, body)
	}
}
