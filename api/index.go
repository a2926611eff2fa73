package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"txgate/internal/app"
	"txgate/internal/config"
	"txgate/internal/response"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

// Handler is the serverless entry point. The runtime is built once per
// instance; a failed build is not retried.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		apiRuntime, initErr = app.Build(context.Background(), app.Options{
			LoadDotEnv:    false,
			RunMigrations: config.EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),
			ApplySeed:     config.EnvBoolOrDefault("APPLY_REGISTRY_SEED_ON_STARTUP", false),
		})
	})

	if initErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(response.ServiceUnavailable())
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
