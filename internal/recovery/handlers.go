package recovery

import (
	"bytes"
	"context"
	"encoding/json"

	"txgate/internal/registry"
	"txgate/internal/request"
	"txgate/internal/response"
)

const (
	ObjectAuth    = "Auth"
	ObjectSession = "Session"
)

// Table exposes the engine's flows to the registry.
func (e *Engine) Table() registry.Table {
	return registry.Table{
		ObjectAuth: func() (registry.Capabilities, error) {
			return registry.Capabilities{
				"register":                 handle(e.Register),
				"requestEmailVerification": handle(e.RequestEmailVerification),
				"verifyEmail":              handle(e.VerifyEmail),
				"requestPasswordReset":     handle(e.RequestPasswordReset),
				"verifyPasswordReset":      handle(e.VerifyPasswordReset),
				"resetPassword":            handle(e.ResetPassword),
				"login":                    handle(e.Login),
				"verifyLoginChallenge":     handle(e.VerifyLoginChallenge),
			}, nil
		},
		ObjectSession: func() (registry.Capabilities, error) {
			return registry.Capabilities{
				"logout": noParams(e.Logout),
				"me":     noParams(e.Me),
			}, nil
		},
	}
}

// handle decodes params into T before calling fn. Unknown fields are
// rejected.
func handle[T any](fn func(context.Context, request.Meta, T) response.Response) registry.Handler {
	return func(ctx context.Context, meta request.Meta, params json.RawMessage) response.Response {
		var in T
		trimmed := bytes.TrimSpace(params)
		if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(trimmed))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&in); err != nil {
				return response.InvalidParameters(response.Alert{Field: "params", Message: "invalid json"})
			}
		}
		return fn(ctx, meta, in)
	}
}

func noParams(fn func(context.Context, request.Meta) response.Response) registry.Handler {
	return func(ctx context.Context, meta request.Meta, _ json.RawMessage) response.Response {
		return fn(ctx, meta)
	}
}
