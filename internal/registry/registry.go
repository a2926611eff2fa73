// Package registry resolves opaque transaction numbers to named operations,
// authorizes them against the loaded permission grants and dispatches them
// to statically registered handlers.
//
// Both maps are filled exactly once by Start. After the readiness channel is
// closed they are never written again, so reads take no lock.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"txgate/internal/observability"
	"txgate/internal/request"
	"txgate/internal/response"
)

var (
	ErrNotStarted   = errors.New("registry not started")
	ErrDuplicateTx  = errors.New("duplicate tx")
	ErrInvalidTx    = errors.New("invalid tx")
	ErrNoHandler    = errors.New("no handler registered for object")
	ErrNoSuchMethod = errors.New("method not exposed by handler")
)

// Method is one routable operation.
type Method struct {
	Tx     int    `json:"tx"`
	Object string `json:"object"`
	Name   string `json:"method"`
}

// Grant allows a profile to call one method of one object.
type Grant struct {
	ProfileID int
	Object    string
	Method    string
}

// Loader reads the grant set and the tx map from storage.
type Loader interface {
	LoadGrants(ctx context.Context) ([]Grant, error)
	LoadMethods(ctx context.Context) ([]Method, error)
}

// Handler is a single named callable of an object.
type Handler func(ctx context.Context, meta request.Meta, params json.RawMessage) response.Response

// Capabilities is the set of callables one object exposes.
type Capabilities map[string]Handler

// Factory builds the capability set of an object on first use.
type Factory func() (Capabilities, error)

// Table maps object names to their factories. It is fixed at startup.
type Table map[string]Factory

type grantKey struct {
	profileID int
	method    string
	object    string
}

type Registry struct {
	loader Loader
	table  Table
	logger *observability.Logger

	started atomic.Bool
	done    chan struct{}
	err     error

	grants  map[grantKey]struct{}
	methods map[int]Method

	handlers sync.Map
}

func New(loader Loader, table Table, logger *observability.Logger) *Registry {
	if table == nil {
		table = Table{}
	}
	return &Registry{
		loader: loader,
		table:  table,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins loading in the background. Only the first call has any
// effect; a failed load is never retried.
func (r *Registry) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer close(r.done)
		if err := r.load(ctx); err != nil {
			r.err = err
			r.logger.Error("registry_load_failed", map[string]any{"error": err.Error()})
			return
		}
		r.logger.Info("registry_ready", map[string]any{
			"grants":  len(r.grants),
			"methods": len(r.methods),
		})
	}()
}

// Ready blocks until loading finished and reports its outcome. The result
// is cached: once a load fails, every call returns the same error.
func (r *Registry) Ready(ctx context.Context) error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) ready() bool {
	select {
	case <-r.done:
		return r.err == nil
	default:
		return false
	}
}

func (r *Registry) load(ctx context.Context) error {
	var (
		grants  []Grant
		methods []Method
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loaded, err := r.loader.LoadGrants(gctx)
		if err != nil {
			return fmt.Errorf("load grants: %w", err)
		}
		grants = loaded
		return nil
	})
	g.Go(func() error {
		loaded, err := r.loader.LoadMethods(gctx)
		if err != nil {
			return fmt.Errorf("load methods: %w", err)
		}
		methods = loaded
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	methodMap := make(map[int]Method, len(methods))
	for _, m := range methods {
		if m.Tx <= 0 {
			return fmt.Errorf("%w: %d for %s.%s", ErrInvalidTx, m.Tx, m.Object, m.Name)
		}
		if existing, ok := methodMap[m.Tx]; ok {
			return fmt.Errorf("%w: %d used by %s.%s and %s.%s", ErrDuplicateTx, m.Tx, existing.Object, existing.Name, m.Object, m.Name)
		}
		methodMap[m.Tx] = m
	}

	grantMap := make(map[grantKey]struct{}, len(grants))
	for _, gr := range grants {
		grantMap[grantKey{profileID: gr.ProfileID, method: gr.Method, object: gr.Object}] = struct{}{}
	}

	r.grants = grantMap
	r.methods = methodMap
	return nil
}

// Authorize reports whether profileID may call object.method. Anything not
// explicitly granted, including every call before readiness, is denied.
func (r *Registry) Authorize(profileID int, method, object string) bool {
	if !r.ready() {
		return false
	}
	_, ok := r.grants[grantKey{profileID: profileID, method: method, object: object}]
	return ok
}

// ResolveTx returns the operation behind tx; ok is false for unknown values.
func (r *Registry) ResolveTx(tx int) (Method, bool) {
	if !r.ready() {
		return Method{}, false
	}
	m, ok := r.methods[tx]
	return m, ok
}

// Size returns the number of loaded grants and methods.
func (r *Registry) Size() (grants int, methods int) {
	if !r.ready() {
		return 0, 0
	}
	return len(r.grants), len(r.methods)
}

// Dispatch invokes object.method with params and returns its result as is.
// Resolution and invocation failures are logged and reported to the caller
// only as an unknown error.
func (r *Registry) Dispatch(ctx context.Context, meta request.Meta, object, method string, params json.RawMessage) response.Response {
	caps, err := r.handlerFor(object)
	if err != nil {
		r.logDispatchFailure("resolve_handler", object, method, err)
		return response.UnknownError()
	}

	handler, ok := caps[method]
	if !ok || handler == nil {
		r.logDispatchFailure("resolve_method", object, method, ErrNoSuchMethod)
		return response.UnknownError()
	}

	return r.invoke(ctx, object, method, handler, meta, params)
}

func (r *Registry) invoke(ctx context.Context, object, method string, handler Handler, meta request.Meta, params json.RawMessage) (res response.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			r.logDispatchFailure("invoke", object, method, err)
			observability.CaptureError(err, map[string]string{"object": object, "method": method})
			res = response.UnknownError()
		}
	}()

	return handler(ctx, meta, params)
}

func (r *Registry) handlerFor(object string) (Capabilities, error) {
	if cached, ok := r.handlers.Load(object); ok {
		return cached.(Capabilities), nil
	}

	factory, ok := r.table[object]
	if !ok || factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, object)
	}

	caps, err := factory()
	if err != nil {
		return nil, fmt.Errorf("construct handler %s: %w", object, err)
	}
	if caps == nil {
		return nil, fmt.Errorf("%w: %s returned no capabilities", ErrNoHandler, object)
	}

	actual, _ := r.handlers.LoadOrStore(object, caps)
	return actual.(Capabilities), nil
}

func (r *Registry) logDispatchFailure(stage, object, method string, err error) {
	r.logger.Error("dispatch_failed", map[string]any{
		"stage":  stage,
		"object": object,
		"method": method,
		"error":  err.Error(),
	})
}
