// Package toolapi exposes the orchestration kernel as named, strongly-typed
// tool endpoints. The registrar owns the endpoint table; every invocation
// flows through the same pipeline: resolve the endpoint, consult the rate
// limiter, validate the parameters against the endpoint's JSON schema, run
// the handler, and wrap the outcome in a result envelope. Invocations never
// unwind with a panic.
package toolapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mahavishnu-ai/mahavishnu/runtime/guard"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/telemetry"
)

type (
	// Handler executes one endpoint. Params have already passed schema
	// validation.
	Handler func(ctx context.Context, params json.RawMessage) (any, error)

	// Endpoint declares one callable tool.
	Endpoint struct {
		// Name is the dotted endpoint name, e.g. "pool.execute".
		Name string
		// Description documents the endpoint for discovery.
		Description string
		// ParamsSchema is the JSON schema the parameters must satisfy.
		// Empty means the endpoint takes no parameters.
		ParamsSchema []byte
		// Handler executes the endpoint.
		Handler Handler

		compiled *jsonschema.Schema
	}

	// Envelope is the uniform result wrapper every invocation returns.
	Envelope struct {
		OK    bool          `json:"ok"`
		Data  any           `json:"data,omitempty"`
		Error *ErrorPayload `json:"error,omitempty"`
	}

	// ErrorPayload carries a structured failure in the envelope.
	ErrorPayload struct {
		Kind       string  `json:"kind"`
		Message    string  `json:"message"`
		RetryAfter float64 `json:"retry_after,omitempty"`
	}

	// Registrar maps endpoint names to handlers and runs the invocation
	// pipeline.
	Registrar struct {
		mu        sync.RWMutex
		endpoints map[string]*Endpoint

		limiter *guard.RateLimiter
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// RegistrarOption customizes a Registrar.
	RegistrarOption func(*Registrar)
)

// WithRateLimiter installs the admission gate consulted before every
// handler. Without one, invocations are not rate limited.
func WithRateLimiter(l *guard.RateLimiter) RegistrarOption {
	return func(r *Registrar) { r.limiter = l }
}

// WithLogger sets the registrar logger.
func WithLogger(l telemetry.Logger) RegistrarOption {
	return func(r *Registrar) { r.logger = l }
}

// WithMetrics sets the registrar metrics recorder.
func WithMetrics(m telemetry.Metrics) RegistrarOption {
	return func(r *Registrar) { r.metrics = m }
}

// NewRegistrar constructs an empty Registrar.
func NewRegistrar(opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		endpoints: make(map[string]*Endpoint),
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an endpoint, compiling its parameter schema. Registering a
// taken name or an invalid schema fails.
func (r *Registrar) Register(ep Endpoint) error {
	if ep.Name == "" {
		return orcerrors.New(orcerrors.KindConfig, "endpoint name is required")
	}
	if ep.Handler == nil {
		return orcerrors.Newf(orcerrors.KindConfig, "endpoint %q has no handler", ep.Name)
	}
	if len(ep.ParamsSchema) > 0 {
		compiled, err := compileSchema(ep.Name, ep.ParamsSchema)
		if err != nil {
			return orcerrors.Wrap(orcerrors.KindConfig, fmt.Sprintf("endpoint %q schema", ep.Name), err)
		}
		ep.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.endpoints[ep.Name]; taken {
		return orcerrors.Newf(orcerrors.KindConfig, "endpoint %q already registered", ep.Name)
	}
	r.endpoints[ep.Name] = &ep
	return nil
}

// MustRegister registers the endpoint and panics on failure. For use during
// process wiring, where a bad endpoint table is a programming error.
func (r *Registrar) MustRegister(ep Endpoint) {
	if err := r.Register(ep); err != nil {
		panic(err)
	}
}

// Names returns the registered endpoint names, sorted.
func (r *Registrar) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named endpoint for the subject and always returns an
// envelope. Handler panics are recovered into internal-error envelopes.
func (r *Registrar) Invoke(ctx context.Context, subject, name string, params json.RawMessage) *Envelope {
	r.mu.RLock()
	ep, ok := r.endpoints[name]
	r.mu.RUnlock()
	if !ok {
		return fail(orcerrors.Newf(orcerrors.KindInvalidArgument, "unknown endpoint %q", name))
	}

	if r.limiter != nil {
		decision := r.limiter.Allow(subject, name)
		if !decision.Allowed {
			r.metrics.IncCounter("tool_rate_limited", 1, "tool", name)
			return fail(orcerrors.Newf(orcerrors.KindRateLimited, "rate limit exceeded for %q", name).
				WithRetryAfter(decision.RetryAfter))
		}
	}

	if ep.compiled != nil {
		var doc any
		if err := json.Unmarshal(normalizeParams(params), &doc); err != nil {
			return fail(orcerrors.Wrap(orcerrors.KindInvalidArgument, "malformed parameters", err))
		}
		if err := ep.compiled.Validate(doc); err != nil {
			return fail(orcerrors.Wrap(orcerrors.KindInvalidArgument, "invalid parameters", err))
		}
	}

	start := time.Now()
	data, err := r.safeHandle(ctx, ep, params)
	r.metrics.RecordTimer("tool_invocation", time.Since(start), "tool", name, "ok", fmt.Sprint(err == nil))
	if err != nil {
		r.logger.Warn(ctx, "tool invocation failed", "tool", name, "subject", subject, "err", err)
		return fail(err)
	}
	return &Envelope{OK: true, Data: data}
}

// safeHandle runs the handler, converting panics into internal errors.
func (r *Registrar) safeHandle(ctx context.Context, ep *Endpoint, params json.RawMessage) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = orcerrors.Newf(orcerrors.KindInternal, "endpoint %q panicked: %v", ep.Name, rec)
		}
	}()
	return ep.Handler(ctx, params)
}

// fail wraps an error into a failure envelope.
func fail(err error) *Envelope {
	payload := &ErrorPayload{
		Kind:    string(orcerrors.KindOf(err)),
		Message: err.Error(),
	}
	if ra := orcerrors.RetryAfter(err); ra > 0 {
		payload.RetryAfter = ra.Seconds()
	}
	return &Envelope{OK: false, Error: payload}
}

// normalizeParams treats absent parameters as an empty object so schemas
// with no required fields accept them.
func normalizeParams(params json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(params)) == 0 {
		return json.RawMessage(`{}`)
	}
	return params
}

// compileSchema parses and compiles one endpoint's parameter schema.
func compileSchema(name string, schemaBytes []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
