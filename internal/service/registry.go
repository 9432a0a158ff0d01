// Package service is the kernel's service registry: named (domain, service)
// handlers that integrations expose and that clients call through the
// WebSocket gateway, the REST API or the MQTT bridge.
package service

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/metrics"
)

// DefaultLimit is how long a blocking call waits unless told otherwise.
const DefaultLimit = 10 * time.Second

var namePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// CallOption configures a Call.
type CallOption func(*callOptions)

type callOptions struct {
	blocking bool
	limit    time.Duration
	context  core.Context
}

// Blocking makes Call wait for the handler and return its error.
func Blocking() CallOption {
	return func(o *callOptions) { o.blocking = true }
}

// WithLimit overrides the blocking wait limit. Zero waits indefinitely.
func WithLimit(d time.Duration) CallOption {
	return func(o *callOptions) { o.limit = d }
}

// WithContext attributes the call to c. Without it the Context stored in
// the Go context (core.WithEventContext) is used, or a fresh system Context.
func WithContext(c core.Context) CallOption {
	return func(o *callOptions) { o.context = c }
}

// Registry binds (domain, service) pairs to handlers.
//
// All methods are safe for concurrent use.
type Registry struct {
	loop    *core.Loop
	bus     *core.Bus
	logger  core.Logger
	metrics *metrics.Metrics
	admins  AdminResolver
	limit   time.Duration

	mu       sync.RWMutex
	services map[string]map[string]*Service
}

// NewRegistry creates an empty registry. Handlers run as loop tasks and
// lifecycle events are fired on bus.
func NewRegistry(loop *core.Loop, bus *core.Bus) *Registry {
	return &Registry{
		loop:     loop,
		bus:      bus,
		logger:   core.NopLogger(),
		limit:    DefaultLimit,
		services: make(map[string]map[string]*Service),
	}
}

// SetLogger sets the logger for handler failures.
func (r *Registry) SetLogger(logger core.Logger) {
	r.logger = logger
}

// SetMetrics enables call counters.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// SetAdminResolver sets how admin-only services check their caller.
// Without a resolver, user calls to admin-only services are rejected.
func (r *Registry) SetAdminResolver(a AdminResolver) {
	r.admins = a
}

// SetDefaultLimit changes the default blocking wait limit.
func (r *Registry) SetDefaultLimit(d time.Duration) {
	r.limit = d
}

// Register binds handler to (domain, name), replacing any previous
// binding, and fires service_registered.
func (r *Registry) Register(domain, name string, handler Handler, opts ...RegisterOption) error {
	domain, name = strings.ToLower(domain), strings.ToLower(name)
	if !namePattern.MatchString(domain) || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q.%q", ErrInvalidName, domain, name)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s.%s", ErrInvalidName, domain, name)
	}

	svc := &Service{Domain: domain, Name: name, Handler: handler}
	for _, opt := range opts {
		opt(svc)
	}

	r.mu.Lock()
	if r.services[domain] == nil {
		r.services[domain] = make(map[string]*Service)
	}
	r.services[domain][name] = svc
	r.mu.Unlock()

	r.fire(core.EventServiceRegistered, map[string]any{"domain": domain, "service": name}, core.NewContext())
	return nil
}

// Remove unbinds (domain, name) and fires service_removed. It returns
// false if nothing was bound.
func (r *Registry) Remove(domain, name string) bool {
	domain, name = strings.ToLower(domain), strings.ToLower(name)

	r.mu.Lock()
	if _, ok := r.services[domain][name]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.services[domain], name)
	if len(r.services[domain]) == 0 {
		delete(r.services, domain)
	}
	r.mu.Unlock()

	r.fire(core.EventServiceRemoved, map[string]any{"domain": domain, "service": name}, core.NewContext())
	return true
}

// Has reports whether (domain, name) is bound.
func (r *Registry) Has(domain, name string) bool {
	return r.lookup(domain, name) != nil
}

func (r *Registry) lookup(domain, name string) *Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[strings.ToLower(domain)][strings.ToLower(name)]
}

// Domains returns the sorted list of domains with at least one service.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	domains := make([]string, 0, len(r.services))
	for d := range r.services {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

// Services describes every registered service, keyed by domain then name.
func (r *Registry) Services() map[string]map[string]Description {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]Description, len(r.services))
	for domain, byName := range r.services {
		out[domain] = make(map[string]Description, len(byName))
		for name, svc := range byName {
			fields := map[string]any{}
			if svc.Schema != nil {
				fields = svc.Schema.Properties()
			}
			out[domain][name] = Description{Description: svc.Description, Fields: fields, RequiresAdmin: svc.RequiresAdmin}
		}
	}
	return out
}

// Call invokes (domain, name) with data.
//
// Unless Blocking is given, Call returns as soon as the handler has been
// scheduled; handler errors are then only logged. A blocking call waits
// for the handler up to the limit (DefaultLimit unless WithLimit says
// otherwise), cancels the handler's context on timeout and returns
// ErrServiceTimeout. Cancelling ctx abandons a blocking wait the same way.
//
// Returns ErrServiceNotFound, ErrInvalidData or ErrUnauthorized before any
// handler runs.
func (r *Registry) Call(ctx context.Context, domain, name string, data map[string]any, opts ...CallOption) error {
	domain, name = strings.ToLower(domain), strings.ToLower(name)

	o := callOptions{limit: r.limit}
	for _, opt := range opts {
		opt(&o)
	}

	svc := r.lookup(domain, name)
	if svc == nil {
		r.metrics.ServiceCall(domain, name, "not_found", 0)
		return fmt.Errorf("%w: %s.%s", ErrServiceNotFound, domain, name)
	}

	if data == nil {
		data = map[string]any{}
	}
	if svc.Schema != nil {
		if err := svc.Schema.Validate(data); err != nil {
			r.metrics.ServiceCall(domain, name, "invalid", 0)
			return fmt.Errorf("%w for %s.%s: %w", ErrInvalidData, domain, name, err)
		}
	}

	callCtx := o.context
	if callCtx.IsZero() {
		if fromGo, ok := core.EventContextFrom(ctx); ok {
			callCtx = fromGo
		} else {
			callCtx = core.NewContext()
		}
	}

	if svc.RequiresAdmin && callCtx.UserID != "" {
		if err := r.checkAdmin(ctx, callCtx.UserID); err != nil {
			r.metrics.ServiceCall(domain, name, "unauthorized", 0)
			return err
		}
	}

	call := &Call{
		Domain:   domain,
		Service:  name,
		Data:     data,
		Context:  callCtx,
		Blocking: o.blocking,
		ID:       core.NewID(),
	}

	r.fire(core.EventServiceCalled, map[string]any{
		"domain":          domain,
		"service":         name,
		"service_data":    data,
		"service_call_id": call.ID,
	}, callCtx)

	if !o.blocking {
		return r.loop.Go(func(loopCtx context.Context) {
			if err := r.execute(loopCtx, svc, call); err != nil {
				r.logger.Error("service call failed",
					"domain", domain, "service", name, "error", err)
			}
		})
	}
	return r.callBlocking(ctx, svc, call, o.limit)
}

func (r *Registry) callBlocking(ctx context.Context, svc *Service, call *Call, limit time.Duration) error {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	err := r.loop.Go(func(loopCtx context.Context) {
		stop := context.AfterFunc(loopCtx, cancel)
		defer stop()
		done <- r.execute(taskCtx, svc, call)
	})
	if err != nil {
		return err
	}

	var timeout <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-timeout:
		r.metrics.ServiceCall(call.Domain, call.Service, "timeout", 0)
		r.logger.Warn("service call timed out",
			"domain", call.Domain, "service", call.Service, "limit", limit)
		return fmt.Errorf("%w: %s.%s after %s", ErrServiceTimeout, call.Domain, call.Service, limit)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs the handler, converting a panic into an error.
func (r *Registry) execute(ctx context.Context, svc *Service, call *Call) (err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("service handler panicked",
				"domain", call.Domain, "service", call.Service,
				"panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("service %s.%s panicked: %v", call.Domain, call.Service, rec)
		}
		result := "success"
		if err != nil {
			result = "error"
		}
		r.metrics.ServiceCall(call.Domain, call.Service, result, time.Since(start))
	}()

	return svc.Handler(core.WithEventContext(ctx, call.Context), call)
}

func (r *Registry) checkAdmin(ctx context.Context, userID string) error {
	if r.admins == nil {
		return fmt.Errorf("%w: no admin resolver", ErrUnauthorized)
	}
	admin, err := r.admins.IsAdmin(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !admin {
		return fmt.Errorf("%w: user %s is not an admin", ErrUnauthorized, userID)
	}
	return nil
}

func (r *Registry) fire(eventType string, data map[string]any, ctx core.Context) {
	if _, err := r.bus.Fire(eventType, data, core.WithContext(ctx)); err != nil {
		r.logger.Warn("failed to fire service event", "event_type", eventType, "error", err)
	}
}
