// Package backend adapts text generation services to the roles that use them.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/triad/internal/fault"
)

// Backend turns a system prompt and a payload into raw response text. The
// caller parses and validates the text.
type Backend interface {
	Generate(ctx context.Context, model, system, payload string) (string, error)
}

// Func lets a plain function act as a Backend.
type Func func(ctx context.Context, model, system, payload string) (string, error)

func (f Func) Generate(ctx context.Context, model, system, payload string) (string, error) {
	return f(ctx, model, system, payload)
}

type roleKey struct{}

// WithRole tags ctx with the role a generation is made for.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFrom returns the role ctx was tagged with, if any.
func RoleFrom(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}

// Router sends each call to the backend configured for the caller's role.
type Router struct {
	backends map[string]Backend
	roles    map[string]string
	fallback string
}

// NewRouter builds a router over named backends. Roles without an explicit
// choice use fallback.
func NewRouter(fallback string, backends map[string]Backend) *Router {
	return &Router{backends: backends, roles: map[string]string{}, fallback: fallback}
}

// Assign routes role to the named backend.
func (r *Router) Assign(role, name string) {
	r.roles[role] = name
}

func (r *Router) For(role string) (Backend, error) {
	name := r.fallback
	if n, ok := r.roles[role]; ok && n != "" {
		name = n
	}
	b, ok := r.backends[name]
	if !ok {
		return nil, fault.New(fault.ErrConfig, "backend", "no backend %q for role %q", name, role)
	}
	return b, nil
}

func (r *Router) Generate(ctx context.Context, model, system, payload string) (string, error) {
	b, err := r.For(RoleFrom(ctx))
	if err != nil {
		return "", err
	}
	return b.Generate(ctx, model, system, payload)
}

type timeoutBackend struct {
	next    Backend
	timeout time.Duration
}

// WithTimeout bounds every call to next. An expired call fails with
// fault.ErrTimeout.
func WithTimeout(next Backend, d time.Duration) Backend {
	if d <= 0 {
		return next
	}
	return &timeoutBackend{next: next, timeout: d}
}

func (t *timeoutBackend) Generate(ctx context.Context, model, system, payload string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.next.Generate(callCtx, model, system, payload)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", fault.New(fault.ErrTimeout, "backend", "%s call exceeded %s: %v", RoleFrom(ctx), t.timeout, err).
			With("role", RoleFrom(ctx)).
			With("timeout_seconds", t.timeout.Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	return out, nil
}
