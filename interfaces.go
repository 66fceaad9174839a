package musubi

import (
	"context"
	"net/http"
)

// CompletionHook receives a notification for every trace that completes
// correlation. Hooks run on the job worker goroutine after the trace row is
// finalized; a returned error is logged and does not fail the trace. Slow
// hooks delay completion notifications for subsequent traces on the same
// worker, so hand off to a channel if delivery involves I/O you don't want
// on the hot path.
type CompletionHook interface {
	OnTraceCompleted(ctx context.Context, c Completion) error
}

// CompletionHookFunc adapts a function to the CompletionHook interface.
type CompletionHookFunc func(ctx context.Context, c Completion) error

// OnTraceCompleted implements CompletionHook.
func (f CompletionHookFunc) OnTraceCompleted(ctx context.Context, c Completion) error {
	return f(ctx, c)
}

// AuthHelper hands route registrars the server's own authentication
// machinery so embedded routes enforce the same bearer-token scopes as the
// built-in API.
type AuthHelper interface {
	// RequireScope wraps a handler so it rejects requests whose token lacks
	// the scope: 401 without a valid token, 403 without the scope.
	RequireScope(scope string) func(http.Handler) http.Handler
}

// RouteRegistrar adds routes to the server's mux before it starts serving.
// Built-in routes are registered first, so the mux's most-specific-wins rule
// keeps them authoritative on path conflicts.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// Middleware wraps the fully assembled HTTP handler. Middlewares run
// outside the built-in chain, so they see every request before request-id
// assignment and after the response is written.
type Middleware func(http.Handler) http.Handler
