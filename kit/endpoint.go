// Package kit holds the transport-neutral plumbing shared by the HTTP and MCP
// surfaces: request-scoped context values and the Endpoint/Middleware chain
// that audit wraps around pipeline operations.
package kit

import "context"

// Endpoint is a transport-agnostic operation: typed request in, response out.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so that the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
