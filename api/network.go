package api

import "context"

// Request is the public interface of a network request issued by a
// page or one of its frames.
type Request interface {
	Failure() string
	Frame() Frame
	Headers() map[string]string
	IsNavigationRequest() bool
	Method() string
	PostData() string
	ResourceType() string
	Response(ctx context.Context) (Response, error)
	URL() string
}

// Response is the public interface of a network response.
type Response interface {
	Body(ctx context.Context) ([]byte, error)
	Headers() map[string]string
	OK() bool
	Request() Request
	Status() int
	StatusText() string
	URL() string
}

// Route is the public interface of an intercepted network request.
// Exactly one of Abort, Continue or Fulfill must be called per route.
type Route interface {
	Abort(ctx context.Context, errorCode string) error
	Continue(ctx context.Context, opts *RouteContinueOptions) error
	Fulfill(ctx context.Context, opts *RouteFulfillOptions) error
	Request() Request
}

// RouteHandler decides the disposition of an intercepted request.
type RouteHandler func(Route, Request)
