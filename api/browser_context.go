package api

import (
	"context"
	"time"
)

// BrowserContext is the public interface of an isolated browser session.
type BrowserContext interface {
	Browser() Browser
	Close(ctx context.Context) error
	NewPage(ctx context.Context) (Page, error)
	Pages() []Page
	Route(ctx context.Context, pattern string, handler RouteHandler) error
	SetDefaultNavigationTimeout(timeout time.Duration)
	SetDefaultTimeout(timeout time.Duration)
	Unroute(ctx context.Context, pattern string, handler RouteHandler) error
	WaitForEvent(ctx context.Context, event string, predicate EventPredicate, timeout time.Duration) (any, error)
}
