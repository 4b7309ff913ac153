package api

import (
	"context"
	"time"
)

// Page is the public interface of a single browser tab.
type Page interface {
	Click(ctx context.Context, selector string, opts *ElementClickOptions) error
	Close(ctx context.Context) error
	Content(ctx context.Context) (string, error)
	Context() BrowserContext
	Evaluate(ctx context.Context, expression string, args ...any) (any, error)
	EvaluateHandle(ctx context.Context, expression string, args ...any) (JSHandle, error)
	Frames() []Frame
	Goto(ctx context.Context, url string, opts *FrameGotoOptions) (Response, error)
	IsClosed() bool
	MainFrame() Frame
	QuerySelector(ctx context.Context, selector string) (ElementHandle, error)
	Reload(ctx context.Context, opts *FrameGotoOptions) (Response, error)
	Route(ctx context.Context, pattern string, handler RouteHandler) error
	Screenshot(ctx context.Context, opts *PageScreenshotOptions) ([]byte, error)
	SetDefaultNavigationTimeout(timeout time.Duration)
	SetDefaultTimeout(timeout time.Duration)
	Title(ctx context.Context) (string, error)
	Unroute(ctx context.Context, pattern string, handler RouteHandler) error
	URL() string
	WaitForEvent(ctx context.Context, event string, predicate EventPredicate, timeout time.Duration) (any, error)
	WaitForNavigation(ctx context.Context, opts *FrameWaitForNavigationOptions) (Response, error)
}
