package api

import "context"

// Browser is the public interface of a driver-side browser instance.
type Browser interface {
	Close(ctx context.Context) error
	Contexts() []BrowserContext
	IsConnected() bool
	NewContext(ctx context.Context, opts *BrowserNewContextOptions) (BrowserContext, error)
	NewPage(ctx context.Context, opts *BrowserNewContextOptions) (Page, error)
	On(ctx context.Context, event string, handler func(data any))
	Version() string
}
