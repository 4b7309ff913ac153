package api

import "context"

// JSHandle is the public interface of a reference to a JavaScript
// object living inside a frame's execution context.
type JSHandle interface {
	Dispose(ctx context.Context) error
	Evaluate(ctx context.Context, expression string, args ...any) (any, error)
	GetProperty(ctx context.Context, name string) (JSHandle, error)
	JSONValue(ctx context.Context) (any, error)
}

// ElementHandle is the public interface of a reference to a DOM
// element. It extends JSHandle with element specific operations.
type ElementHandle interface {
	JSHandle

	Click(ctx context.Context, opts *ElementClickOptions) error
	GetAttribute(ctx context.Context, name string) (string, error)
	QuerySelector(ctx context.Context, selector string) (ElementHandle, error)
	TextContent(ctx context.Context) (string, error)
}
