package api

import "context"

// Frame is the public interface of an in-page execution frame. Every
// frame except the page's main frame has exactly one parent frame.
type Frame interface {
	ChildFrames() []Frame
	Click(ctx context.Context, selector string, opts *ElementClickOptions) error
	Evaluate(ctx context.Context, expression string, args ...any) (any, error)
	Goto(ctx context.Context, url string, opts *FrameGotoOptions) (Response, error)
	IsDetached() bool
	Name() string
	Page() Page
	ParentFrame() Frame
	QuerySelector(ctx context.Context, selector string) (ElementHandle, error)
	URL() string
	WaitForNavigation(ctx context.Context, opts *FrameWaitForNavigationOptions) (Response, error)
}
