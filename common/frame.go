package common

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/playwright-go/api"

	"github.com/mailru/easyjson"
)

// Ensure Frame implements the api.Frame interface.
var _ api.Frame = &Frame{}

type frameInitializer struct {
	URL         string      `json:"url"`
	Name        string      `json:"name"`
	ParentFrame *channelRef `json:"parentFrame"`
	LoadStates  []string    `json:"loadStates"`
}

// DocumentInfo describes the new document of a committed navigation.
// Request is nil for same-document navigations.
type DocumentInfo struct {
	request *Request
}

// NavigationEvent is the payload of frame navigation events. A failed
// navigation carries its error; newDocument is set only when the
// navigation replaced the frame's document.
type NavigationEvent struct {
	url         string
	name        string
	newDocument *DocumentInfo
	err         error
}

// URL returns the URL the frame navigated to.
func (e *NavigationEvent) URL() string { return e.url }

// Err returns the navigation failure, if any.
func (e *NavigationEvent) Err() error { return e.err }

// Frame is the local proxy of one execution frame of a page. The main
// frame has no parent; child frames form a tree that is pruned as the
// driver reports detachments.
type Frame struct {
	channelOwner

	page        *Page
	parentFrame *Frame

	detached int32

	propertiesMu sync.RWMutex
	url          string
	name         string
	loadStates   map[string]struct{}

	childFramesMu sync.RWMutex
	childFrames   []*Frame
}

func newFrame(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *Frame {
	f := &Frame{
		loadStates: make(map[string]struct{}),
	}
	f.initChannelOwner(f, parent, typ, guid, initializer)

	var init frameInitializer
	if err := unmarshalResult(initializer, &init); err != nil {
		f.conn.logger.Errorf("frame", "parsing initializer: %v", err)
	}
	f.url = init.URL
	f.name = init.Name
	for _, state := range init.LoadStates {
		f.loadStates[state] = struct{}{}
	}
	if init.ParentFrame != nil {
		if obj, err := f.conn.lookupObject(init.ParentFrame.GUID); err == nil {
			if pf, ok := obj.(*Frame); ok {
				f.parentFrame = pf
				pf.addChildFrame(f)
			}
		} else {
			f.conn.logger.Errorf("frame", "resolving parent frame %q: %v", init.ParentFrame.GUID, err)
		}
	}

	f.eventFn = f.onDriverEvent
	return f
}

func (f *Frame) onDriverEvent(method string, params easyjson.RawMessage) {
	switch method {
	case "navigated":
		f.onNavigated(params)
	case "loadstate":
		f.onLoadState(params)
	default:
		f.emit(method, params)
	}
}

func (f *Frame) onNavigated(params easyjson.RawMessage) {
	var ev struct {
		URL         string `json:"url"`
		Name        string `json:"name"`
		NewDocument *struct {
			Request *channelRef `json:"request"`
		} `json:"newDocument"`
		Error string `json:"error"`
	}
	if err := unmarshalResult(params, &ev); err != nil {
		f.conn.logger.Errorf("frame", "parsing navigated event: %v", err)
		return
	}

	f.propertiesMu.Lock()
	f.url = ev.URL
	f.name = ev.Name
	f.propertiesMu.Unlock()

	nav := &NavigationEvent{url: ev.URL, name: ev.Name}
	if ev.Error != "" {
		nav.err = &DriverError{Message: ev.Error, Name: "NavigationError"}
	}
	if ev.NewDocument != nil {
		doc := &DocumentInfo{}
		if ev.NewDocument.Request != nil {
			if obj, err := f.conn.lookupObject(ev.NewDocument.Request.GUID); err == nil {
				doc.request, _ = obj.(*Request)
			}
		}
		nav.newDocument = doc
	}

	f.emit(EventFrameNavigation, nav)
	if nav.err == nil && f.page != nil {
		f.page.emit(EventPageFrameNavigated, f)
	}
}

func (f *Frame) onLoadState(params easyjson.RawMessage) {
	var ev struct {
		Add    string `json:"add"`
		Remove string `json:"remove"`
	}
	if err := unmarshalResult(params, &ev); err != nil {
		f.conn.logger.Errorf("frame", "parsing loadstate event: %v", err)
		return
	}
	f.propertiesMu.Lock()
	if ev.Add != "" {
		f.loadStates[ev.Add] = struct{}{}
	}
	if ev.Remove != "" {
		delete(f.loadStates, ev.Remove)
	}
	f.propertiesMu.Unlock()
	if ev.Add != "" {
		f.emit(EventFrameAddLifecycle, ev.Add)
	}
}

func (f *Frame) addChildFrame(child *Frame) {
	f.childFramesMu.Lock()
	defer f.childFramesMu.Unlock()
	f.childFrames = append(f.childFrames, child)
}

func (f *Frame) removeChildFrame(child *Frame) {
	f.childFramesMu.Lock()
	defer f.childFramesMu.Unlock()
	for i, cf := range f.childFrames {
		if cf == child {
			f.childFrames = append(f.childFrames[:i], f.childFrames[i+1:]...)
			return
		}
	}
}

// markDetached severs the frame from the tree. Detached frames reject
// all further operations.
func (f *Frame) markDetached() {
	atomic.StoreInt32(&f.detached, 1)
	if f.parentFrame != nil {
		f.parentFrame.removeChildFrame(f)
	}
}

func (f *Frame) checkDetached() error {
	if f.IsDetached() {
		return fmt.Errorf("frame %q: %w", f.guid, ErrFrameDetached)
	}
	return f.checkDisposed()
}

func (f *Frame) navigationTimeout() time.Duration {
	if f.page != nil {
		return f.page.timeoutSettings.navigationTimeout()
	}
	return DefaultTimeout
}

func (f *Frame) operationTimeout() time.Duration {
	if f.page != nil {
		return f.page.timeoutSettings.timeout()
	}
	return DefaultTimeout
}

// ChildFrames returns the frame's direct children.
func (f *Frame) ChildFrames() []api.Frame {
	f.childFramesMu.RLock()
	defer f.childFramesMu.RUnlock()
	frames := make([]api.Frame, len(f.childFrames))
	for i, cf := range f.childFrames {
		frames[i] = cf
	}
	return frames
}

// Click finds an element by selector and clicks it.
func (f *Frame) Click(ctx context.Context, selector string, opts *api.ElementClickOptions) error {
	if err := f.checkDetached(); err != nil {
		return fmt.Errorf("clicking %q: %w", selector, err)
	}
	params := map[string]any{"selector": selector}
	timeout := f.operationTimeout()
	if opts != nil {
		applyClickOptions(params, opts)
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}
	if _, err := f.sendTimeout(ctx, "click", params, timeout); err != nil {
		return fmt.Errorf("clicking %q: %w", selector, err)
	}
	return nil
}

// Content returns the full serialized HTML of the frame.
func (f *Frame) Content(ctx context.Context) (string, error) {
	if err := f.checkDetached(); err != nil {
		return "", fmt.Errorf("getting content: %w", err)
	}
	result, err := f.send(ctx, "content", nil)
	if err != nil {
		return "", fmt.Errorf("getting content: %w", err)
	}
	var res struct {
		Value string `json:"value"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return "", fmt.Errorf("getting content: %w", err)
	}
	return res.Value, nil
}

// Evaluate runs an expression in the frame's execution context and
// returns its JSON-serializable result.
func (f *Frame) Evaluate(ctx context.Context, expression string, args ...any) (any, error) {
	if err := f.checkDetached(); err != nil {
		return nil, fmt.Errorf("evaluating: %w", err)
	}
	result, err := f.send(ctx, "evaluateExpression", evaluateParams(expression, args))
	if err != nil {
		return nil, fmt.Errorf("evaluating: %w", err)
	}
	var res struct {
		Value any `json:"value"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("evaluating: %w", err)
	}
	return res.Value, nil
}

// EvaluateHandle runs an expression in the frame's execution context
// and returns a handle to the in-page result.
func (f *Frame) EvaluateHandle(ctx context.Context, expression string, args ...any) (api.JSHandle, error) {
	if err := f.checkDetached(); err != nil {
		return nil, fmt.Errorf("evaluating: %w", err)
	}
	result, err := f.send(ctx, "evaluateExpressionHandle", evaluateParams(expression, args))
	if err != nil {
		return nil, fmt.Errorf("evaluating: %w", err)
	}
	var res struct {
		Handle *channelRef `json:"handle"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("evaluating: %w", err)
	}
	if res.Handle == nil {
		return nil, fmt.Errorf("evaluating: driver returned no handle")
	}
	obj, err := f.conn.lookupObject(res.Handle.GUID)
	if err != nil {
		return nil, fmt.Errorf("evaluating: %w", err)
	}
	switch h := obj.(type) {
	case *ElementHandle:
		return h, nil
	case *JSHandle:
		return h, nil
	default:
		return nil, fmt.Errorf("evaluating: %q is not a handle", res.Handle.GUID)
	}
}

// Goto navigates the frame and returns the response of the last
// non-redirect request. A same-document navigation returns nil.
func (f *Frame) Goto(ctx context.Context, url string, opts *api.FrameGotoOptions) (api.Response, error) {
	if err := f.checkDetached(); err != nil {
		return nil, fmt.Errorf("goto %q: %w", url, err)
	}
	params := map[string]any{"url": url}
	timeout := f.navigationTimeout()
	if opts != nil {
		if opts.Referer != "" {
			params["referer"] = opts.Referer
		}
		if opts.WaitUntil != "" {
			params["waitUntil"] = opts.WaitUntil
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}
	result, err := f.sendTimeout(ctx, "goto", params, timeout)
	if err != nil {
		return nil, fmt.Errorf("goto %q: %w", url, err)
	}
	return responseFromResult(f.conn, result)
}

// IsDetached reports whether the frame was detached from the page.
func (f *Frame) IsDetached() bool {
	return atomic.LoadInt32(&f.detached) == 1
}

// Name returns the frame's name attribute.
func (f *Frame) Name() string {
	f.propertiesMu.RLock()
	defer f.propertiesMu.RUnlock()
	return f.name
}

// Page returns the page the frame belongs to.
func (f *Frame) Page() api.Page {
	if f.page == nil {
		return nil
	}
	return f.page
}

// ParentFrame returns the parent frame, or nil for the main frame.
func (f *Frame) ParentFrame() api.Frame {
	if f.parentFrame == nil {
		return nil
	}
	return f.parentFrame
}

// QuerySelector finds the first element matching selector, or nil when
// none matches.
func (f *Frame) QuerySelector(ctx context.Context, selector string) (api.ElementHandle, error) {
	if err := f.checkDetached(); err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	result, err := f.send(ctx, "querySelector", map[string]any{"selector": selector})
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	var res struct {
		Element *channelRef `json:"element"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	if res.Element == nil {
		return nil, nil
	}
	obj, err := f.conn.lookupObject(res.Element.GUID)
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	eh, ok := obj.(*ElementHandle)
	if !ok {
		return nil, fmt.Errorf("querying %q: %q is not an element handle", selector, res.Element.GUID)
	}
	return eh, nil
}

// Title returns the frame's document title.
func (f *Frame) Title(ctx context.Context) (string, error) {
	if err := f.checkDetached(); err != nil {
		return "", fmt.Errorf("getting title: %w", err)
	}
	result, err := f.send(ctx, "title", nil)
	if err != nil {
		return "", fmt.Errorf("getting title: %w", err)
	}
	var res struct {
		Value string `json:"value"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return "", fmt.Errorf("getting title: %w", err)
	}
	return res.Value, nil
}

// URL returns the frame's current URL.
func (f *Frame) URL() string {
	f.propertiesMu.RLock()
	defer f.propertiesMu.RUnlock()
	return f.url
}

// WaitForNavigation blocks until the frame commits a navigation
// matching opts, then resolves its response. Registering the waiter
// happens before this returns, so a navigation triggered right after
// cannot be missed.
func (f *Frame) WaitForNavigation(ctx context.Context, opts *api.FrameWaitForNavigationOptions) (api.Response, error) {
	if err := f.checkDetached(); err != nil {
		return nil, fmt.Errorf("waiting for navigation: %w", err)
	}
	timeout := f.navigationTimeout()
	var matcher *URLMatcher
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.URL != "" {
			var err error
			matcher, err = NewURLMatcher(opts.URL)
			if err != nil {
				return nil, fmt.Errorf("waiting for navigation: %w", err)
			}
		}
	}

	predicate := func(data any) bool {
		ev, ok := data.(*NavigationEvent)
		if !ok {
			return false
		}
		return matcher == nil || matcher.Matches(ev.url)
	}
	data, err := waitForEvent(ctx, &f.channelOwner, []string{EventFrameNavigation}, predicate, timeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for navigation: %w", err)
	}
	nav := data.(*NavigationEvent)
	if nav.err != nil {
		return nil, fmt.Errorf("waiting for navigation: %w", nav.err)
	}
	if nav.newDocument == nil || nav.newDocument.request == nil {
		return nil, nil
	}
	return nav.newDocument.request.Response(ctx)
}

func evaluateParams(expression string, args []any) map[string]any {
	params := map[string]any{"expression": expression}
	if len(args) > 0 {
		params["args"] = args
	}
	return params
}

func applyClickOptions(params map[string]any, opts *api.ElementClickOptions) {
	if opts.Button != "" {
		params["button"] = opts.Button
	}
	if opts.ClickCount > 0 {
		params["clickCount"] = opts.ClickCount
	}
	if opts.Delay > 0 {
		params["delay"] = opts.Delay
	}
	if opts.Force {
		params["force"] = true
	}
}
