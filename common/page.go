package common

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/playwright-go/api"

	"github.com/mailru/easyjson"
)

// Ensure Page implements the api.Page interface.
var _ api.Page = &Page{}

type pageInitializer struct {
	MainFrame    *channelRef       `json:"mainFrame"`
	ViewportSize *api.ViewportSize `json:"viewportSize"`
}

// Page is the local proxy of a single browser tab. It tracks the
// page's frame tree and its network interception handlers, and fans
// out the page level events the driver reports.
type Page struct {
	channelOwner

	timeoutSettings *TimeoutSettings
	browserContext  *BrowserContext

	// ownedContext is set when the page was created through
	// Browser.NewPage, in which case closing the page closes the
	// context too.
	ownedContext *BrowserContext

	mainFrame *Frame

	framesMu sync.RWMutex
	frames   map[string]*Frame

	routesMu sync.Mutex
	routes   []*routeHandlerEntry

	workersMu sync.RWMutex
	workers   []*Worker

	closed int32
}

func newPage(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *Page {
	p := &Page{
		frames: make(map[string]*Frame),
	}
	p.initChannelOwner(p, parent, typ, guid, initializer)

	var parentTimeouts *TimeoutSettings
	if bctx, ok := parent.owner.(*BrowserContext); ok {
		p.browserContext = bctx
		parentTimeouts = bctx.timeoutSettings
	}
	p.timeoutSettings = NewTimeoutSettings(parentTimeouts)

	var init pageInitializer
	if err := unmarshalResult(initializer, &init); err != nil {
		p.conn.logger.Errorf("page", "parsing initializer: %v", err)
	}
	if init.MainFrame != nil {
		if obj, err := p.conn.lookupObject(init.MainFrame.GUID); err == nil {
			if f, ok := obj.(*Frame); ok {
				p.adoptFrame(f)
				p.mainFrame = f
			}
		} else {
			p.conn.logger.Errorf("page", "resolving main frame %q: %v", init.MainFrame.GUID, err)
		}
	}

	p.eventFn = p.onDriverEvent
	return p
}

func (p *Page) onDriverEvent(method string, params easyjson.RawMessage) {
	switch method {
	case "close":
		p.onClose()
	case "crash":
		p.emit(EventPageCrash, p.owner)
	case "console":
		p.emitResolved(EventPageConsole, params, "message")
	case "frameAttached":
		p.onFrameAttached(params)
	case "frameDetached":
		p.onFrameDetached(params)
	case "popup":
		p.emitResolved(EventPagePopup, params, "page")
	case "request":
		p.emitResolved(EventPageRequest, params, "request")
	case "requestFailed":
		p.onRequestFailed(params)
	case "requestFinished":
		p.emitResolved(EventPageRequestFinished, params, "request")
	case "response":
		p.emitResolved(EventPageResponse, params, "response")
	case "route":
		p.onRouteEvent(params)
	case "worker":
		p.onWorker(params)
	default:
		p.emit(method, params)
	}
}

// emitResolved resolves the guid reference under key in params to its
// registered object and emits that instead of the raw payload.
func (p *Page) emitResolved(event string, params easyjson.RawMessage, key string) {
	var refs map[string]*channelRef
	if err := unmarshalResult(params, &refs); err != nil {
		p.conn.logger.Errorf("page", "parsing %q event: %v", event, err)
		return
	}
	ref := refs[key]
	if ref == nil {
		p.conn.logger.Errorf("page", "%q event without %q reference", event, key)
		return
	}
	obj, err := p.conn.lookupObject(ref.GUID)
	if err != nil {
		p.conn.logger.Errorf("page", "resolving %q for %q event: %v", ref.GUID, event, err)
		return
	}
	p.emit(event, obj)
}

func (p *Page) onClose() {
	atomic.StoreInt32(&p.closed, 1)
	if p.browserContext != nil {
		p.browserContext.removePage(p)
	}
	p.emit(EventPageClose, p.owner)
}

func (p *Page) onFrameAttached(params easyjson.RawMessage) {
	var ev struct {
		Frame *channelRef `json:"frame"`
	}
	if err := unmarshalResult(params, &ev); err != nil || ev.Frame == nil {
		p.conn.logger.Errorf("page", "parsing frameAttached event: %v", err)
		return
	}
	obj, err := p.conn.lookupObject(ev.Frame.GUID)
	if err != nil {
		p.conn.logger.Errorf("page", "resolving frame %q: %v", ev.Frame.GUID, err)
		return
	}
	f, ok := obj.(*Frame)
	if !ok {
		return
	}
	p.adoptFrame(f)
	p.emit(EventPageFrameAttached, f)
}

func (p *Page) onFrameDetached(params easyjson.RawMessage) {
	var ev struct {
		Frame *channelRef `json:"frame"`
	}
	if err := unmarshalResult(params, &ev); err != nil || ev.Frame == nil {
		p.conn.logger.Errorf("page", "parsing frameDetached event: %v", err)
		return
	}
	p.framesMu.Lock()
	f := p.frames[ev.Frame.GUID]
	delete(p.frames, ev.Frame.GUID)
	p.framesMu.Unlock()
	if f == nil {
		return
	}
	f.markDetached()
	p.emit(EventPageFrameDetached, f)
}

func (p *Page) onRequestFailed(params easyjson.RawMessage) {
	var ev struct {
		Request     *channelRef `json:"request"`
		FailureText string      `json:"failureText"`
	}
	if err := unmarshalResult(params, &ev); err != nil || ev.Request == nil {
		p.conn.logger.Errorf("page", "parsing requestFailed event: %v", err)
		return
	}
	obj, err := p.conn.lookupObject(ev.Request.GUID)
	if err != nil {
		p.conn.logger.Errorf("page", "resolving request %q: %v", ev.Request.GUID, err)
		return
	}
	req, ok := obj.(*Request)
	if !ok {
		return
	}
	req.setFailure(ev.FailureText)
	p.emit(EventPageRequestFailed, req)
}

func (p *Page) onRouteEvent(params easyjson.RawMessage) {
	route, request, err := parseRouteEvent(p.conn, params)
	if err != nil {
		p.conn.logger.Errorf("page", "parsing route event: %v", err)
		return
	}
	// Handlers issue commands of their own, so they cannot run on the
	// dispatch goroutine.
	go p.handleRoute(route, request)
}

// handleRoute tries the page handlers first and falls back to the
// owning context's handlers, matching the registration hierarchy.
func (p *Page) handleRoute(route *Route, request *Request) {
	p.routesMu.Lock()
	var handler api.RouteHandler
	for _, entry := range p.routes {
		if entry.matcher.Matches(request.URL()) {
			handler = entry.handler
			break
		}
	}
	p.routesMu.Unlock()
	if handler != nil {
		handler(route, request)
		return
	}
	if p.browserContext != nil {
		p.browserContext.handleRoute(route, request)
		return
	}
	if err := route.Continue(p.ctx, nil); err != nil {
		p.conn.logger.Warnf("page", "continuing unrouted request %q: %v", request.URL(), err)
	}
}

func (p *Page) onWorker(params easyjson.RawMessage) {
	var ev struct {
		Worker *channelRef `json:"worker"`
	}
	if err := unmarshalResult(params, &ev); err != nil || ev.Worker == nil {
		p.conn.logger.Errorf("page", "parsing worker event: %v", err)
		return
	}
	obj, err := p.conn.lookupObject(ev.Worker.GUID)
	if err != nil {
		p.conn.logger.Errorf("page", "resolving worker %q: %v", ev.Worker.GUID, err)
		return
	}
	w, ok := obj.(*Worker)
	if !ok {
		return
	}
	w.page = p
	p.workersMu.Lock()
	p.workers = append(p.workers, w)
	p.workersMu.Unlock()
	p.emit(EventPageWorker, w)
}

func (p *Page) removeWorker(w *Worker) {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	for i, worker := range p.workers {
		if worker == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return
		}
	}
}

func (p *Page) adoptFrame(f *Frame) {
	f.page = p
	p.framesMu.Lock()
	defer p.framesMu.Unlock()
	p.frames[f.guid] = f
}

// Click finds an element by selector in the main frame and clicks it.
func (p *Page) Click(ctx context.Context, selector string, opts *api.ElementClickOptions) error {
	return p.mainFrame.Click(ctx, selector, opts)
}

// Close closes the page. If the page owns its context, the whole
// context is closed instead so the driver disposes both.
func (p *Page) Close(ctx context.Context) error {
	if p.ownedContext != nil {
		return p.ownedContext.Close(ctx)
	}
	if p.isDisposed() {
		return nil
	}
	if _, err := p.send(ctx, "close", nil); err != nil {
		return fmt.Errorf("closing page: %w", err)
	}
	return nil
}

// Content returns the full serialized HTML of the main frame.
func (p *Page) Content(ctx context.Context) (string, error) {
	return p.mainFrame.Content(ctx)
}

// Context returns the browser context the page belongs to.
func (p *Page) Context() api.BrowserContext {
	if p.browserContext == nil {
		return nil
	}
	return p.browserContext
}

// Evaluate runs an expression in the main frame and returns its
// JSON-serializable result.
func (p *Page) Evaluate(ctx context.Context, expression string, args ...any) (any, error) {
	return p.mainFrame.Evaluate(ctx, expression, args...)
}

// EvaluateHandle runs an expression in the main frame and returns a
// handle to its in-page result.
func (p *Page) EvaluateHandle(ctx context.Context, expression string, args ...any) (api.JSHandle, error) {
	return p.mainFrame.EvaluateHandle(ctx, expression, args...)
}

// Frames returns every frame currently attached to the page, main
// frame included.
func (p *Page) Frames() []api.Frame {
	p.framesMu.RLock()
	defer p.framesMu.RUnlock()
	frames := make([]api.Frame, 0, len(p.frames))
	for _, f := range p.frames {
		frames = append(frames, f)
	}
	return frames
}

// Goto navigates the main frame and returns the response of the last
// non-redirect request.
func (p *Page) Goto(ctx context.Context, url string, opts *api.FrameGotoOptions) (api.Response, error) {
	return p.mainFrame.Goto(ctx, url, opts)
}

// IsClosed reports whether the page has been closed.
func (p *Page) IsClosed() bool {
	return atomic.LoadInt32(&p.closed) == 1 || p.isDisposed()
}

// MainFrame returns the page's top frame.
func (p *Page) MainFrame() api.Frame {
	return p.mainFrame
}

// QuerySelector finds the first element matching selector in the main
// frame, or nil when none matches.
func (p *Page) QuerySelector(ctx context.Context, selector string) (api.ElementHandle, error) {
	return p.mainFrame.QuerySelector(ctx, selector)
}

// Reload reloads the current document.
func (p *Page) Reload(ctx context.Context, opts *api.FrameGotoOptions) (api.Response, error) {
	if err := p.checkDisposed(); err != nil {
		return nil, fmt.Errorf("reloading page: %w", err)
	}
	params := make(map[string]any)
	timeout := p.timeoutSettings.navigationTimeout()
	if opts != nil {
		if opts.WaitUntil != "" {
			params["waitUntil"] = opts.WaitUntil
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}
	result, err := p.sendTimeout(ctx, "reload", params, timeout)
	if err != nil {
		return nil, fmt.Errorf("reloading page: %w", err)
	}
	return responseFromResult(p.conn, result)
}

// Route registers a network interception handler for URLs matching the
// glob pattern. Page handlers take precedence over context handlers.
func (p *Page) Route(ctx context.Context, pattern string, handler api.RouteHandler) error {
	matcher, err := NewURLMatcher(pattern)
	if err != nil {
		return fmt.Errorf("routing %q: %w", pattern, err)
	}
	p.routesMu.Lock()
	p.routes = append(p.routes, &routeHandlerEntry{pattern: pattern, matcher: matcher, handler: handler})
	enable := len(p.routes) == 1
	p.routesMu.Unlock()
	if enable {
		if _, err := p.send(ctx, "setNetworkInterceptionEnabled", map[string]any{"enabled": true}); err != nil {
			return fmt.Errorf("routing %q: %w", pattern, err)
		}
	}
	return nil
}

// Screenshot captures the page and returns the image bytes.
func (p *Page) Screenshot(ctx context.Context, opts *api.PageScreenshotOptions) ([]byte, error) {
	if err := p.checkDisposed(); err != nil {
		return nil, fmt.Errorf("taking screenshot: %w", err)
	}
	params := make(map[string]any)
	timeout := p.timeoutSettings.timeout()
	if opts != nil {
		if opts.FullPage {
			params["fullPage"] = true
		}
		if opts.OmitBackground {
			params["omitBackground"] = true
		}
		if opts.Type != "" {
			params["type"] = opts.Type
		}
		if opts.Quality.Valid {
			params["quality"] = opts.Quality.Int64
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}
	result, err := p.sendTimeout(ctx, "screenshot", params, timeout)
	if err != nil {
		return nil, fmt.Errorf("taking screenshot: %w", err)
	}
	var res struct {
		Binary string `json:"binary"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("taking screenshot: %w", err)
	}
	buf, err := base64.StdEncoding.DecodeString(res.Binary)
	if err != nil {
		return nil, fmt.Errorf("taking screenshot: decoding image: %w", err)
	}
	return buf, nil
}

// SetDefaultNavigationTimeout changes the deadline of navigations on
// this page.
func (p *Page) SetDefaultNavigationTimeout(timeout time.Duration) {
	p.timeoutSettings.setDefaultNavigationTimeout(timeout)
}

// SetDefaultTimeout changes the deadline of operations on this page.
func (p *Page) SetDefaultTimeout(timeout time.Duration) {
	p.timeoutSettings.setDefaultTimeout(timeout)
}

// Title returns the main frame's document title.
func (p *Page) Title(ctx context.Context) (string, error) {
	return p.mainFrame.Title(ctx)
}

// Unroute removes handlers registered for pattern. A nil handler
// removes every handler registered under the pattern.
func (p *Page) Unroute(ctx context.Context, pattern string, handler api.RouteHandler) error {
	p.routesMu.Lock()
	remaining := p.routes[:0]
	for _, entry := range p.routes {
		if entry.pattern == pattern && (handler == nil || entry.sameHandler(handler)) {
			continue
		}
		remaining = append(remaining, entry)
	}
	p.routes = remaining
	disable := len(p.routes) == 0
	p.routesMu.Unlock()
	if disable {
		if _, err := p.send(ctx, "setNetworkInterceptionEnabled", map[string]any{"enabled": false}); err != nil {
			return fmt.Errorf("unrouting %q: %w", pattern, err)
		}
	}
	return nil
}

// URL returns the main frame's current URL.
func (p *Page) URL() string {
	return p.mainFrame.URL()
}

// WaitForEvent blocks until the first occurrence of event satisfying
// predicate, or fails with a timeout. A zero timeout falls back to the
// page's default.
func (p *Page) WaitForEvent(ctx context.Context, event string, predicate api.EventPredicate, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = p.timeoutSettings.timeout()
	}
	return waitForEvent(ctx, &p.channelOwner, []string{event}, predicate, timeout)
}

// WaitForNavigation blocks until the main frame commits a navigation
// matching opts.
func (p *Page) WaitForNavigation(ctx context.Context, opts *api.FrameWaitForNavigationOptions) (api.Response, error) {
	return p.mainFrame.WaitForNavigation(ctx, opts)
}
