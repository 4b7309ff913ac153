package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/grafana/playwright-go/api"

	"github.com/mailru/easyjson"
)

// Ensure BrowserContext implements the api.BrowserContext interface.
var _ api.BrowserContext = &BrowserContext{}

// routeHandlerEntry pairs a compiled URL pattern with the handler to
// run for requests it matches.
type routeHandlerEntry struct {
	pattern string
	matcher *URLMatcher
	handler api.RouteHandler
}

func (e *routeHandlerEntry) sameHandler(handler api.RouteHandler) bool {
	return reflect.ValueOf(e.handler).Pointer() == reflect.ValueOf(handler).Pointer()
}

// BrowserContext is the local proxy of an isolated browser session.
// Pages opened in it and routes registered on it are tracked here.
type BrowserContext struct {
	channelOwner

	timeoutSettings *TimeoutSettings
	browser         *Browser

	pagesMu sync.RWMutex
	pages   []*Page

	routesMu sync.Mutex
	routes   []*routeHandlerEntry
}

func newBrowserContext(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *BrowserContext {
	parentTimeouts := parent.conn.timeoutSettings
	if b, ok := parent.owner.(*Browser); ok {
		parentTimeouts = b.timeoutSettings
	}
	c := &BrowserContext{
		timeoutSettings: NewTimeoutSettings(parentTimeouts),
	}
	c.initChannelOwner(c, parent, typ, guid, initializer)
	c.eventFn = c.onDriverEvent
	return c
}

func (c *BrowserContext) onDriverEvent(method string, params easyjson.RawMessage) {
	switch method {
	case "page":
		c.onPage(params)
	case "route":
		c.onRouteEvent(params)
	case "close":
		c.onClose()
	default:
		c.emit(method, params)
	}
}

func (c *BrowserContext) onPage(params easyjson.RawMessage) {
	var ev struct {
		Page *channelRef `json:"page"`
	}
	if err := unmarshalResult(params, &ev); err != nil || ev.Page == nil {
		c.conn.logger.Errorf("browser_context", "parsing page event: %v", err)
		return
	}
	obj, err := c.conn.lookupObject(ev.Page.GUID)
	if err != nil {
		c.conn.logger.Errorf("browser_context", "resolving page %q: %v", ev.Page.GUID, err)
		return
	}
	p, ok := obj.(*Page)
	if !ok {
		return
	}
	c.addPage(p)
	c.emit(EventContextPage, p)
}

func (c *BrowserContext) onRouteEvent(params easyjson.RawMessage) {
	route, request, err := parseRouteEvent(c.conn, params)
	if err != nil {
		c.conn.logger.Errorf("browser_context", "parsing route event: %v", err)
		return
	}
	// Handlers issue commands of their own, so they cannot run on the
	// dispatch goroutine.
	go c.handleRoute(route, request)
}

// handleRoute runs the first matching context handler, or releases the
// request to the network when none matches.
func (c *BrowserContext) handleRoute(route *Route, request *Request) {
	if handler := c.findRouteHandler(request.URL()); handler != nil {
		handler(route, request)
		return
	}
	if err := route.Continue(c.ctx, nil); err != nil {
		c.conn.logger.Warnf("browser_context", "continuing unrouted request %q: %v", request.URL(), err)
	}
}

func (c *BrowserContext) findRouteHandler(url string) api.RouteHandler {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()
	for _, entry := range c.routes {
		if entry.matcher.Matches(url) {
			return entry.handler
		}
	}
	return nil
}

func (c *BrowserContext) onClose() {
	if c.browser != nil {
		c.browser.removeContext(c)
	}
	c.emit(EventContextClose, c.owner)
}

func (c *BrowserContext) addPage(p *Page) {
	p.browserContext = c
	c.pagesMu.Lock()
	defer c.pagesMu.Unlock()
	c.pages = append(c.pages, p)
}

func (c *BrowserContext) removePage(p *Page) {
	c.pagesMu.Lock()
	defer c.pagesMu.Unlock()
	for i, page := range c.pages {
		if page == p {
			c.pages = append(c.pages[:i], c.pages[i+1:]...)
			return
		}
	}
}

// Browser returns the browser this context belongs to.
func (c *BrowserContext) Browser() api.Browser {
	if c.browser == nil {
		return nil
	}
	return c.browser
}

// Close shuts the context and all its pages down.
func (c *BrowserContext) Close(ctx context.Context) error {
	if c.isDisposed() {
		return nil
	}
	if _, err := c.send(ctx, "close", nil); err != nil {
		return fmt.Errorf("closing context: %w", err)
	}
	return nil
}

// NewPage opens a new page in this context.
func (c *BrowserContext) NewPage(ctx context.Context) (api.Page, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	result, err := c.send(ctx, "newPage", nil)
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	var res struct {
		Page *channelRef `json:"page"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	if res.Page == nil {
		return nil, fmt.Errorf("creating page: driver returned no page")
	}
	obj, err := c.conn.lookupObject(res.Page.GUID)
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	p, ok := obj.(*Page)
	if !ok {
		return nil, fmt.Errorf("creating page: %q is not a page", res.Page.GUID)
	}
	c.addPage(p)
	return p, nil
}

// Pages returns the pages currently open in this context.
func (c *BrowserContext) Pages() []api.Page {
	c.pagesMu.RLock()
	defer c.pagesMu.RUnlock()
	pages := make([]api.Page, len(c.pages))
	for i, p := range c.pages {
		pages[i] = p
	}
	return pages
}

// Route registers a network interception handler for URLs matching the
// glob pattern. Handlers registered first win.
func (c *BrowserContext) Route(ctx context.Context, pattern string, handler api.RouteHandler) error {
	matcher, err := NewURLMatcher(pattern)
	if err != nil {
		return fmt.Errorf("routing %q: %w", pattern, err)
	}
	c.routesMu.Lock()
	c.routes = append(c.routes, &routeHandlerEntry{pattern: pattern, matcher: matcher, handler: handler})
	enable := len(c.routes) == 1
	c.routesMu.Unlock()
	if enable {
		if _, err := c.send(ctx, "setNetworkInterceptionEnabled", map[string]any{"enabled": true}); err != nil {
			return fmt.Errorf("routing %q: %w", pattern, err)
		}
	}
	return nil
}

// Unroute removes handlers registered for pattern. A nil handler
// removes every handler registered under the pattern.
func (c *BrowserContext) Unroute(ctx context.Context, pattern string, handler api.RouteHandler) error {
	c.routesMu.Lock()
	remaining := c.routes[:0]
	for _, entry := range c.routes {
		if entry.pattern == pattern && (handler == nil || entry.sameHandler(handler)) {
			continue
		}
		remaining = append(remaining, entry)
	}
	c.routes = remaining
	disable := len(c.routes) == 0
	c.routesMu.Unlock()
	if disable {
		if _, err := c.send(ctx, "setNetworkInterceptionEnabled", map[string]any{"enabled": false}); err != nil {
			return fmt.Errorf("unrouting %q: %w", pattern, err)
		}
	}
	return nil
}

// SetDefaultNavigationTimeout changes the navigation deadline for
// pages of this context that don't set their own.
func (c *BrowserContext) SetDefaultNavigationTimeout(timeout time.Duration) {
	c.timeoutSettings.setDefaultNavigationTimeout(timeout)
}

// SetDefaultTimeout changes the operation deadline for pages of this
// context that don't set their own.
func (c *BrowserContext) SetDefaultTimeout(timeout time.Duration) {
	c.timeoutSettings.setDefaultTimeout(timeout)
}

// WaitForEvent blocks until the first occurrence of event satisfying
// predicate, or fails with a timeout. A zero timeout falls back to the
// context's default.
func (c *BrowserContext) WaitForEvent(ctx context.Context, event string, predicate api.EventPredicate, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = c.timeoutSettings.timeout()
	}
	return waitForEvent(ctx, &c.channelOwner, []string{event}, predicate, timeout)
}
