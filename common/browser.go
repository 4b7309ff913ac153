package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/grafana/playwright-go/api"

	"github.com/mailru/easyjson"
	"gopkg.in/guregu/null.v3"
)

// Ensure Browser implements the api.Browser interface.
var _ api.Browser = &Browser{}

type browserInitializer struct {
	Version string `json:"version"`
}

// Browser is the local proxy of a running browser instance. Browser
// contexts created through it are tracked so Contexts stays consistent
// with the driver's view.
type Browser struct {
	channelOwner

	timeoutSettings *TimeoutSettings

	contextsMu sync.RWMutex
	contexts   []*BrowserContext

	version string
}

func newBrowser(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *Browser {
	b := &Browser{
		timeoutSettings: NewTimeoutSettings(parent.conn.timeoutSettings),
	}
	b.closeFn = b.onConnectionClose
	b.initChannelOwner(b, parent, typ, guid, initializer)

	var init browserInitializer
	if err := unmarshalResult(initializer, &init); err != nil {
		b.conn.logger.Errorf("browser", "parsing initializer: %v", err)
	}
	b.version = init.Version

	b.eventFn = b.onDriverEvent

	return b
}

// onConnectionClose surfaces a dead connection as a browser
// disconnect, which is how callers observe it. The connection calls it
// synchronously on its close path, so the notification is delivered
// before the emitters shut down.
func (b *Browser) onConnectionClose(error) {
	b.emit(EventBrowserDisconnected, b.owner)
}

func (b *Browser) onDriverEvent(method string, params easyjson.RawMessage) {
	switch method {
	case "close":
		b.emit(EventBrowserDisconnected, b.owner)
	default:
		b.emit(method, params)
	}
}

// Close shuts the browser instance down. All its contexts and pages
// are disposed by the driver as a consequence.
func (b *Browser) Close(ctx context.Context) error {
	if b.isDisposed() {
		return nil
	}
	if _, err := b.send(ctx, "close", nil); err != nil {
		return fmt.Errorf("closing browser: %w", err)
	}
	return nil
}

// Contexts returns the browser contexts created through this client.
func (b *Browser) Contexts() []api.BrowserContext {
	b.contextsMu.RLock()
	defer b.contextsMu.RUnlock()
	contexts := make([]api.BrowserContext, len(b.contexts))
	for i, c := range b.contexts {
		contexts[i] = c
	}
	return contexts
}

// IsConnected reports whether the transport to the driver is still up
// and the browser has not been disposed.
func (b *Browser) IsConnected() bool {
	return !b.conn.IsClosed() && !b.isDisposed()
}

// NewContext creates an isolated browser context.
func (b *Browser) NewContext(ctx context.Context, opts *api.BrowserNewContextOptions) (api.BrowserContext, error) {
	if err := b.checkDisposed(); err != nil {
		return nil, fmt.Errorf("creating context: %w", err)
	}
	result, err := b.send(ctx, "newContext", newContextParams(opts))
	if err != nil {
		return nil, fmt.Errorf("creating context: %w", err)
	}
	var res struct {
		Context *channelRef `json:"context"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("creating context: %w", err)
	}
	if res.Context == nil {
		return nil, fmt.Errorf("creating context: driver returned no context")
	}
	obj, err := b.conn.lookupObject(res.Context.GUID)
	if err != nil {
		return nil, fmt.Errorf("creating context: %w", err)
	}
	bctx, ok := obj.(*BrowserContext)
	if !ok {
		return nil, fmt.Errorf("creating context: %q is not a browser context", res.Context.GUID)
	}
	bctx.browser = b
	b.contextsMu.Lock()
	b.contexts = append(b.contexts, bctx)
	b.contextsMu.Unlock()
	return bctx, nil
}

// NewPage creates a page in a fresh browser context. Closing the page
// closes the context as well.
func (b *Browser) NewPage(ctx context.Context, opts *api.BrowserNewContextOptions) (api.Page, error) {
	bctx, err := b.NewContext(ctx, opts)
	if err != nil {
		return nil, err
	}
	page, err := bctx.NewPage(ctx)
	if err != nil {
		if cerr := bctx.Close(ctx); cerr != nil {
			b.conn.logger.Warnf("browser", "closing context after failed page creation: %v", cerr)
		}
		return nil, err
	}
	if p, ok := page.(*Page); ok {
		p.ownedContext = bctx.(*BrowserContext)
	}
	return page, nil
}

// On runs handler for every occurrence of the named event until ctx is
// cancelled.
func (b *Browser) On(ctx context.Context, event string, handler func(data any)) {
	ch := make(chan Event)
	b.on(ctx, []string{event}, ch)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.ctx.Done():
				return
			case ev := <-ch:
				handler(ev.data)
			}
		}
	}()
}

// Version returns the browser's version string as reported by the
// driver.
func (b *Browser) Version() string {
	return b.version
}

func (b *Browser) removeContext(bctx *BrowserContext) {
	b.contextsMu.Lock()
	defer b.contextsMu.Unlock()
	for i, c := range b.contexts {
		if c == bctx {
			b.contexts = append(b.contexts[:i], b.contexts[i+1:]...)
			return
		}
	}
}

func newContextParams(opts *api.BrowserNewContextOptions) map[string]any {
	params := make(map[string]any)
	if opts == nil {
		return params
	}
	setBool := func(key string, v bool) {
		if v {
			params[key] = v
		}
	}
	setNullString := func(key string, v null.String) {
		if v.Valid {
			params[key] = v.String
		}
	}
	setBool("acceptDownloads", opts.AcceptDownloads)
	setBool("bypassCSP", opts.BypassCSP)
	setBool("ignoreHTTPSErrors", opts.IgnoreHTTPSErrors)
	setBool("offline", opts.Offline)
	if opts.JavaScriptEnabled.Valid {
		params["javaScriptEnabled"] = opts.JavaScriptEnabled.Bool
	}
	setNullString("locale", opts.Locale)
	setNullString("timezoneId", opts.TimezoneID)
	setNullString("userAgent", opts.UserAgent)
	if opts.Viewport != nil {
		params["viewport"] = map[string]any{
			"width":  opts.Viewport.Width,
			"height": opts.Viewport.Height,
		}
	}
	if len(opts.ExtraHTTPHeaders) > 0 {
		params["extraHTTPHeaders"] = headerList(opts.ExtraHTTPHeaders)
	}
	return params
}
