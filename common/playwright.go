package common

import (
	"context"
	"fmt"
	"time"

	"github.com/grafana/playwright-go/log"

	"github.com/mailru/easyjson"
)

// playwrightGUID is the well-known guid of the entry object the driver
// creates right after the handshake.
const playwrightGUID = "Playwright"

// ConnectOptions configure a driver session. The zero value is usable:
// logs are discarded and the default timeout applies.
type ConnectOptions struct {
	Logger         *log.Logger
	DefaultTimeout time.Duration
}

// Connect establishes a client session over the given transport and
// returns the driver's entry object. The transport must already be
// connected to a running driver; launching and supervising the driver
// process is the caller's concern.
func Connect(ctx context.Context, transport Transport, opts *ConnectOptions) (*Playwright, error) {
	if opts == nil {
		opts = &ConnectOptions{}
	}
	conn := NewConnection(ctx, transport, opts.Logger)
	if opts.DefaultTimeout > 0 {
		conn.SetDefaultTimeout(opts.DefaultTimeout)
	}

	obj, err := conn.WaitForObjectWithKnownName(ctx, playwrightGUID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to driver: %w", err)
	}
	pw, ok := obj.(*Playwright)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("connecting to driver: object %q has unexpected type %T", playwrightGUID, obj)
	}
	return pw, nil
}

// createObjectFactory instantiates the typed proxy for a remote object
// the driver announced with __create__. Unknown types get a generic
// passive proxy so protocol evolution doesn't break the registry.
func (c *Connection) createObjectFactory(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) any {
	switch typ {
	case "playwright":
		return newPlaywright(parent, typ, guid, initializer)
	case "browserType":
		return newBrowserType(parent, typ, guid, initializer)
	case "browser":
		return newBrowser(parent, typ, guid, initializer)
	case "context":
		return newBrowserContext(parent, typ, guid, initializer)
	case "page":
		return newPage(parent, typ, guid, initializer)
	case "frame":
		return newFrame(parent, typ, guid, initializer)
	case "elementHandle":
		return newElementHandle(parent, typ, guid, initializer)
	case "jsHandle":
		return newJSHandle(parent, typ, guid, initializer)
	case "request":
		return newRequest(parent, typ, guid, initializer)
	case "response":
		return newResponse(parent, typ, guid, initializer)
	case "route":
		return newRoute(parent, typ, guid, initializer)
	case "consoleMessage":
		return newConsoleMessage(parent, typ, guid, initializer)
	case "worker":
		return newWorker(parent, typ, guid, initializer)
	default:
		c.logger.Debugf("connection", "no typed proxy for %q, creating a generic object for %q", typ, guid)
		return newDummyObject(parent, typ, guid, initializer)
	}
}

type playwrightInitializer struct {
	Chromium *channelRef `json:"chromium"`
	Firefox  *channelRef `json:"firefox"`
	WebKit   *channelRef `json:"webkit"`
}

// Playwright is the entry object of a driver session. It anchors the
// browser types the driver was built with.
type Playwright struct {
	channelOwner

	Chromium *BrowserType
	Firefox  *BrowserType
	WebKit   *BrowserType
}

func newPlaywright(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *Playwright {
	p := &Playwright{}
	p.initChannelOwner(p, parent, typ, guid, initializer)

	var init playwrightInitializer
	if err := unmarshalResult(initializer, &init); err != nil {
		p.conn.logger.Errorf("playwright", "parsing initializer: %v", err)
	}
	p.Chromium = p.browserTypeFromRef(init.Chromium)
	p.Firefox = p.browserTypeFromRef(init.Firefox)
	p.WebKit = p.browserTypeFromRef(init.WebKit)

	return p
}

// Connection exposes the underlying connection, mainly so callers can
// observe the close event and shut the session down.
func (p *Playwright) Connection() *Connection {
	return p.conn
}

func (p *Playwright) browserTypeFromRef(ref *channelRef) *BrowserType {
	if ref == nil {
		return nil
	}
	obj, err := p.conn.lookupObject(ref.GUID)
	if err != nil {
		p.conn.logger.Errorf("playwright", "resolving browser type %q: %v", ref.GUID, err)
		return nil
	}
	bt, _ := obj.(*BrowserType)
	return bt
}

type browserTypeInitializer struct {
	Name           string `json:"name"`
	ExecutablePath string `json:"executablePath"`
}

// BrowserType represents one of the browser engines the driver can
// drive (chromium, firefox or webkit).
type BrowserType struct {
	channelOwner

	name           string
	executablePath string
}

func newBrowserType(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *BrowserType {
	bt := &BrowserType{}
	bt.initChannelOwner(bt, parent, typ, guid, initializer)

	var init browserTypeInitializer
	if err := unmarshalResult(initializer, &init); err != nil {
		bt.conn.logger.Errorf("browser_type", "parsing initializer: %v", err)
	}
	bt.name = init.Name
	bt.executablePath = init.ExecutablePath

	return bt
}

// Name returns the engine name, e.g. "chromium".
func (bt *BrowserType) Name() string { return bt.name }

// ExecutablePath returns the browser binary the driver will launch.
func (bt *BrowserType) ExecutablePath() string { return bt.executablePath }

// Launch asks the driver to start a browser instance. The launch
// parameters are passed through to the driver unmodified.
func (bt *BrowserType) Launch(ctx context.Context, options map[string]any) (*Browser, error) {
	result, err := bt.send(ctx, "launch", options)
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", bt.name, err)
	}
	var res struct {
		Browser *channelRef `json:"browser"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("launching %s: %w", bt.name, err)
	}
	if res.Browser == nil {
		return nil, fmt.Errorf("launching %s: driver returned no browser", bt.name)
	}
	obj, err := bt.conn.lookupObject(res.Browser.GUID)
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", bt.name, err)
	}
	b, ok := obj.(*Browser)
	if !ok {
		return nil, fmt.Errorf("launching %s: %q is not a browser", bt.name, res.Browser.GUID)
	}
	return b, nil
}

// dummyObject keeps unknown remote object types in the registry so
// ownership and disposal still work for them.
type dummyObject struct {
	channelOwner
}

func newDummyObject(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *dummyObject {
	d := &dummyObject{}
	d.initChannelOwner(d, parent, typ, guid, initializer)
	return d
}
