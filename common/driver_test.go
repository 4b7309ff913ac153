package common

import (
	"sync"
	"testing"
	"time"

	"github.com/mailru/easyjson/jlexer"
	"github.com/stretchr/testify/require"
)

// commandHandler produces the result payload for one command. It may
// deliver __create__ events through the transport before returning, the
// way the real driver announces objects ahead of the response that
// references them.
type commandHandler func(t *fakeTransport, msg *message) any

// fakeDriver answers every command the connection sends, using the
// handler registered for the method or an empty result. It records the
// methods it saw.
type fakeDriver struct {
	transport *fakeTransport

	mu       sync.Mutex
	handlers map[string]commandHandler
	methods  []string
}

func startFakeDriver(t *testing.T, transport *fakeTransport) *fakeDriver {
	t.Helper()
	d := &fakeDriver{
		transport: transport,
		handlers:  make(map[string]commandHandler),
	}
	go d.loop(t)
	return d
}

func (d *fakeDriver) handle(method string, handler commandHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = handler
}

func (d *fakeDriver) seenMethods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	methods := make([]string, len(d.methods))
	copy(methods, d.methods)
	return methods
}

func (d *fakeDriver) loop(t *testing.T) {
	for {
		var frame []byte
		select {
		case frame = <-d.transport.out:
		case <-d.transport.done:
			return
		}

		var msg message
		l := jlexer.Lexer{Data: frame}
		msg.UnmarshalEasyJSON(&l)
		if l.Error() != nil || msg.ID == 0 {
			continue
		}

		d.mu.Lock()
		d.methods = append(d.methods, msg.Method)
		handler := d.handlers[msg.Method]
		d.mu.Unlock()

		var result any = map[string]any{}
		if handler != nil {
			result = handler(d.transport, &msg)
		}
		d.transport.deliver(t, map[string]any{"id": msg.ID, "result": result})
	}
}

// sawMethod reports whether the driver has answered method at least
// once.
func (d *fakeDriver) sawMethod(method string) bool {
	for _, m := range d.seenMethods() {
		if m == method {
			return true
		}
	}
	return false
}

// requireSawMethod waits for the driver to have answered method.
func (d *fakeDriver) requireSawMethod(t *testing.T, method string) {
	t.Helper()
	require.Eventually(t, func() bool { return d.sawMethod(method) },
		time.Second, time.Millisecond, "driver never saw %q", method)
}

// handlerCount reads how many handlers an emitter has registered for
// event, synchronized through the emitter's own loop.
func handlerCount(e *BaseEventEmitter, event string) int {
	var n int
	e.sync(func() { n = len(e.handlers[event]) })
	return n
}

// deliverPageTree announces the usual context, main frame and page
// objects, then returns their typed proxies.
func deliverPageTree(t *testing.T, conn *Connection, transport *fakeTransport) (*BrowserContext, *Page, *Frame) {
	t.Helper()
	transport.deliverCreate(t, "", "context", "context@1", map[string]any{})
	transport.deliverCreate(t, "context@1", "frame", "frame@1", map[string]any{
		"url":  "about:blank",
		"name": "",
	})
	transport.deliverCreate(t, "context@1", "page", "page@1", map[string]any{
		"mainFrame": map[string]string{"guid": "frame@1"},
	})
	waitForObject(t, conn, "page@1")

	obj, err := conn.lookupObject("context@1")
	require.NoError(t, err)
	bctx, ok := obj.(*BrowserContext)
	require.True(t, ok)

	obj, err = conn.lookupObject("page@1")
	require.NoError(t, err)
	page, ok := obj.(*Page)
	require.True(t, ok)
	require.NotNil(t, page.mainFrame)

	return bctx, page, page.mainFrame
}
