package common

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/grafana/playwright-go/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"
)

// deliverRouteEvent announces an intercepted request on the given
// target guid.
func deliverRouteEvent(t *testing.T, transport *fakeTransport, targetGUID, url string, n int) {
	t.Helper()
	requestGUID := "request@" + string(rune('0'+n))
	routeGUID := "route@" + string(rune('0'+n))
	transport.deliverCreate(t, "", "request", requestGUID, map[string]any{
		"url": url, "method": "GET",
	})
	transport.deliverCreate(t, "", "route", routeGUID, map[string]any{
		"request": map[string]string{"guid": requestGUID},
	})
	transport.deliver(t, map[string]any{
		"guid":   targetGUID,
		"method": "route",
		"params": map[string]any{
			"route":   map[string]string{"guid": routeGUID},
			"request": map[string]string{"guid": requestGUID},
		},
	})
}

func TestPageRouteFulfills(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)
	_, page, _ := deliverPageTree(t, conn, transport)
	driver := startFakeDriver(t, transport)

	handled := make(chan string, 1)
	err := page.Route(context.Background(), "**/*.css", func(route api.Route, request api.Request) {
		handled <- request.URL()
		require.NoError(t, route.Fulfill(context.Background(), &api.RouteFulfillOptions{
			BodyString:  "body {}",
			ContentType: null.StringFrom("text/css"),
		}))
	})
	require.NoError(t, err)
	driver.requireSawMethod(t, "setNetworkInterceptionEnabled")

	deliverRouteEvent(t, transport, "page@1", "https://example.com/site.css", 1)

	select {
	case url := <-handled:
		assert.Equal(t, "https://example.com/site.css", url)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for route handler")
	}
	driver.requireSawMethod(t, "fulfill")
}

func TestPageRoutePrecedesContextRoute(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)
	bctx, page, _ := deliverPageTree(t, conn, transport)
	driver := startFakeDriver(t, transport)

	handledBy := make(chan string, 2)
	err := bctx.Route(context.Background(), "**/*", func(route api.Route, _ api.Request) {
		handledBy <- "context"
		_ = route.Continue(context.Background(), nil)
	})
	require.NoError(t, err)
	err = page.Route(context.Background(), "**/*", func(route api.Route, _ api.Request) {
		handledBy <- "page"
		_ = route.Continue(context.Background(), nil)
	})
	require.NoError(t, err)

	deliverRouteEvent(t, transport, "page@1", "https://example.com/", 1)
	select {
	case by := <-handledBy:
		assert.Equal(t, "page", by)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for route handler")
	}

	// With the page handler gone, interception falls through to the
	// context handler.
	require.NoError(t, page.Unroute(context.Background(), "**/*", nil))
	deliverRouteEvent(t, transport, "page@1", "https://example.com/", 2)
	select {
	case by := <-handledBy:
		assert.Equal(t, "context", by)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for route handler")
	}
	driver.requireSawMethod(t, "continue")
}

func TestPageUnmatchedRouteContinues(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)
	_, page, _ := deliverPageTree(t, conn, transport)
	driver := startFakeDriver(t, transport)

	require.NoError(t, page.Route(context.Background(), "**/*.css", func(route api.Route, _ api.Request) {
		t.Error("handler must not run for non-matching URL")
		_ = route.Continue(context.Background(), nil)
	}))

	deliverRouteEvent(t, transport, "page@1", "https://example.com/app.js", 1)
	driver.requireSawMethod(t, "continue")
}

func TestPageCloseEvent(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)
	bctx, page, _ := deliverPageTree(t, conn, transport)

	bctx.addPage(page)
	require.Len(t, bctx.Pages(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	closed := make(chan Event, 1)
	page.on(ctx, []string{EventPageClose}, closed)

	transport.deliver(t, map[string]any{"guid": "page@1", "method": "close"})

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close event")
	}
	assert.True(t, page.IsClosed())
	assert.Empty(t, bctx.Pages())
}

func TestPageConsoleEvent(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)
	_, page, _ := deliverPageTree(t, conn, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	console := make(chan Event, 1)
	page.on(ctx, []string{EventPageConsole}, console)

	transport.deliverCreate(t, "page@1", "consoleMessage", "consoleMessage@1", map[string]any{
		"type": "warning",
		"text": "mixed content",
	})
	transport.deliver(t, map[string]any{
		"guid":   "page@1",
		"method": "console",
		"params": map[string]any{"message": map[string]string{"guid": "consoleMessage@1"}},
	})

	select {
	case ev := <-console:
		msg, ok := ev.data.(*ConsoleMessage)
		require.True(t, ok)
		assert.Equal(t, "warning", msg.Type())
		assert.Equal(t, "mixed content", msg.Text())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for console event")
	}
}

func TestPageRequestLifecycleEvents(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)
	_, page, _ := deliverPageTree(t, conn, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Event, 4)
	page.on(ctx, []string{EventPageRequest, EventPageResponse, EventPageRequestFailed}, events)

	transport.deliverCreate(t, "", "request", "request@1", map[string]any{
		"url": "https://example.com/a", "method": "GET",
	})
	transport.deliver(t, map[string]any{
		"guid":   "page@1",
		"method": "request",
		"params": map[string]any{"request": map[string]string{"guid": "request@1"}},
	})
	transport.deliver(t, map[string]any{
		"guid":   "page@1",
		"method": "requestFailed",
		"params": map[string]any{
			"request":     map[string]string{"guid": "request@1"},
			"failureText": "net::ERR_ABORTED",
		},
	})

	ev := recvEvent(t, events)
	assert.Equal(t, EventPageRequest, ev.typ)
	req, ok := ev.data.(*Request)
	require.True(t, ok)

	ev = recvEvent(t, events)
	assert.Equal(t, EventPageRequestFailed, ev.typ)
	assert.Same(t, req, ev.data)
	assert.Equal(t, "net::ERR_ABORTED", req.Failure())
}

func TestPageScreenshot(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)
	_, page, _ := deliverPageTree(t, conn, transport)

	image := []byte{0x89, 'P', 'N', 'G'}
	driver := startFakeDriver(t, transport)
	driver.handle("screenshot", func(_ *fakeTransport, msg *message) any {
		var params struct {
			FullPage bool   `json:"fullPage"`
			Type     string `json:"type"`
		}
		require.NoError(t, unmarshalResult(msg.Params, &params))
		require.True(t, params.FullPage)
		require.Equal(t, "png", params.Type)
		return map[string]any{"binary": base64.StdEncoding.EncodeToString(image)}
	})

	buf, err := page.Screenshot(context.Background(), &api.PageScreenshotOptions{
		FullPage: true,
		Type:     "png",
	})
	require.NoError(t, err)
	assert.Equal(t, image, buf)
}

func TestPageWorkerEvents(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)
	_, page, _ := deliverPageTree(t, conn, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workers := make(chan Event, 1)
	page.on(ctx, []string{EventPageWorker}, workers)

	transport.deliverCreate(t, "page@1", "worker", "worker@1", map[string]any{
		"url": "https://example.com/worker.js",
	})
	transport.deliver(t, map[string]any{
		"guid":   "page@1",
		"method": "worker",
		"params": map[string]any{"worker": map[string]string{"guid": "worker@1"}},
	})

	ev := recvEvent(t, workers)
	w, ok := ev.data.(*Worker)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/worker.js", w.URL())

	transport.deliver(t, map[string]any{"guid": "worker@1", "method": "close"})
	require.Eventually(t, func() bool {
		page.workersMu.RLock()
		defer page.workersMu.RUnlock()
		return len(page.workers) == 0
	}, time.Second, time.Millisecond)
}

func TestPageOperationUsesConnectionDefaultTimeout(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)
	conn.SetDefaultTimeout(30 * time.Millisecond)
	_, page, _ := deliverPageTree(t, conn, transport)

	// No reply ever comes. The deadline must chain up to the
	// connection's default instead of the 30 second fallback.
	start := time.Now()
	_, err := page.Goto(context.Background(), "https://example.com/", nil)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}
