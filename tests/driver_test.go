package tests

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/grafana/playwright-go/common"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// driverCommand is one command as the driver sees it on the wire.
type driverCommand struct {
	ID     int64          `json:"id"`
	GUID   string         `json:"guid"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// commandHandler produces the result for one command. Handlers may
// announce objects or emit events through the driver before returning,
// the way the real driver interleaves its output.
type commandHandler func(d *fakeDriver, cmd *driverCommand) (any, error)

// fakeDriver speaks the driver's side of the wire protocol over an
// in-process pipe pair. Commands are answered from a handler table;
// unhandled methods get an empty result.
type fakeDriver struct {
	t         *testing.T
	transport common.Transport

	group *errgroup.Group

	mu       sync.Mutex
	handlers map[string]commandHandler
	methods  []string
}

// startFakeDriver wires a fake driver to a fresh pipe pair and returns
// the client half of the pair.
func startFakeDriver(t *testing.T) (common.Transport, *fakeDriver) {
	t.Helper()

	clientR, driverW := io.Pipe()
	driverR, clientW := io.Pipe()
	clientTransport := common.NewPipeTransport(clientR, clientW)
	driverTransport := common.NewPipeTransport(driverR, driverW)

	d := &fakeDriver{
		t:         t,
		transport: driverTransport,
		group:     &errgroup.Group{},
		handlers:  make(map[string]commandHandler),
	}
	d.group.Go(d.loop)

	t.Cleanup(func() {
		_ = clientTransport.Close()
		_ = driverTransport.Close()
		require.NoError(t, d.group.Wait())
	})
	return clientTransport, d
}

func (d *fakeDriver) handle(method string, handler commandHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = handler
}

func (d *fakeDriver) loop() error {
	for {
		frame, err := d.transport.Recv()
		if err != nil {
			if errors.Is(err, common.ErrTransportClosed) {
				return nil
			}
			return err
		}

		var cmd driverCommand
		if err := json.Unmarshal(frame, &cmd); err != nil {
			return fmt.Errorf("driver: decoding command: %w", err)
		}
		if cmd.ID == 0 {
			continue
		}

		d.mu.Lock()
		d.methods = append(d.methods, cmd.Method)
		handler := d.handlers[cmd.Method]
		d.mu.Unlock()

		var result any = map[string]any{}
		if handler != nil {
			var herr error
			result, herr = handler(d, &cmd)
			if herr != nil {
				d.send(map[string]any{
					"id": cmd.ID,
					"error": map[string]any{
						"message": herr.Error(),
						"name":    "Error",
						"stack":   "Error: " + herr.Error() + "\n    at fakeDriver",
					},
				})
				continue
			}
		}
		d.send(map[string]any{"id": cmd.ID, "result": result})
	}
}

func (d *fakeDriver) send(v any) {
	frame, err := json.Marshal(v)
	require.NoError(d.t, err)
	// Best effort: the client may already have hung up during test
	// teardown.
	if err := d.transport.Send(frame); err != nil {
		d.t.Logf("driver: dropping frame after close: %v", err)
	}
}

// createObject announces a remote object as a child of parentGUID.
func (d *fakeDriver) createObject(parentGUID, typ, guid string, initializer any) {
	d.send(map[string]any{
		"guid":   parentGUID,
		"method": "__create__",
		"params": map[string]any{
			"type":        typ,
			"guid":        guid,
			"initializer": initializer,
		},
	})
}

// disposeObject tears a remote object (and, client side, its subtree)
// down.
func (d *fakeDriver) disposeObject(guid string) {
	d.send(map[string]any{"guid": guid, "method": "__dispose__"})
}

// emitEvent sends an unsolicited event on the given object.
func (d *fakeDriver) emitEvent(guid, method string, params any) {
	d.send(map[string]any{"guid": guid, "method": method, "params": params})
}

// announceSession performs the driver's side of the handshake: the
// browser type objects first, then the entry object referencing them.
func (d *fakeDriver) announceSession() {
	d.createObject("", "browserType", "browser-type@chromium", map[string]any{
		"name":           "chromium",
		"executablePath": "/opt/chromium/chrome",
	})
	d.createObject("", "playwright", "Playwright", map[string]any{
		"chromium": map[string]string{"guid": "browser-type@chromium"},
	})
}

// handleLaunch installs the usual launch handler announcing browser@1.
func (d *fakeDriver) handleLaunch() {
	d.handle("launch", func(d *fakeDriver, _ *driverCommand) (any, error) {
		d.createObject("browser-type@chromium", "browser", "browser@1", map[string]any{
			"version": "113.0.5672.53",
		})
		return map[string]any{"browser": map[string]string{"guid": "browser@1"}}, nil
	})
}

// handlePageCreation installs newContext and newPage handlers building
// the context@1 / frame@1 / page@1 tree.
func (d *fakeDriver) handlePageCreation() {
	d.handle("newContext", func(d *fakeDriver, _ *driverCommand) (any, error) {
		d.createObject("browser@1", "context", "context@1", map[string]any{})
		return map[string]any{"context": map[string]string{"guid": "context@1"}}, nil
	})
	d.handle("newPage", func(d *fakeDriver, _ *driverCommand) (any, error) {
		d.createObject("context@1", "frame", "frame@1", map[string]any{
			"url":  "about:blank",
			"name": "",
		})
		d.createObject("context@1", "page", "page@1", map[string]any{
			"mainFrame": map[string]string{"guid": "frame@1"},
		})
		return map[string]any{"page": map[string]string{"guid": "page@1"}}, nil
	})
}

func (d *fakeDriver) seenMethods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	methods := make([]string, len(d.methods))
	copy(methods, d.methods)
	return methods
}

func (d *fakeDriver) sawMethod(method string) bool {
	for _, m := range d.seenMethods() {
		if m == method {
			return true
		}
	}
	return false
}

func (d *fakeDriver) requireSawMethod(method string) {
	d.t.Helper()
	require.Eventually(d.t, func() bool { return d.sawMethod(method) },
		time.Second, time.Millisecond, "driver never saw %q", method)
}
