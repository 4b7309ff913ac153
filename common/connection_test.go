package common

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/mailru/easyjson/jlexer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport for driving a Connection
// from the test's goroutine: frames the connection sends appear on
// out, frames pushed to in appear to the connection as driver output.
type fakeTransport struct {
	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 64),
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (t *fakeTransport) Send(msg []byte) error {
	frame := make([]byte, len(msg))
	copy(frame, msg)
	select {
	case t.out <- frame:
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

func (t *fakeTransport) Recv() ([]byte, error) {
	select {
	case frame := <-t.in:
		return frame, nil
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// deliver pushes one driver message to the connection.
func (t *fakeTransport) deliver(tb testing.TB, v any) {
	tb.Helper()
	frame, err := json.Marshal(v)
	require.NoError(tb, err)
	select {
	case t.in <- frame:
	case <-time.After(time.Second):
		tb.Fatal("timed out delivering frame")
	}
}

// deliverCreate announces a new remote object under parentGUID.
func (t *fakeTransport) deliverCreate(tb testing.TB, parentGUID, typ, guid string, initializer any) {
	tb.Helper()
	t.deliver(tb, map[string]any{
		"guid":   parentGUID,
		"method": methodCreate,
		"params": map[string]any{
			"type":        typ,
			"guid":        guid,
			"initializer": initializer,
		},
	})
}

// deliverDispose tears a remote object down.
func (t *fakeTransport) deliverDispose(tb testing.TB, guid string) {
	tb.Helper()
	t.deliver(tb, map[string]any{"guid": guid, "method": methodDispose})
}

// nextSent returns the next command the connection wrote.
func (t *fakeTransport) nextSent(tb testing.TB) *message {
	tb.Helper()
	select {
	case frame := <-t.out:
		var msg message
		l := jlexer.Lexer{Data: frame}
		msg.UnmarshalEasyJSON(&l)
		require.NoError(tb, l.Error())
		return &msg
	case <-time.After(time.Second):
		tb.Fatal("timed out waiting for a sent command")
		return nil
	}
}

func newTestConnection(t *testing.T) (*Connection, *fakeTransport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	transport := newFakeTransport()
	conn := NewConnection(ctx, transport, nil)
	t.Cleanup(func() {
		conn.Close()
		cancel()
	})
	return conn, transport
}

// waitForObject blocks until the connection has registered guid, which
// happens asynchronously on the dispatch loop.
func waitForObject(t *testing.T, conn *Connection, guid string) *channelOwner {
	t.Helper()
	var owner *channelOwner
	require.Eventually(t, func() bool {
		conn.objectsMu.RLock()
		defer conn.objectsMu.RUnlock()
		owner = conn.objects[guid]
		return owner != nil
	}, time.Second, time.Millisecond)
	return owner
}

func TestConnectionSendReceivesResult(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)

	type sendResult struct {
		result []byte
		err    error
	}
	resultCh := make(chan sendResult, 1)
	go func() {
		result, err := conn.send(context.Background(), nil, "initialize", nil, time.Second)
		resultCh <- sendResult{result, err}
	}()

	sent := transport.nextSent(t)
	assert.Equal(t, "initialize", sent.Method)
	assert.Equal(t, "", sent.GUID)
	require.NotZero(t, sent.ID)

	transport.deliver(t, map[string]any{"id": sent.ID, "result": map[string]any{"ok": true}})

	r := <-resultCh
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"ok":true}`, string(r.result))
}

func TestConnectionCorrelationOutOfOrder(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)

	// Two concurrent commands; the driver replies in reverse order.
	// Each caller must still observe its own result.
	results := make(map[string]string)
	var resultsMu sync.Mutex
	var wg sync.WaitGroup
	for _, method := range []string{"first", "second"} {
		method := method
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := conn.send(context.Background(), nil, method, nil, time.Second)
			require.NoError(t, err)
			var res struct {
				Value string `json:"value"`
			}
			require.NoError(t, unmarshalResult(result, &res))
			resultsMu.Lock()
			results[method] = res.Value
			resultsMu.Unlock()
		}()
	}

	sent := []*message{transport.nextSent(t), transport.nextSent(t)}
	require.NotEqual(t, sent[0].ID, sent[1].ID, "correlation ids must be unique")

	for i := len(sent) - 1; i >= 0; i-- {
		transport.deliver(t, map[string]any{
			"id":     sent[i].ID,
			"result": map[string]any{"value": "for " + sent[i].Method},
		})
	}
	wg.Wait()

	assert.Equal(t, "for first", results["first"])
	assert.Equal(t, "for second", results["second"])
}

func TestConnectionUnknownResponseIgnored(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)

	// A reply with a correlation id nobody is waiting on is dropped.
	// The connection keeps serving afterwards.
	transport.deliver(t, map[string]any{"id": 9999, "result": map[string]any{}})

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.send(context.Background(), nil, "ping", nil, time.Second)
		errCh <- err
	}()
	sent := transport.nextSent(t)
	transport.deliver(t, map[string]any{"id": sent.ID, "result": map[string]any{}})
	require.NoError(t, <-errCh)
}

func TestConnectionMalformedFrameIgnored(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)

	// Malformed payloads are a protocol error worth logging, not worth
	// dying for.
	select {
	case transport.in <- []byte(`{"id":"not a number"`):
	case <-time.After(time.Second):
		t.Fatal("timed out delivering frame")
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.send(context.Background(), nil, "ping", nil, time.Second)
		errCh <- err
	}()
	sent := transport.nextSent(t)
	transport.deliver(t, map[string]any{"id": sent.ID, "result": map[string]any{}})
	require.NoError(t, <-errCh)
}

func TestConnectionDriverError(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.send(context.Background(), nil, "goto", nil, time.Second)
		errCh <- err
	}()

	sent := transport.nextSent(t)
	transport.deliver(t, map[string]any{
		"id": sent.ID,
		"error": map[string]any{
			"message": "net::ERR_NAME_NOT_RESOLVED",
			"name":    "Error",
			"stack":   "Error: net::ERR_NAME_NOT_RESOLVED\n    at navigate",
		},
	})

	err := <-errCh
	require.Error(t, err)
	var driverErr *DriverError
	require.ErrorAs(t, err, &driverErr)
	assert.Equal(t, "net::ERR_NAME_NOT_RESOLVED", driverErr.Message)
	assert.Equal(t, "Error: net::ERR_NAME_NOT_RESOLVED\n    at navigate", driverErr.Stack)
}

func TestConnectionSendTimeout(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.send(context.Background(), nil, "slow", nil, 20*time.Millisecond)
		errCh <- err
	}()
	sent := transport.nextSent(t)

	err := <-errCh
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.True(t, TimeoutError(err))

	// The late reply must be discarded without disturbing anything.
	transport.deliver(t, map[string]any{"id": sent.ID, "result": map[string]any{}})
	go func() {
		_, err := conn.send(context.Background(), nil, "ping", nil, time.Second)
		errCh <- err
	}()
	sent = transport.nextSent(t)
	transport.deliver(t, map[string]any{"id": sent.ID, "result": map[string]any{}})
	require.NoError(t, <-errCh)
}

func TestConnectionCloseFailsPending(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.send(context.Background(), nil, "goto", nil, time.Minute)
		errCh <- err
	}()
	transport.nextSent(t)

	conn.Close()
	assert.ErrorIs(t, <-errCh, ErrConnectionClosed)
}

func TestConnectionSendAfterClose(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConnection(t)
	conn.Close()

	_, err := conn.send(context.Background(), nil, "ping", nil, time.Second)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.True(t, conn.IsClosed())
}

func TestConnectionTransportFailureClosesConnection(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)

	require.NoError(t, transport.Close())
	require.Eventually(t, conn.IsClosed, time.Second, time.Millisecond)

	_, err := conn.send(context.Background(), nil, "ping", nil, time.Second)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectionCreatesRemoteObjects(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)

	transport.deliverCreate(t, "", "fixture", "fixture@1", map[string]any{})
	transport.deliverCreate(t, "fixture@1", "fixture", "fixture@2", map[string]any{})

	child := waitForObject(t, conn, "fixture@2")
	assert.Equal(t, "fixture@1", child.parentGUID)

	obj, err := conn.lookupObject("fixture@1")
	require.NoError(t, err)
	assert.IsType(t, &dummyObject{}, obj)

	_, err = conn.lookupObject("fixture@404")
	assert.ErrorIs(t, err, ErrUnknownObject)
}

func TestConnectionDisposeIsTransitive(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)

	transport.deliverCreate(t, "", "fixture", "parent@1", map[string]any{})
	transport.deliverCreate(t, "parent@1", "fixture", "child@1", map[string]any{})
	transport.deliverCreate(t, "child@1", "fixture", "grandchild@1", map[string]any{})
	child := waitForObject(t, conn, "child@1")
	waitForObject(t, conn, "grandchild@1")

	// An operation in flight on a descendant of the disposed object
	// must fail, not hang.
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.send(context.Background(), child, "op", nil, time.Minute)
		errCh <- err
	}()
	transport.nextSent(t)

	transport.deliverDispose(t, "parent@1")
	assert.ErrorIs(t, <-errCh, ErrObjectDisposed)

	// The whole subtree is gone from the registry.
	for _, guid := range []string{"parent@1", "child@1", "grandchild@1"} {
		guid := guid
		require.Eventually(t, func() bool {
			_, err := conn.lookupObject(guid)
			return err != nil
		}, time.Second, time.Millisecond, "object %q still registered", guid)
	}

	// New operations on the disposed object are rejected up front.
	_, err := conn.send(context.Background(), child, "op", nil, time.Second)
	assert.ErrorIs(t, err, ErrObjectDisposed)
}

func TestConnectionWaitForObjectWithKnownName(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)

	objCh := make(chan any, 1)
	go func() {
		obj, err := conn.WaitForObjectWithKnownName(context.Background(), "fixture@1")
		require.NoError(t, err)
		objCh <- obj
	}()

	transport.deliverCreate(t, "", "fixture", "fixture@1", map[string]any{})
	select {
	case obj := <-objCh:
		assert.IsType(t, &dummyObject{}, obj)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for known object")
	}

	// Already registered objects resolve immediately.
	obj, err := conn.WaitForObjectWithKnownName(context.Background(), "fixture@1")
	require.NoError(t, err)
	assert.IsType(t, &dummyObject{}, obj)
}

func TestConnectionCloseEmitsCloseEvent(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConnection(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan Event, 1)
	conn.on(ctx, []string{EventConnectionClose}, ch)

	conn.Close()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close event")
	}
}

func TestConnectionDuplicateResponseDiscarded(t *testing.T) {
	t.Parallel()

	conn, transport := newTestConnection(t)

	resultCh := make(chan []byte, 1)
	go func() {
		result, err := conn.send(context.Background(), nil, "initialize", nil, time.Second)
		require.NoError(t, err)
		resultCh <- result
	}()

	sent := transport.nextSent(t)
	transport.deliver(t, map[string]any{"id": sent.ID, "result": map[string]any{"value": "first"}})
	transport.deliver(t, map[string]any{"id": sent.ID, "result": map[string]any{"value": "second"}})

	// The first resolution stands; the duplicate is dropped.
	assert.JSONEq(t, `{"value":"first"}`, string(<-resultCh))

	// The connection keeps serving fresh commands afterwards.
	doneCh := make(chan struct{})
	go func() {
		_, err := conn.send(context.Background(), nil, "ping", nil, time.Second)
		require.NoError(t, err)
		close(doneCh)
	}()
	sent = transport.nextSent(t)
	assert.Equal(t, "ping", sent.Method)
	transport.deliver(t, map[string]any{"id": sent.ID, "result": map[string]any{}})
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the follow-up command")
	}
}
