package common

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/playwright-go/log"

	json "github.com/json-iterator/go"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/pkg/errors"
)

// Ensure Connection implements the EventEmitter interface.
var _ EventEmitter = &Connection{}

// callbackResult is the terminal outcome of a pending operation.
type callbackResult struct {
	result easyjson.RawMessage
	err    error
}

// protocolCallback is a pending operation: one command sent to the
// driver, awaiting exactly one correlated response. The once gate makes
// resolution one-shot, so a late reply arriving after a timeout (or a
// duplicate reply) is discarded instead of resolving twice.
type protocolCallback struct {
	id       int64
	guid     string
	method   string
	once     sync.Once
	resultCh chan callbackResult // capacity 1, never blocks resolve
}

func (cb *protocolCallback) resolve(result easyjson.RawMessage, err error) (first bool) {
	cb.once.Do(func() {
		cb.resultCh <- callbackResult{result: result, err: err}
		first = true
	})
	return first
}

/*
Connection multiplexes commands, responses and events over a single
Transport to the driver process.

It is the one authority for correlating commands to responses: every
command gets a fresh monotonic id, and responses are matched purely by
that id, independent of arrival order. Unsolicited events are routed to
the registered object named by their guid. The registry of remote
objects lives here too, arena style: objects are indexed by guid and
reference their children by guid, never by pointer, so the ownership
tree cannot form reference cycles.

recvLoop is the only reader of the Transport; it never blocks on
anything but the next incoming frame. All registry mutations happen
either on that loop or behind the registry mutex.
*/
type Connection struct {
	BaseEventEmitter

	ctx      context.Context
	cancelFn context.CancelFunc
	logger   *log.Logger

	transport       Transport
	timeoutSettings *TimeoutSettings

	sendCh       chan *message
	done         chan struct{}
	shutdownOnce sync.Once

	closeMu    sync.Mutex
	closeCause error

	msgID int64

	callbacksMu sync.Mutex
	callbacks   map[int64]*protocolCallback

	objectsMu sync.RWMutex
	objects   map[string]*channelOwner
	root      *channelOwner

	waitingForObjectMu sync.Mutex
	waitingForObject   map[string]chan any

	// Reuse the easyjson structs to avoid allocs per read/write. Each
	// is touched by a single loop goroutine only.
	decoder jlexer.Lexer
	encoder jwriter.Writer
}

// NewConnection creates a connection over the given transport and
// starts its read and write loops. The connection shuts down when the
// transport closes or breaks, when ctx is cancelled, or on Close.
func NewConnection(ctx context.Context, transport Transport, logger *log.Logger) *Connection {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	c := &Connection{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		cancelFn:         cancel,
		logger:           logger,
		transport:        transport,
		timeoutSettings:  NewTimeoutSettings(nil),
		sendCh:           make(chan *message, 32), // Avoid blocking in send
		done:             make(chan struct{}),
		callbacks:        make(map[int64]*protocolCallback),
		objects:          make(map[string]*channelOwner),
		waitingForObject: make(map[string]chan any),
	}
	c.root = c.newRootObject()

	go c.recvLoop()
	go c.sendLoop()

	return c
}

// newRootObject builds the synthetic root of the ownership tree. It is
// the parent of every top-level object the driver creates and the
// target of commands addressed to the empty guid.
func (c *Connection) newRootObject() *channelOwner {
	ctx, cancel := context.WithCancel(c.ctx)
	root := &channelOwner{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		cancel:           cancel,
		conn:             c,
		typ:              "",
		guid:             "",
		disposed:         make(chan struct{}),
		children:         make(map[string]struct{}),
	}
	root.markActive()
	c.registerObject(root)
	return root
}

// SetDefaultTimeout changes the connection-wide default deadline for
// operations that do not set their own.
func (c *Connection) SetDefaultTimeout(timeout time.Duration) {
	c.timeoutSettings.setDefaultTimeout(timeout)
}

// Close shuts the connection down: the transport is closed, every
// pending operation fails with a connection-closed error, and the
// close event fires exactly once.
func (c *Connection) Close() {
	c.close(nil)
}

// IsClosed returns true once the connection has shut down.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) close(cause error) {
	c.shutdownOnce.Do(func() {
		c.logger.Debugf("connection", "closing (cause: %v)", cause)

		c.closeMu.Lock()
		c.closeCause = cause
		c.closeMu.Unlock()
		close(c.done)

		_ = c.transport.Close()

		// Escalate to every outstanding caller.
		c.callbacksMu.Lock()
		callbacks := c.callbacks
		c.callbacks = make(map[int64]*protocolCallback)
		c.callbacksMu.Unlock()
		for _, cb := range callbacks {
			cb.resolve(nil, c.closedError(cb.method))
		}

		c.emit(EventConnectionClose, cause)

		// Notify the objects tracking connection liveness while their
		// emitters are still running; cancelling first would drop the
		// notifications.
		c.objectsMu.RLock()
		var notify []*channelOwner
		for _, o := range c.objects {
			if o.closeFn != nil {
				notify = append(notify, o)
			}
		}
		c.objectsMu.RUnlock()
		for _, o := range notify {
			o.closeFn(cause)
		}

		// Stops the emitter goroutines of the connection and, through
		// context inheritance, of every registered object.
		c.cancelFn()
	})
}

func (c *Connection) closedError(method string) error {
	c.closeMu.Lock()
	cause := c.closeCause
	c.closeMu.Unlock()
	if cause != nil && !stderrors.Is(cause, ErrTransportClosed) {
		return fmt.Errorf("%q: %w: %v", method, ErrConnectionClosed, cause)
	}
	return fmt.Errorf("%q: %w", method, ErrConnectionClosed)
}

// send is the single entry point for issuing commands: it allocates a
// fresh correlation id, registers the pending operation, enqueues the
// frame and suspends the caller until the correlated response, the
// timeout, the object's disposal or the connection's shutdown, in
// whichever order they come.
func (c *Connection) send(ctx context.Context, owner *channelOwner, method string, params any, timeout time.Duration) (easyjson.RawMessage, error) {
	if owner == nil {
		owner = c.root
	}
	if err := owner.checkDisposed(); err != nil {
		return nil, fmt.Errorf("sending %q: %w", method, err)
	}
	if c.IsClosed() {
		return nil, c.closedError(method)
	}

	buf, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("sending %q: %w", method, err)
	}

	id := atomic.AddInt64(&c.msgID, 1)
	cb := &protocolCallback{
		id:       id,
		guid:     owner.guid,
		method:   method,
		resultCh: make(chan callbackResult, 1),
	}
	c.callbacksMu.Lock()
	c.callbacks[id] = cb
	c.callbacksMu.Unlock()
	defer c.removeCallback(id)

	msg := &message{ID: id, GUID: owner.guid, Method: method, Params: buf}
	select {
	case c.sendCh <- msg:
	case <-owner.disposed:
		return nil, fmt.Errorf("sending %q to %q: %w", method, owner.guid, ErrObjectDisposed)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedError(method)
	}

	if timeout <= 0 {
		timeout = c.timeoutSettings.timeout()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-cb.resultCh:
		if r.err != nil {
			// Attach the suspended caller's stack; the driver's own
			// JavaScript stack rides along inside DriverError.
			return nil, errors.WithStack(r.err)
		}
		return r.result, nil
	case <-timer.C:
		c.logger.Debugf("connection", "%q (id %d) timed out after %s", method, id, timeout)
		return nil, fmt.Errorf("%q: %w after %s", method, ErrTimedOut, timeout)
	case <-owner.disposed:
		return nil, fmt.Errorf("%q on %q: %w", method, owner.guid, ErrObjectDisposed)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedError(method)
	}
}

func (c *Connection) removeCallback(id int64) {
	c.callbacksMu.Lock()
	delete(c.callbacks, id)
	c.callbacksMu.Unlock()
}

func (c *Connection) lookupCallback(id int64) *protocolCallback {
	c.callbacksMu.Lock()
	defer c.callbacksMu.Unlock()
	return c.callbacks[id]
}

// recvLoop is the only consumer of incoming transport frames. It never
// blocks on anything except the next frame; response resolution posts
// to buffered channels and event fan-out queues per handler.
func (c *Connection) recvLoop() {
	for {
		buf, err := c.transport.Recv()
		if err != nil {
			if !stderrors.Is(err, ErrTransportClosed) {
				c.logger.Errorf("connection", "reading from driver: %v", err)
			}
			c.close(err)
			return
		}
		c.logger.Tracef("protocol:recv", "<- %s", buf)

		var msg message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			// Malformed payload is a protocol error: surface it in the
			// logs, never crash the dispatcher, resolve nothing.
			c.logger.Errorf("protocol", "malformed message from driver: %v", err)
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *Connection) dispatch(msg *message) {
	if msg.ID != 0 {
		cb := c.lookupCallback(msg.ID)
		if cb == nil {
			// Unknown correlation id: either a driver bug or a reply
			// that lost its race against a timeout. Drop it either way.
			c.logger.Errorf("protocol", "ignoring response with unknown id %d", msg.ID)
			return
		}
		var first bool
		if msg.Error != nil {
			first = cb.resolve(nil, msg.Error)
		} else {
			first = cb.resolve(msg.Result, nil)
		}
		if !first {
			c.logger.Errorf("protocol", "response for %q (id %d): %v", cb.method, msg.ID, ErrDuplicateResolution)
		}
		return
	}

	switch msg.Method {
	case methodCreate:
		var params createObjectParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Errorf("protocol", "malformed __create__ params: %v", err)
			return
		}
		if _, err := c.createRemoteObject(msg.GUID, params.Type, params.GUID, params.Initializer); err != nil {
			c.logger.Errorf("protocol", "creating object %q: %v", params.GUID, err)
		}
	case methodDispose:
		if err := c.disposeObject(msg.GUID); err != nil {
			c.logger.Errorf("protocol", "disposing object %q: %v", msg.GUID, err)
		}
	default:
		c.objectsMu.RLock()
		owner := c.objects[msg.GUID]
		c.objectsMu.RUnlock()
		if owner == nil {
			c.logger.Debugf("protocol", "event %q for unknown object %q", msg.Method, msg.GUID)
			return
		}
		owner.dispatchEvent(msg.Method, msg.Params)
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			c.encoder = jwriter.Writer{}
			msg.MarshalEasyJSON(&c.encoder)
			buf, err := c.encoder.BuildBytes()
			if err != nil {
				c.logger.Errorf("connection", "encoding message %d: %v", msg.ID, err)
				if cb := c.lookupCallback(msg.ID); cb != nil {
					cb.resolve(nil, fmt.Errorf("encoding %q: %w", msg.Method, err))
				}
				continue
			}
			c.logger.Tracef("protocol:send", "-> %s", buf)
			if err := c.transport.Send(buf); err != nil {
				c.logger.Errorf("connection", "writing to driver: %v", err)
				c.close(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// registerObject adds an owner to the arena.
func (c *Connection) registerObject(o *channelOwner) {
	c.objectsMu.Lock()
	c.objects[o.guid] = o
	c.objectsMu.Unlock()
}

// createRemoteObject instantiates the typed object announced by a
// __create__ event as a child of parentGUID. The parent must already
// exist (the synthetic root included).
func (c *Connection) createRemoteObject(parentGUID, typ, guid string, initializer easyjson.RawMessage) (any, error) {
	c.objectsMu.RLock()
	parent := c.objects[parentGUID]
	_, exists := c.objects[guid]
	c.objectsMu.RUnlock()

	if parent == nil {
		return nil, fmt.Errorf("parent %q: %w", parentGUID, ErrUnknownObject)
	}
	if exists {
		return nil, fmt.Errorf("object %q already exists", guid)
	}

	obj := c.createObjectFactory(parent, typ, guid, initializer)

	c.objectsMu.RLock()
	owner := c.objects[guid]
	c.objectsMu.RUnlock()
	if owner != nil {
		owner.markActive()
	}

	c.waitingForObjectMu.Lock()
	if ch, ok := c.waitingForObject[guid]; ok {
		delete(c.waitingForObject, guid)
		ch <- obj
	}
	c.waitingForObjectMu.Unlock()

	return obj, nil
}

// disposeObject tears down the object and, transitively, all of its
// descendants. Each disposed object's in-flight operations and waiters
// fail fast with a disposed-object error, and no further events are
// delivered to it.
func (c *Connection) disposeObject(guid string) error {
	c.objectsMu.RLock()
	owner := c.objects[guid]
	c.objectsMu.RUnlock()
	if owner == nil {
		return fmt.Errorf("%q: %w", guid, ErrUnknownObject)
	}
	c.disposeOwner(owner)
	return nil
}

func (c *Connection) disposeOwner(o *channelOwner) {
	if !o.markDisposed() {
		return
	}
	c.logger.Debugf("connection", "disposing %q (type %q)", o.guid, o.typ)

	for _, childGUID := range o.childGUIDs() {
		c.objectsMu.RLock()
		child := c.objects[childGUID]
		c.objectsMu.RUnlock()
		if child != nil {
			c.disposeOwner(child)
		}
	}

	c.objectsMu.Lock()
	delete(c.objects, o.guid)
	parent := c.objects[o.parentGUID]
	c.objectsMu.Unlock()
	if parent != nil {
		parent.removeChild(o.guid)
	}
}

// lookupObject returns the typed object registered under guid. It
// fails with ErrUnknownObject for guids never created or already
// disposed, guarding against use-after-dispose races.
func (c *Connection) lookupObject(guid string) (any, error) {
	c.objectsMu.RLock()
	owner := c.objects[guid]
	c.objectsMu.RUnlock()
	if owner == nil {
		return nil, fmt.Errorf("%q: %w", guid, ErrUnknownObject)
	}
	return owner.owner, nil
}

// WaitForObjectWithKnownName blocks until the driver creates the
// object registered under the given guid. Entry objects such as the
// root "Playwright" object have well-known guids.
func (c *Connection) WaitForObjectWithKnownName(ctx context.Context, guid string) (any, error) {
	c.waitingForObjectMu.Lock()
	c.objectsMu.RLock()
	if owner, ok := c.objects[guid]; ok {
		c.objectsMu.RUnlock()
		c.waitingForObjectMu.Unlock()
		return owner.owner, nil
	}
	c.objectsMu.RUnlock()
	ch := make(chan any, 1)
	c.waitingForObject[guid] = ch
	c.waitingForObjectMu.Unlock()

	select {
	case obj := <-ch:
		return obj, nil
	case <-ctx.Done():
		c.waitingForObjectMu.Lock()
		delete(c.waitingForObject, guid)
		c.waitingForObjectMu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedError("waiting for " + guid)
	}
}
