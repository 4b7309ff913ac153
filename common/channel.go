package common

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailru/easyjson"
)

type objectState int32

const (
	objectStateCreated objectState = iota
	objectStateActive
	objectStateDisposed
)

// channelOwner is the local half of a remote object: it carries the
// driver-assigned guid, its place in the ownership tree and the event
// emitter that driver events for this guid are fanned out on. Typed
// channel objects (Browser, Page, Frame, ...) embed it and translate
// their operations into commands on it.
type channelOwner struct {
	BaseEventEmitter

	ctx    context.Context
	cancel context.CancelFunc

	conn        *Connection
	typ         string
	guid        string
	parentGUID  string
	initializer easyjson.RawMessage

	state int32 // objectState

	// disposed is closed when the driver disposes this object so that
	// in-flight operations and waiters fail fast instead of hanging.
	disposed chan struct{}

	childrenMu sync.Mutex
	children   map[string]struct{}

	// owner is the typed channel object wrapping this guid, as handed
	// out by registry lookups.
	owner any

	// eventFn, when set by the typed object, consumes raw driver
	// events; otherwise they are emitted raw under the driver's
	// method name.
	eventFn func(method string, params easyjson.RawMessage)

	// closeFn, when set, is called synchronously on the connection's
	// close path, before the object's emitter shuts down.
	closeFn func(cause error)
}

// initChannelOwner wires a freshly constructed typed object into the
// connection's registry as a child of parent. The parent must be the
// connection root or an already registered object.
func (o *channelOwner) initChannelOwner(owner any, parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) {
	conn := parent.conn
	ctx, cancel := context.WithCancel(conn.ctx)

	o.BaseEventEmitter = NewBaseEventEmitter(ctx)
	o.ctx = ctx
	o.cancel = cancel
	o.conn = conn
	o.typ = typ
	o.guid = guid
	o.parentGUID = parent.guid
	o.initializer = initializer
	o.disposed = make(chan struct{})
	o.children = make(map[string]struct{})
	o.owner = owner

	parent.addChild(guid)
	conn.registerObject(o)
}

func (o *channelOwner) addChild(guid string) {
	o.childrenMu.Lock()
	defer o.childrenMu.Unlock()
	o.children[guid] = struct{}{}
}

func (o *channelOwner) removeChild(guid string) {
	o.childrenMu.Lock()
	defer o.childrenMu.Unlock()
	delete(o.children, guid)
}

func (o *channelOwner) childGUIDs() []string {
	o.childrenMu.Lock()
	defer o.childrenMu.Unlock()
	guids := make([]string, 0, len(o.children))
	for guid := range o.children {
		guids = append(guids, guid)
	}
	return guids
}

func (o *channelOwner) markActive() {
	atomic.CompareAndSwapInt32(&o.state, int32(objectStateCreated), int32(objectStateActive))
}

func (o *channelOwner) isDisposed() bool {
	return objectState(atomic.LoadInt32(&o.state)) == objectStateDisposed
}

// markDisposed flips the object to its terminal state and wakes
// everything blocked on it. Returns false if it already was disposed.
func (o *channelOwner) markDisposed() bool {
	if objectState(atomic.SwapInt32(&o.state, int32(objectStateDisposed))) == objectStateDisposed {
		return false
	}
	close(o.disposed)
	o.cancel()
	return true
}

// dispatchEvent routes one driver event to this object. A panicking
// handler is isolated here so it cannot take down the dispatch loop or
// starve other listeners.
func (o *channelOwner) dispatchEvent(method string, params easyjson.RawMessage) {
	if o.isDisposed() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.conn.logger.Errorf("connection", "recovered panic in %q event handler of %q: %v", method, o.guid, r)
		}
	}()
	if o.eventFn != nil {
		o.eventFn(method, params)
		return
	}
	o.emit(method, params)
}

// send issues one command on this object's channel and waits for its
// correlated response, using the connection's default timeout.
func (o *channelOwner) send(ctx context.Context, method string, params any) (easyjson.RawMessage, error) {
	return o.conn.send(ctx, o, method, params, 0)
}

// sendTimeout is send with an explicit deadline.
func (o *channelOwner) sendTimeout(ctx context.Context, method string, params any, timeout time.Duration) (easyjson.RawMessage, error) {
	return o.conn.send(ctx, o, method, params, timeout)
}

// checkDisposed returns the operation failure for a disposed object.
func (o *channelOwner) checkDisposed() error {
	if o.isDisposed() {
		return fmt.Errorf("%q: %w", o.guid, ErrObjectDisposed)
	}
	return nil
}
