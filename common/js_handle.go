package common

import (
	"context"
	"fmt"

	"github.com/grafana/playwright-go/api"

	"github.com/mailru/easyjson"
)

// Ensure JSHandle implements the api.JSHandle interface.
var _ api.JSHandle = &JSHandle{}

type jsHandleInitializer struct {
	Preview string `json:"preview"`
}

// JSHandle is the local proxy of a JavaScript value living in a
// frame's execution context. It pins the remote value until Dispose.
type JSHandle struct {
	channelOwner

	preview string
}

func newJSHandle(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *JSHandle {
	h := &JSHandle{}
	h.initChannelOwner(h, parent, typ, guid, initializer)
	h.initJSHandle(initializer)
	return h
}

func (h *JSHandle) initJSHandle(initializer easyjson.RawMessage) {
	var init jsHandleInitializer
	if err := unmarshalResult(initializer, &init); err != nil {
		h.conn.logger.Errorf("js_handle", "parsing initializer: %v", err)
	}
	h.preview = init.Preview
}

// Dispose releases the remote value. The handle rejects all further
// operations afterwards.
func (h *JSHandle) Dispose(ctx context.Context) error {
	if h.isDisposed() {
		return nil
	}
	if _, err := h.send(ctx, "dispose", nil); err != nil {
		return fmt.Errorf("disposing handle: %w", err)
	}
	return nil
}

// Evaluate runs an expression with the handle's value bound as its
// first argument and returns the JSON-serializable result.
func (h *JSHandle) Evaluate(ctx context.Context, expression string, args ...any) (any, error) {
	if err := h.checkDisposed(); err != nil {
		return nil, fmt.Errorf("evaluating on handle: %w", err)
	}
	result, err := h.send(ctx, "evaluateExpression", evaluateParams(expression, args))
	if err != nil {
		return nil, fmt.Errorf("evaluating on handle: %w", err)
	}
	var res struct {
		Value any `json:"value"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("evaluating on handle: %w", err)
	}
	return res.Value, nil
}

// GetProperty returns a handle to one property of the value.
func (h *JSHandle) GetProperty(ctx context.Context, name string) (api.JSHandle, error) {
	if err := h.checkDisposed(); err != nil {
		return nil, fmt.Errorf("getting property %q: %w", name, err)
	}
	result, err := h.send(ctx, "getProperty", map[string]any{"name": name})
	if err != nil {
		return nil, fmt.Errorf("getting property %q: %w", name, err)
	}
	var res struct {
		Handle *channelRef `json:"handle"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("getting property %q: %w", name, err)
	}
	if res.Handle == nil {
		return nil, fmt.Errorf("getting property %q: driver returned no handle", name)
	}
	obj, err := h.conn.lookupObject(res.Handle.GUID)
	if err != nil {
		return nil, fmt.Errorf("getting property %q: %w", name, err)
	}
	switch prop := obj.(type) {
	case *ElementHandle:
		return prop, nil
	case *JSHandle:
		return prop, nil
	default:
		return nil, fmt.Errorf("getting property %q: %q is not a handle", name, res.Handle.GUID)
	}
}

// JSONValue serializes the remote value and returns it.
func (h *JSHandle) JSONValue(ctx context.Context) (any, error) {
	if err := h.checkDisposed(); err != nil {
		return nil, fmt.Errorf("getting JSON value: %w", err)
	}
	result, err := h.send(ctx, "jsonValue", nil)
	if err != nil {
		return nil, fmt.Errorf("getting JSON value: %w", err)
	}
	var res struct {
		Value any `json:"value"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("getting JSON value: %w", err)
	}
	return res.Value, nil
}

// String returns the driver's preview of the value.
func (h *JSHandle) String() string {
	return h.preview
}
