package common

import (
	"context"
	"fmt"

	"github.com/grafana/playwright-go/api"

	"github.com/mailru/easyjson"
)

// Ensure ElementHandle implements the api.ElementHandle interface.
var _ api.ElementHandle = &ElementHandle{}

// ElementHandle is the local proxy of a DOM element. It extends
// JSHandle with element operations.
type ElementHandle struct {
	JSHandle
}

func newElementHandle(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *ElementHandle {
	h := &ElementHandle{}
	h.initChannelOwner(h, parent, typ, guid, initializer)
	h.initJSHandle(initializer)
	return h
}

// Click scrolls the element into view and clicks its center.
func (h *ElementHandle) Click(ctx context.Context, opts *api.ElementClickOptions) error {
	if err := h.checkDisposed(); err != nil {
		return fmt.Errorf("clicking element: %w", err)
	}
	params := make(map[string]any)
	timeout := h.conn.timeoutSettings.timeout()
	if opts != nil {
		applyClickOptions(params, opts)
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}
	if _, err := h.sendTimeout(ctx, "click", params, timeout); err != nil {
		return fmt.Errorf("clicking element: %w", err)
	}
	return nil
}

// GetAttribute returns the element's attribute value, or "" when the
// attribute is absent.
func (h *ElementHandle) GetAttribute(ctx context.Context, name string) (string, error) {
	if err := h.checkDisposed(); err != nil {
		return "", fmt.Errorf("getting attribute %q: %w", name, err)
	}
	result, err := h.send(ctx, "getAttribute", map[string]any{"name": name})
	if err != nil {
		return "", fmt.Errorf("getting attribute %q: %w", name, err)
	}
	var res struct {
		Value *string `json:"value"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return "", fmt.Errorf("getting attribute %q: %w", name, err)
	}
	if res.Value == nil {
		return "", nil
	}
	return *res.Value, nil
}

// QuerySelector finds the first descendant matching selector, or nil
// when none matches.
func (h *ElementHandle) QuerySelector(ctx context.Context, selector string) (api.ElementHandle, error) {
	if err := h.checkDisposed(); err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	result, err := h.send(ctx, "querySelector", map[string]any{"selector": selector})
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	var res struct {
		Element *channelRef `json:"element"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	if res.Element == nil {
		return nil, nil
	}
	obj, err := h.conn.lookupObject(res.Element.GUID)
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	eh, ok := obj.(*ElementHandle)
	if !ok {
		return nil, fmt.Errorf("querying %q: %q is not an element handle", selector, res.Element.GUID)
	}
	return eh, nil
}

// TextContent returns the element's text content, or "" when it has
// none.
func (h *ElementHandle) TextContent(ctx context.Context) (string, error) {
	if err := h.checkDisposed(); err != nil {
		return "", fmt.Errorf("getting text content: %w", err)
	}
	result, err := h.send(ctx, "textContent", nil)
	if err != nil {
		return "", fmt.Errorf("getting text content: %w", err)
	}
	var res struct {
		Value *string `json:"value"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return "", fmt.Errorf("getting text content: %w", err)
	}
	if res.Value == nil {
		return "", nil
	}
	return *res.Value, nil
}
