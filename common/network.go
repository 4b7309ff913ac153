package common

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/grafana/playwright-go/api"

	"github.com/mailru/easyjson"
)

// Ensure the network types implement their api interfaces.
var (
	_ api.Request  = &Request{}
	_ api.Response = &Response{}
	_ api.Route    = &Route{}
)

// headerEntry is the wire form of a single HTTP header.
type headerEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func headerList(headers map[string]string) []headerEntry {
	entries := make([]headerEntry, 0, len(headers))
	for name, value := range headers {
		entries = append(entries, headerEntry{Name: name, Value: value})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func headerMap(entries []headerEntry) map[string]string {
	headers := make(map[string]string, len(entries))
	for _, e := range entries {
		headers[strings.ToLower(e.Name)] = e.Value
	}
	return headers
}

type requestInitializer struct {
	URL                 string        `json:"url"`
	Method              string        `json:"method"`
	ResourceType        string        `json:"resourceType"`
	PostData            string        `json:"postData"`
	Headers             []headerEntry `json:"headers"`
	Frame               *channelRef   `json:"frame"`
	IsNavigationRequest bool          `json:"isNavigationRequest"`
	RedirectedFrom      *channelRef   `json:"redirectedFrom"`
}

// Request is the local proxy of a network request a page issued. Its
// properties are fixed at creation; only the failure text arrives
// later, with the requestFailed event.
type Request struct {
	channelOwner

	url                 string
	method              string
	resourceType        string
	postData            string
	headers             map[string]string
	frame               *Frame
	isNavigationRequest bool
	redirectedFrom      *Request

	failureMu   sync.RWMutex
	failureText string
}

func newRequest(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *Request {
	r := &Request{}
	r.initChannelOwner(r, parent, typ, guid, initializer)

	var init requestInitializer
	if err := unmarshalResult(initializer, &init); err != nil {
		r.conn.logger.Errorf("request", "parsing initializer: %v", err)
	}
	r.url = init.URL
	r.method = init.Method
	r.resourceType = init.ResourceType
	r.headers = headerMap(init.Headers)
	r.isNavigationRequest = init.IsNavigationRequest
	if init.PostData != "" {
		if buf, err := base64.StdEncoding.DecodeString(init.PostData); err == nil {
			r.postData = string(buf)
		} else {
			r.postData = init.PostData
		}
	}
	if init.Frame != nil {
		if obj, err := r.conn.lookupObject(init.Frame.GUID); err == nil {
			r.frame, _ = obj.(*Frame)
		}
	}
	if init.RedirectedFrom != nil {
		if obj, err := r.conn.lookupObject(init.RedirectedFrom.GUID); err == nil {
			r.redirectedFrom, _ = obj.(*Request)
		}
	}
	return r
}

func (r *Request) setFailure(text string) {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()
	r.failureText = text
}

// Failure returns the failure text of a failed request, or "" while
// the request has not failed.
func (r *Request) Failure() string {
	r.failureMu.RLock()
	defer r.failureMu.RUnlock()
	return r.failureText
}

// Frame returns the frame that issued the request.
func (r *Request) Frame() api.Frame {
	if r.frame == nil {
		return nil
	}
	return r.frame
}

// Headers returns the request headers with lower-cased names.
func (r *Request) Headers() map[string]string {
	headers := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		headers[k] = v
	}
	return headers
}

// IsNavigationRequest reports whether this request is navigating the
// frame to a new document.
func (r *Request) IsNavigationRequest() bool { return r.isNavigationRequest }

// Method returns the HTTP method.
func (r *Request) Method() string { return r.method }

// PostData returns the request body, or "" when there is none.
func (r *Request) PostData() string { return r.postData }

// RedirectedFrom returns the request that was redirected to this one,
// if any.
func (r *Request) RedirectedFrom() api.Request {
	if r.redirectedFrom == nil {
		return nil
	}
	return r.redirectedFrom
}

// ResourceType returns the kind of resource the request fetches, e.g.
// "document" or "image".
func (r *Request) ResourceType() string { return r.resourceType }

// Response asks the driver for the response of this request. It is nil
// until a response arrives, and stays nil for failed requests.
func (r *Request) Response(ctx context.Context) (api.Response, error) {
	if err := r.checkDisposed(); err != nil {
		return nil, fmt.Errorf("getting response: %w", err)
	}
	result, err := r.send(ctx, "response", nil)
	if err != nil {
		return nil, fmt.Errorf("getting response: %w", err)
	}
	return responseFromResult(r.conn, result)
}

// URL returns the request URL.
func (r *Request) URL() string { return r.url }

type responseInitializer struct {
	URL        string        `json:"url"`
	Status     int           `json:"status"`
	StatusText string        `json:"statusText"`
	Headers    []headerEntry `json:"headers"`
	Request    *channelRef   `json:"request"`
}

// Response is the local proxy of a network response.
type Response struct {
	channelOwner

	url        string
	status     int
	statusText string
	headers    map[string]string
	request    *Request
}

func newResponse(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *Response {
	r := &Response{}
	r.initChannelOwner(r, parent, typ, guid, initializer)

	var init responseInitializer
	if err := unmarshalResult(initializer, &init); err != nil {
		r.conn.logger.Errorf("response", "parsing initializer: %v", err)
	}
	r.url = init.URL
	r.status = init.Status
	r.statusText = init.StatusText
	r.headers = headerMap(init.Headers)
	if init.Request != nil {
		if obj, err := r.conn.lookupObject(init.Request.GUID); err == nil {
			r.request, _ = obj.(*Request)
		}
	}
	return r
}

// Body fetches the response body from the driver.
func (r *Response) Body(ctx context.Context) ([]byte, error) {
	if err := r.checkDisposed(); err != nil {
		return nil, fmt.Errorf("getting body: %w", err)
	}
	result, err := r.send(ctx, "body", nil)
	if err != nil {
		return nil, fmt.Errorf("getting body: %w", err)
	}
	var res struct {
		Binary string `json:"binary"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("getting body: %w", err)
	}
	buf, err := base64.StdEncoding.DecodeString(res.Binary)
	if err != nil {
		return nil, fmt.Errorf("getting body: decoding: %w", err)
	}
	return buf, nil
}

// Headers returns the response headers with lower-cased names.
func (r *Response) Headers() map[string]string {
	headers := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		headers[k] = v
	}
	return headers
}

// OK reports whether the status is in the 2xx range, or 0 for "no
// response yet" file URLs.
func (r *Response) OK() bool {
	return r.status == 0 || (r.status >= 200 && r.status <= 299)
}

// Request returns the request this response answers.
func (r *Response) Request() api.Request {
	if r.request == nil {
		return nil
	}
	return r.request
}

// Status returns the HTTP status code.
func (r *Response) Status() int { return r.status }

// StatusText returns the HTTP status text.
func (r *Response) StatusText() string { return r.statusText }

// URL returns the response URL.
func (r *Response) URL() string { return r.url }

type routeInitializer struct {
	Request *channelRef `json:"request"`
}

// Route is the local proxy of an intercepted request awaiting its
// disposition. Exactly one of Abort, Continue or Fulfill may run;
// further calls fail with ErrRouteAlreadyHandled and reach the driver
// never.
type Route struct {
	channelOwner

	request *Request

	handledMu sync.Mutex
	handled   bool
}

func newRoute(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *Route {
	r := &Route{}
	r.initChannelOwner(r, parent, typ, guid, initializer)

	var init routeInitializer
	if err := unmarshalResult(initializer, &init); err != nil {
		r.conn.logger.Errorf("route", "parsing initializer: %v", err)
	}
	if init.Request != nil {
		if obj, err := r.conn.lookupObject(init.Request.GUID); err == nil {
			r.request, _ = obj.(*Request)
		}
	}
	return r
}

// startHandling claims the route for one disposition. It fails when
// another disposition already claimed it, before anything is sent.
func (r *Route) startHandling() error {
	r.handledMu.Lock()
	defer r.handledMu.Unlock()
	if r.handled {
		subject := r.guid
		if r.request != nil {
			subject = r.request.URL()
		}
		return fmt.Errorf("%q: %w", subject, ErrRouteAlreadyHandled)
	}
	r.handled = true
	return nil
}

// Abort fails the intercepted request with the given error code, or
// "failed" when empty.
func (r *Route) Abort(ctx context.Context, errorCode string) error {
	if err := r.startHandling(); err != nil {
		return fmt.Errorf("aborting route: %w", err)
	}
	if errorCode == "" {
		errorCode = "failed"
	}
	if _, err := r.send(ctx, "abort", map[string]any{"errorCode": errorCode}); err != nil {
		return fmt.Errorf("aborting route: %w", err)
	}
	return nil
}

// Continue releases the intercepted request to the network, with any
// overrides applied.
func (r *Route) Continue(ctx context.Context, opts *api.RouteContinueOptions) error {
	if err := r.startHandling(); err != nil {
		return fmt.Errorf("continuing route: %w", err)
	}
	params := make(map[string]any)
	if opts != nil {
		if opts.Method.Valid {
			params["method"] = opts.Method.String
		}
		if opts.Headers != nil {
			params["headers"] = headerList(opts.Headers)
		}
		if opts.PostData.Valid {
			params["postData"] = base64.StdEncoding.EncodeToString([]byte(opts.PostData.String))
		}
	}
	if _, err := r.send(ctx, "continue", params); err != nil {
		return fmt.Errorf("continuing route: %w", err)
	}
	return nil
}

// Fulfill answers the intercepted request with a synthetic response
// without hitting the network.
func (r *Route) Fulfill(ctx context.Context, opts *api.RouteFulfillOptions) error {
	if err := r.startHandling(); err != nil {
		return fmt.Errorf("fulfilling route: %w", err)
	}
	if opts == nil {
		opts = &api.RouteFulfillOptions{}
	}

	status := int64(http.StatusOK)
	if opts.Status.Valid {
		status = opts.Status.Int64
	}

	body := opts.Body
	if body == nil && opts.BodyString != "" {
		body = []byte(opts.BodyString)
	}

	headers := make(map[string]string, len(opts.Headers)+2)
	for k, v := range opts.Headers {
		headers[strings.ToLower(k)] = v
	}
	if opts.ContentType.Valid {
		headers["content-type"] = opts.ContentType.String
	}
	if _, ok := headers["content-length"]; !ok && body != nil {
		headers["content-length"] = fmt.Sprintf("%d", len(body))
	}

	params := map[string]any{
		"status":  status,
		"headers": headerList(headers),
	}
	if body != nil {
		params["body"] = base64.StdEncoding.EncodeToString(body)
		params["isBase64"] = true
	}
	if _, err := r.send(ctx, "fulfill", params); err != nil {
		return fmt.Errorf("fulfilling route: %w", err)
	}
	return nil
}

// Request returns the request being intercepted.
func (r *Route) Request() api.Request {
	if r.request == nil {
		return nil
	}
	return r.request
}

// parseRouteEvent resolves the route and request references of a route
// event into their registered proxies.
func parseRouteEvent(conn *Connection, params easyjson.RawMessage) (*Route, *Request, error) {
	var ev struct {
		Route   *channelRef `json:"route"`
		Request *channelRef `json:"request"`
	}
	if err := unmarshalResult(params, &ev); err != nil {
		return nil, nil, err
	}
	if ev.Route == nil {
		return nil, nil, fmt.Errorf("route event without route reference")
	}
	obj, err := conn.lookupObject(ev.Route.GUID)
	if err != nil {
		return nil, nil, err
	}
	route, ok := obj.(*Route)
	if !ok {
		return nil, nil, fmt.Errorf("%q is not a route", ev.Route.GUID)
	}
	request := route.request
	if ev.Request != nil {
		if obj, err := conn.lookupObject(ev.Request.GUID); err == nil {
			if req, ok := obj.(*Request); ok {
				request = req
			}
		}
	}
	if request == nil {
		return nil, nil, fmt.Errorf("route %q without request", ev.Route.GUID)
	}
	return route, request, nil
}

// responseFromResult resolves the optional response reference of a
// navigation style result. A missing reference yields a nil response,
// which is what same-document navigations produce.
func responseFromResult(conn *Connection, result easyjson.RawMessage) (api.Response, error) {
	var res struct {
		Response *channelRef `json:"response"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("parsing response reference: %w", err)
	}
	if res.Response == nil {
		return nil, nil
	}
	obj, err := conn.lookupObject(res.Response.GUID)
	if err != nil {
		return nil, fmt.Errorf("resolving response: %w", err)
	}
	resp, ok := obj.(*Response)
	if !ok {
		return nil, fmt.Errorf("%q is not a response", res.Response.GUID)
	}
	return resp, nil
}
