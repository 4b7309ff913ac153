package common

import (
	"context"
	"fmt"

	"github.com/grafana/playwright-go/api"

	"github.com/mailru/easyjson"
)

// Ensure Worker implements the api.Worker interface.
var _ api.Worker = &Worker{}

type workerInitializer struct {
	URL string `json:"url"`
}

// Worker is the local proxy of a dedicated web worker spawned by a
// page.
type Worker struct {
	channelOwner

	page *Page
	url  string
}

func newWorker(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *Worker {
	w := &Worker{}
	w.initChannelOwner(w, parent, typ, guid, initializer)

	var init workerInitializer
	if err := unmarshalResult(initializer, &init); err != nil {
		w.conn.logger.Errorf("worker", "parsing initializer: %v", err)
	}
	w.url = init.URL

	w.eventFn = w.onDriverEvent
	return w
}

func (w *Worker) onDriverEvent(method string, params easyjson.RawMessage) {
	switch method {
	case "close":
		if w.page != nil {
			w.page.removeWorker(w)
		}
		w.emit(EventWorkerClose, w.owner)
	default:
		w.emit(method, params)
	}
}

// Evaluate runs an expression in the worker's execution context and
// returns its JSON-serializable result.
func (w *Worker) Evaluate(ctx context.Context, expression string, args ...any) (any, error) {
	if err := w.checkDisposed(); err != nil {
		return nil, fmt.Errorf("evaluating in worker: %w", err)
	}
	result, err := w.send(ctx, "evaluateExpression", evaluateParams(expression, args))
	if err != nil {
		return nil, fmt.Errorf("evaluating in worker: %w", err)
	}
	var res struct {
		Value any `json:"value"`
	}
	if err := unmarshalResult(result, &res); err != nil {
		return nil, fmt.Errorf("evaluating in worker: %w", err)
	}
	return res.Value, nil
}

// URL returns the worker's script URL.
func (w *Worker) URL() string { return w.url }
