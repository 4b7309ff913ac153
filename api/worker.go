package api

import "context"

// Worker is the public interface of a web or service worker.
type Worker interface {
	Evaluate(ctx context.Context, expression string, args ...any) (any, error)
	URL() string
}
