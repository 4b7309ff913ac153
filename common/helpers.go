package common

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

func stringSliceContains(s []string, v string) bool {
	for _, s := range s {
		if s == v {
			return true
		}
	}
	return false
}

// createWaitForEventHandler registers a one-shot handler for the given
// events. The returned channel yields the data of the first event that
// satisfies predicateFn; the returned cancel func deregisters the
// handler and must be called on every exit path so waiters never leak.
func createWaitForEventHandler(
	ctx context.Context,
	emitter EventEmitter, events []string,
	predicateFn func(data any) bool,
) (
	chan any, context.CancelFunc,
) {
	evCancelCtx, evCancelFn := context.WithCancel(ctx)
	chEvHandler := make(chan Event)
	ch := make(chan any)

	go func() {
		for {
			select {
			case <-evCancelCtx.Done():
				return
			case ev := <-chEvHandler:
				if stringSliceContains(events, ev.typ) {
					if predicateFn != nil && !predicateFn(ev.data) {
						continue
					}
					select {
					case ch <- ev.data:
					case <-evCancelCtx.Done():
						return
					}
					close(ch)

					// We wait for one matching event only, then remove
					// the handler by cancelling context and stopping
					// the goroutine.
					evCancelFn()
					return
				}
			}
		}
	}()

	emitter.on(evCancelCtx, events, chEvHandler)
	return ch, evCancelFn
}

// waitForEvent blocks until the first event on owner satisfying
// predicateFn, the timeout, the owner's disposal or ctx cancellation.
// The registered handler is deregistered on exactly one of those.
func waitForEvent(ctx context.Context, owner *channelOwner, events []string, predicateFn func(data any) bool, timeout time.Duration) (any, error) {
	ch, evCancelFn := createWaitForEventHandler(ctx, owner, events, predicateFn)
	defer evCancelFn() // Remove event handler

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-owner.disposed:
		return nil, fmt.Errorf("waiting for %q on %q: %w", strings.Join(events, ","), owner.guid, ErrObjectDisposed)
	case <-timer.C:
		return nil, fmt.Errorf("waiting for %q: %w after %s", strings.Join(events, ","), ErrTimedOut, timeout)
	case evData := <-ch:
		return evData, nil
	}
}

// URLMatcher matches request and navigation URLs against a glob
// pattern, where '*' matches any run of characters and '?' a single
// character. Patterns without a scheme match any http(s) URL.
type URLMatcher struct {
	pattern string
	re      *regexp.Regexp
}

// NewURLMatcher compiles the glob pattern. An empty pattern matches
// every URL.
func NewURLMatcher(pattern string) (*URLMatcher, error) {
	if pattern == "" {
		return &URLMatcher{pattern: pattern}, nil
	}
	var sb strings.Builder
	sb.WriteString("^")
	if !strings.Contains(pattern, "://") {
		sb.WriteString(`(?:https?://)?`)
	}
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("compiling URL pattern %q: %w", pattern, err)
	}
	return &URLMatcher{pattern: pattern, re: re}, nil
}

// Matches reports whether url satisfies the pattern.
func (m *URLMatcher) Matches(url string) bool {
	if m.re == nil {
		return true
	}
	return m.re.MatchString(url)
}
