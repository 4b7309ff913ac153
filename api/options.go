package api

import (
	"time"

	"gopkg.in/guregu/null.v3"
)

// EventPredicate filters candidate events for WaitForEvent. A nil
// predicate matches the first event.
type EventPredicate func(data any) bool

// ViewportSize is the page viewport in CSS pixels.
type ViewportSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// BrowserNewContextOptions are the options for Browser.NewContext and
// Browser.NewPage. They are passed through to the driver unmodified.
type BrowserNewContextOptions struct {
	AcceptDownloads   bool              `json:"acceptDownloads,omitempty"`
	BypassCSP         bool              `json:"bypassCSP,omitempty"`
	ExtraHTTPHeaders  map[string]string `json:"extraHTTPHeaders,omitempty"`
	IgnoreHTTPSErrors bool              `json:"ignoreHTTPSErrors,omitempty"`
	JavaScriptEnabled null.Bool         `json:"javaScriptEnabled,omitempty"`
	Locale            null.String       `json:"locale,omitempty"`
	Offline           bool              `json:"offline,omitempty"`
	TimezoneID        null.String       `json:"timezoneId,omitempty"`
	UserAgent         null.String       `json:"userAgent,omitempty"`
	Viewport          *ViewportSize     `json:"viewport,omitempty"`
}

// FrameGotoOptions are the options for Frame.Goto and Page.Goto.
type FrameGotoOptions struct {
	Referer   string        `json:"referer,omitempty"`
	Timeout   time.Duration `json:"-"`
	WaitUntil string        `json:"waitUntil,omitempty"`
}

// FrameWaitForNavigationOptions are the options for
// Frame.WaitForNavigation and Page.WaitForNavigation.
type FrameWaitForNavigationOptions struct {
	// URL restricts the awaited navigation to URLs matching this glob
	// pattern. Empty matches any navigation.
	URL       string
	Timeout   time.Duration
	WaitUntil string
}

// ElementClickOptions are the options for ElementHandle.Click and the
// selector based click operations on Page and Frame.
type ElementClickOptions struct {
	Button     string        `json:"button,omitempty"`
	ClickCount int           `json:"clickCount,omitempty"`
	Delay      float64       `json:"delay,omitempty"`
	Force      bool          `json:"force,omitempty"`
	Timeout    time.Duration `json:"-"`
}

// PageScreenshotOptions are the options for Page.Screenshot.
type PageScreenshotOptions struct {
	FullPage       bool          `json:"fullPage,omitempty"`
	OmitBackground bool          `json:"omitBackground,omitempty"`
	Quality        null.Int      `json:"quality,omitempty"`
	Type           string        `json:"type,omitempty"`
	Timeout        time.Duration `json:"-"`
}

// RouteContinueOptions override parts of an intercepted request before
// it is released to the network. Null fields keep the original values,
// which is why they are nullable rather than zero-valued.
type RouteContinueOptions struct {
	Headers  map[string]string
	Method   null.String
	PostData null.String
}

// RouteFulfillOptions describe the response used to fulfill an
// intercepted request without hitting the network.
type RouteFulfillOptions struct {
	Body        []byte
	BodyString  string
	ContentType null.String
	Headers     map[string]string
	Status      null.Int
}
