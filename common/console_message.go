package common

import (
	"github.com/grafana/playwright-go/api"

	"github.com/mailru/easyjson"
)

type consoleMessageInitializer struct {
	Type string        `json:"type"`
	Text string        `json:"text"`
	Args []*channelRef `json:"args"`
	Location struct {
		URL          string `json:"url"`
		LineNumber   int    `json:"lineNumber"`
		ColumnNumber int    `json:"columnNumber"`
	} `json:"location"`
}

// ConsoleMessage is the local proxy of a console API call made inside
// a page. Its argument handles stay valid until the execution context
// they live in is destroyed.
type ConsoleMessage struct {
	channelOwner

	msgType string
	text    string
	args    []api.JSHandle
}

func newConsoleMessage(parent *channelOwner, typ, guid string, initializer easyjson.RawMessage) *ConsoleMessage {
	m := &ConsoleMessage{}
	m.initChannelOwner(m, parent, typ, guid, initializer)

	var init consoleMessageInitializer
	if err := unmarshalResult(initializer, &init); err != nil {
		m.conn.logger.Errorf("console_message", "parsing initializer: %v", err)
	}
	m.msgType = init.Type
	m.text = init.Text
	for _, ref := range init.Args {
		if ref == nil {
			continue
		}
		obj, err := m.conn.lookupObject(ref.GUID)
		if err != nil {
			m.conn.logger.Errorf("console_message", "resolving argument %q: %v", ref.GUID, err)
			continue
		}
		switch h := obj.(type) {
		case *ElementHandle:
			m.args = append(m.args, h)
		case *JSHandle:
			m.args = append(m.args, h)
		}
	}
	return m
}

// Args returns handles to the arguments of the console call.
func (m *ConsoleMessage) Args() []api.JSHandle {
	args := make([]api.JSHandle, len(m.args))
	copy(args, m.args)
	return args
}

// Text returns the rendered message text.
func (m *ConsoleMessage) Text() string { return m.text }

// Type returns the console API method used, e.g. "log" or "error".
func (m *ConsoleMessage) Type() string { return m.msgType }
