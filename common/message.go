package common

import (
	"fmt"

	json "github.com/json-iterator/go"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Methods the driver reserves for registry bookkeeping. A __create__
// event targets the parent guid and announces a new child object; a
// __dispose__ event targets the object being torn down.
const (
	methodCreate  = "__create__"
	methodDispose = "__dispose__"
)

// message is the wire envelope shared by all three record kinds:
//
//	command:  {id, guid, method, params}
//	response: {id, result | error}
//	event:    {guid, method, params}
//
// The envelope is (un)marshaled with hand-rolled easyjson code since it
// is on the hot path of every read and write; params and results stay
// raw until a channel object gives them a concrete type.
type message struct {
	ID     int64
	GUID   string
	Method string
	Params easyjson.RawMessage
	Result easyjson.RawMessage
	Error  *DriverError
}

// createObjectParams is the payload of a __create__ event.
type createObjectParams struct {
	Type        string              `json:"type"`
	GUID        string              `json:"guid"`
	Initializer easyjson.RawMessage `json:"initializer"`
}

// channelRef is how messages reference another remote object: a
// one-field JSON object carrying the target's guid.
type channelRef struct {
	GUID string `json:"guid"`
}

// MarshalEasyJSON encodes the message, emitting only the fields that
// belong to its record kind.
func (m *message) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawByte('{')
	first := true
	comma := func() {
		if !first {
			w.RawByte(',')
		}
		first = false
	}
	if m.ID != 0 {
		comma()
		w.RawString(`"id":`)
		w.Int64(m.ID)
	}
	if m.Method != "" {
		// Commands and events always carry a guid; the empty guid
		// addresses the connection's synthetic root.
		comma()
		w.RawString(`"guid":`)
		w.String(m.GUID)
		comma()
		w.RawString(`"method":`)
		w.String(m.Method)
	}
	if m.Params != nil {
		comma()
		w.RawString(`"params":`)
		w.Raw(m.Params, nil)
	}
	if m.Result != nil {
		comma()
		w.RawString(`"result":`)
		w.Raw(m.Result, nil)
	}
	if m.Error != nil {
		comma()
		w.RawString(`"error":`)
		m.Error.MarshalEasyJSON(w)
	}
	w.RawByte('}')
}

// UnmarshalEasyJSON decodes a message from the wire.
func (m *message) UnmarshalEasyJSON(l *jlexer.Lexer) {
	isTopLevel := l.IsStart()
	if l.IsNull() {
		if isTopLevel {
			l.Consumed()
		}
		l.Skip()
		return
	}
	l.Delim('{')
	for !l.IsDelim('}') {
		key := l.UnsafeFieldName(false)
		l.WantColon()
		if l.IsNull() {
			l.Skip()
			l.WantComma()
			continue
		}
		switch key {
		case "id":
			m.ID = l.Int64()
		case "guid":
			m.GUID = l.String()
		case "method":
			m.Method = l.String()
		case "params":
			m.Params = easyjson.RawMessage(l.Raw())
		case "result":
			m.Result = easyjson.RawMessage(l.Raw())
		case "error":
			m.Error = &DriverError{}
			m.Error.UnmarshalEasyJSON(l)
		default:
			l.SkipRecursive()
		}
		l.WantComma()
	}
	l.Delim('}')
	if isTopLevel {
		l.Consumed()
	}
}

// MarshalEasyJSON encodes the driver error payload.
func (e *DriverError) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"message":`)
	w.String(e.Message)
	w.RawString(`,"name":`)
	w.String(e.Name)
	w.RawString(`,"stack":`)
	w.String(e.Stack)
	w.RawByte('}')
}

// UnmarshalEasyJSON decodes the driver error payload.
func (e *DriverError) UnmarshalEasyJSON(l *jlexer.Lexer) {
	if l.IsNull() {
		l.Skip()
		return
	}
	l.Delim('{')
	for !l.IsDelim('}') {
		key := l.UnsafeFieldName(false)
		l.WantColon()
		if l.IsNull() {
			l.Skip()
			l.WantComma()
			continue
		}
		switch key {
		case "message":
			e.Message = l.String()
		case "name":
			e.Name = l.String()
		case "stack":
			e.Stack = l.String()
		default:
			l.SkipRecursive()
		}
		l.WantComma()
	}
	l.Delim('}')
}

// marshalParams turns a typed params value into raw JSON for the wire.
// A nil value means the command has no parameters.
func marshalParams(params any) (easyjson.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	buf, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	return buf, nil
}

// unmarshalResult decodes a raw result payload into v. A nil payload
// leaves v untouched, matching commands with empty results.
func unmarshalResult(raw easyjson.RawMessage, v any) error {
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshaling result: %w", err)
	}
	return nil
}
