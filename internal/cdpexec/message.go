package cdpexec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto"
)

// ProtocolError is the error object of a failed command response.
type ProtocolError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Message is one inbound frame: a command response carrying an id, or an
// event carrying a method and params.
type Message struct {
	ID        *int64             `json:"id,omitempty"`
	Method    cdproto.MethodType `json:"method,omitempty"`
	Params    json.RawMessage    `json:"params,omitempty"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     *ProtocolError     `json:"error,omitempty"`
	SessionID string             `json:"sessionId,omitempty"`

	// Raw holds the frame exactly as received.
	Raw json.RawMessage `json:"-"`
}

// HasID reports whether the message is the response to command id.
func (m Message) HasID(id int64) bool { return m.ID != nil && *m.ID == id }

// IsEvent reports whether the message is an event rather than a response.
func (m Message) IsEvent() bool { return m.ID == nil && m.Method != "" }

func decodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	m.Raw = append(json.RawMessage(nil), data...)
	return m, nil
}

type command struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// encodeCommand builds {id, method, params?}. Params that encode to null or an
// empty object are left out.
func encodeCommand(id int64, method string, params any) ([]byte, error) {
	cmd := command{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params for %s: %w", method, err)
		}
		if trimmed := bytes.TrimSpace(raw); !bytes.Equal(trimmed, []byte("null")) && !bytes.Equal(trimmed, []byte("{}")) {
			cmd.Params = raw
		}
	}
	return json.Marshal(cmd)
}

// Filter selects inbound messages in RecvFiltered.
type Filter func(Message) bool

// MatchID matches the response to command id.
func MatchID(id int64) Filter {
	return func(m Message) bool { return m.HasID(id) }
}

// MatchAny matches every message.
func MatchAny(Message) bool { return true }

// MatchMethod matches events with the given method name.
func MatchMethod(method cdproto.MethodType) Filter {
	return func(m Message) bool { return m.Method == method }
}
