// Package stream holds the per-identity WebSocket client, its ordered inbox
// of decoded events, and the fan-out that runs one client per identity on a
// worker pool.
package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/torosent/relaycheck/internal/extractor"
)

// Event types.
const (
	TypeConversation = "conversation"
	TypePrivate      = "private"
	TypeUnknown      = "unknown"
)

// Event is one decoded inbound frame.
type Event struct {
	Type         string    `json:"type" yaml:"type"`
	ID           string    `json:"id,omitempty" yaml:"id,omitempty"`
	Conversation string    `json:"conversation,omitempty" yaml:"conversation,omitempty"`
	Sender       string    `json:"sender" yaml:"sender"`
	Text         string    `json:"text" yaml:"text"`
	ReceivedAt   time.Time `json:"received_at" yaml:"received_at"`
	Raw          []byte    `json:"-" yaml:"-"`
}

// DecodeError reports a frame that is not a JSON object.
type DecodeError struct {
	Identity string
	Frame    string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("stream %s: decode frame %q: %v", e.Identity, e.Frame, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	errNotJSON   = errors.New("invalid JSON")
	errNotObject = errors.New("frame is not a JSON object")
)

// DecodeEvent decodes a frame. Conversation fan-out frames carry
// {id, source, conversation, text}; private frames carry {from, content}.
func DecodeEvent(data []byte) (Event, error) {
	if !extractor.Valid(data) {
		return Event{}, errNotJSON
	}
	if !gjson.ParseBytes(data).IsObject() {
		return Event{}, errNotObject
	}

	ev := Event{
		ID:           extractor.First(data, "id"),
		Conversation: extractor.First(data, "conversation"),
		Sender:       extractor.First(data, "source", "from", "sender"),
		Text:         extractor.First(data, "text", "content"),
		Type:         extractor.First(data, "type"),
		Raw:          append([]byte(nil), data...),
	}
	if ev.Type == "" {
		switch {
		case ev.Conversation != "":
			ev.Type = TypeConversation
		case ev.Sender != "":
			ev.Type = TypePrivate
		default:
			ev.Type = TypeUnknown
		}
	}
	return ev, nil
}

func frameSnippet(data []byte) string {
	const max = 120
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
