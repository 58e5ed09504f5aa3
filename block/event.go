package block

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned by Decode for input that cannot be
// parsed into an event envelope or its kind-specific payload.
var ErrMalformedEvent = errors.New("malformed event")

// Kind names an edit operation.
type Kind string

const (
	BlockAdded    Kind = "block-added"
	BlockRemoved  Kind = "block-removed"
	BlockMoved    Kind = "block-moved"
	BlockChanged  Kind = "block-changed"
	BlockLocked   Kind = "block-locked"
	BlockReleased Kind = "block-released"
)

// Known reports whether k is one of the defined kinds.
func (k Kind) Known() bool {
	switch k {
	case BlockAdded, BlockRemoved, BlockMoved, BlockChanged, BlockLocked, BlockReleased:
		return true
	}
	return false
}

// Mutates reports whether events of kind k change document content.
func (k Kind) Mutates() bool {
	switch k {
	case BlockAdded, BlockRemoved, BlockMoved, BlockChanged:
		return true
	}
	return false
}

type AddedData struct {
	Index int         `json:"index"`
	ID    string      `json:"id"`
	Type  ElementType `json:"type"`
}

type RemovedData struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
}

type MovedData struct {
	FromIndex int    `json:"fromIndex"`
	ToIndex   int    `json:"toIndex"`
	ID        string `json:"id"`
}

type ChangedData struct {
	Index int                    `json:"index"`
	Data  map[string]interface{} `json:"data"`
	ID    string                 `json:"id"`
	Type  ElementType            `json:"type"`
}

// LockData is the payload of both block-locked and block-released.
type LockData struct {
	ID string `json:"id"`
}

// UserInfo identifies the acting user on a broadcast event.
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Event is one edit operation. Payload holds the decoded kind-specific
// data for known kinds; events of unknown kinds keep their raw data.
type Event struct {
	Type    Kind
	Payload interface{}
	Raw     json.RawMessage
}

type wireEvent struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type, Data: e.Raw}
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		w.Data = b
	}
	if w.Data == nil {
		w.Data = json.RawMessage("{}")
	}
	return json.Marshal(w)
}

// UnmarshalJSON keeps the data raw. Use Decode to validate a payload.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event{Type: w.Type, Raw: w.Data}
	return nil
}

// BlockID returns the id of the block the event targets, or "" for
// events of unknown kinds.
func (e Event) BlockID() string {
	switch p := e.Payload.(type) {
	case *AddedData:
		return p.ID
	case *RemovedData:
		return p.ID
	case *MovedData:
		return p.ID
	case *ChangedData:
		return p.ID
	case *LockData:
		return p.ID
	}
	return ""
}

// Message is the envelope exchanged with participants. User is stamped
// by the server and ignored on input.
type Message struct {
	Event Event     `json:"event"`
	User  *UserInfo `json:"user,omitempty"`
}

// Encode serializes the message to JSON bytes.
func (m Message) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

var requiredFields = map[Kind][]string{
	BlockAdded:    {"index", "id", "type"},
	BlockRemoved:  {"index", "id"},
	BlockMoved:    {"fromIndex", "toIndex", "id"},
	BlockChanged:  {"index", "data", "id", "type"},
	BlockLocked:   {"id"},
	BlockReleased: {"id"},
}

func newPayload(k Kind) interface{} {
	switch k {
	case BlockAdded:
		return &AddedData{}
	case BlockRemoved:
		return &RemovedData{}
	case BlockMoved:
		return &MovedData{}
	case BlockChanged:
		return &ChangedData{}
	case BlockLocked, BlockReleased:
		return &LockData{}
	}
	return nil
}

// Decode parses a participant message. Events of unknown kinds are
// returned as-is so that dispatch can report them.
func Decode(raw []byte) (*Message, error) {
	var env struct {
		Event *wireEvent `json:"event"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Event == nil {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedEvent)
	}
	if env.Event.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}
	data := bytes.TrimSpace(env.Event.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("%w: missing event data", ErrMalformedEvent)
	}

	msg := &Message{Event: Event{Type: env.Event.Type, Raw: data}}
	if !env.Event.Type.Known() {
		return msg, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, env.Event.Type, err)
	}
	for _, name := range requiredFields[env.Event.Type] {
		v, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return nil, fmt.Errorf("%w: %s data: missing %q", ErrMalformedEvent, env.Event.Type, name)
		}
	}
	payload := newPayload(env.Event.Type)
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, env.Event.Type, err)
	}
	msg.Event.Payload = payload
	return msg, nil
}
