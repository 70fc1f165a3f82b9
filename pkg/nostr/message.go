package nostr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire protocol between client and relay. Every message is a JSON array
// whose first element is the label.

const (
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelEvent  = "EVENT"
	LabelEOSE   = "EOSE"
	LabelClosed = "CLOSED"
	LabelNotice = "NOTICE"
	LabelOK     = "OK"
)

var ErrMalformed = errors.New("nostr: malformed message")

type Message interface {
	Label() string
	json.Marshaler
}

// ReqMessage opens a subscription.
type ReqMessage struct {
	SubID   string
	Filters []Filter
}

// CloseMessage ends a subscription.
type CloseMessage struct {
	SubID string
}

// EventMessage carries one event for a subscription.
type EventMessage struct {
	SubID string
	Event *Event
}

// EOSEMessage marks the end of stored events for a subscription.
type EOSEMessage struct {
	SubID string
}

// ClosedMessage is the relay refusing or ending a subscription.
type ClosedMessage struct {
	SubID  string
	Reason string
}

type NoticeMessage struct {
	Text string
}

func (ReqMessage) Label() string    { return LabelReq }
func (CloseMessage) Label() string  { return LabelClose }
func (EventMessage) Label() string  { return LabelEvent }
func (EOSEMessage) Label() string   { return LabelEOSE }
func (ClosedMessage) Label() string { return LabelClosed }
func (NoticeMessage) Label() string { return LabelNotice }

func (m ReqMessage) MarshalJSON() ([]byte, error) {
	arr := make([]any, 0, 2+len(m.Filters))
	arr = append(arr, LabelReq, m.SubID)
	for _, f := range m.Filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}

func (m CloseMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{LabelClose, m.SubID})
}

func (m EventMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{LabelEvent, m.SubID, m.Event})
}

func (m EOSEMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{LabelEOSE, m.SubID})
}

func (m ClosedMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{LabelClosed, m.SubID, m.Reason})
}

func (m NoticeMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{LabelNotice, m.Text})
}

// ParseMessage decodes any client or relay message. Unknown labels yield
// ErrMalformed so callers can skip them.
func ParseMessage(data []byte) (Message, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(arr) < 2 {
		return nil, ErrMalformed
	}
	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return nil, fmt.Errorf("%w: label: %v", ErrMalformed, err)
	}

	str := func(i int) (string, error) {
		if i >= len(arr) {
			return "", nil
		}
		var s string
		if err := json.Unmarshal(arr[i], &s); err != nil {
			return "", fmt.Errorf("%w: %s[%d]: %v", ErrMalformed, label, i, err)
		}
		return s, nil
	}

	switch label {
	case LabelEvent:
		// relay form ["EVENT", sub, ev]; client publish form ["EVENT", ev]
		m := EventMessage{}
		raw := arr[1]
		if len(arr) >= 3 {
			sub, err := str(1)
			if err != nil {
				return nil, err
			}
			m.SubID = sub
			raw = arr[2]
		}
		m.Event = new(Event)
		if err := json.Unmarshal(raw, m.Event); err != nil {
			return nil, fmt.Errorf("%w: event: %v", ErrMalformed, err)
		}
		return m, nil
	case LabelEOSE:
		sub, err := str(1)
		return EOSEMessage{SubID: sub}, err
	case LabelClosed:
		sub, err := str(1)
		if err != nil {
			return nil, err
		}
		reason, err := str(2)
		return ClosedMessage{SubID: sub, Reason: reason}, err
	case LabelNotice:
		text, err := str(1)
		return NoticeMessage{Text: text}, err
	case LabelClose:
		sub, err := str(1)
		return CloseMessage{SubID: sub}, err
	case LabelReq:
		sub, err := str(1)
		if err != nil {
			return nil, err
		}
		m := ReqMessage{SubID: sub}
		for _, raw := range arr[2:] {
			var f Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("%w: filter: %v", ErrMalformed, err)
			}
			m.Filters = append(m.Filters, f)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown label %q", ErrMalformed, label)
	}
}
