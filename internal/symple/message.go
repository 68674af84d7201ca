package symple

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Kind enumerates Symple's four message types (spec.md §3's "Symple/
// Socket.IO Packet" layering), each carrying from/to/id/data.
type Kind string

const (
	KindMessage  Kind = "message"
	KindEvent    Kind = "event"
	KindPresence Kind = "presence"
	KindCommand  Kind = "command"
)

// Message is a Symple envelope: required fields type/id/from, with every
// other field (to, data, node, status, probe, ...) stored in the raw JSON
// blob and reached via gjson/sjson so additional application-specific
// fields survive a round trip untouched, per spec.md §3.
type Message struct {
	raw []byte
}

// NewMessage builds an empty envelope of the given kind with a fresh id.
func NewMessage(kind Kind, id string) Message {
	m := Message{raw: []byte(`{}`)}
	m.Set("type", string(kind))
	m.Set("id", id)
	return m
}

// ParseMessage wraps an already-decoded JSON payload (the Data field of a
// sockio.Packet) as a Message, without re-validating shape until Valid is
// called.
func ParseMessage(raw []byte) Message {
	return Message{raw: raw}
}

// Raw returns the underlying JSON bytes, e.g. to embed as a sockio.Packet
// payload.
func (m Message) Raw() []byte { return m.raw }

// Kind returns the envelope's "type" field.
func (m Message) Kind() Kind { return Kind(gjson.GetBytes(m.raw, "type").String()) }

// ID returns the envelope's "id" field. sockio.Client.SendTransaction
// matches acks on its own packet ack id, not on this field.
func (m Message) ID() string { return gjson.GetBytes(m.raw, "id").String() }

// From returns the parsed "from" address.
func (m Message) From() (Address, error) {
	return ParseAddress(gjson.GetBytes(m.raw, "from").String())
}

// To returns the parsed "to" address (empty Address if the field is
// absent, e.g. a broadcast presence probe).
func (m Message) To() (Address, error) {
	v := gjson.GetBytes(m.raw, "to").String()
	if v == "" {
		return Address{}, nil
	}
	return ParseAddress(v)
}

// Get reaches an arbitrary field by gjson path, for fields Message doesn't
// name directly (data.sdp, data.candidate, node, status, ...).
func (m Message) Get(path string) gjson.Result { return gjson.GetBytes(m.raw, path) }

// Set writes an arbitrary field by sjson path, leaving the Message
// unchanged if the write fails (sjson only fails on a malformed path).
func (m *Message) Set(path string, value interface{}) {
	out, err := sjson.SetBytes(m.raw, path, value)
	if err == nil {
		m.raw = out
	}
}

// SetFrom stamps the envelope's "from" field, as Client.Send does before
// handing a message to the transport (original_source's assertCanSend).
func (m *Message) SetFrom(a Address) { m.Set("from", a.String()) }

// SetTo stamps the envelope's "to" field.
func (m *Message) SetTo(a Address) { m.Set("to", a.String()) }

// Valid checks the required-field invariant of spec.md §6: type is one of
// the four known kinds, id and from are both non-empty.
func (m Message) Valid() error {
	switch m.Kind() {
	case KindMessage, KindEvent, KindPresence, KindCommand:
	default:
		return fmt.Errorf("symple: unknown message type %q", m.Kind())
	}
	if m.ID() == "" {
		return fmt.Errorf("symple: message missing id")
	}
	if gjson.GetBytes(m.raw, "from").String() == "" {
		return fmt.Errorf("symple: message missing from")
	}
	return nil
}

// Presence helpers -- original_source's Presence::setProbe/isProbe.

// IsProbe reports whether a presence message is a probe (as opposed to a
// direct "here's my data" broadcast).
func (m Message) IsProbe() bool { return m.Get("probe").Bool() }

// SetProbe marks a presence message as a probe.
func (m *Message) SetProbe(probe bool) { m.Set("probe", probe) }

// Command helpers -- original_source's Command::isRequest/setStatus.

// IsRequest reports whether a command message expects a response (no
// "status" field yet set).
func (m Message) IsRequest() bool { return !m.Get("status").Exists() }

// SetStatus stamps a command response's status code (e.g. 404 for an
// unhandled node, mirroring original_source's default reply).
func (m *Message) SetStatus(code int) { m.Set("status", code) }

// Node returns a command message's target node path.
func (m Message) Node() string { return m.Get("node").String() }
