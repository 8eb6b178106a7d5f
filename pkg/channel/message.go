package channel

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// MsgType discriminates what a Message carries.
type MsgType int

const (
	// MsgTypeData carries opaque payload bytes for one address.
	MsgTypeData MsgType = iota
	// MsgTypeControl carries a typed Control record.
	MsgTypeControl
	// MsgTypeState reports a lifecycle transition; MsgID holds the new State.
	MsgTypeState
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeData:
		return "Data"
	case MsgTypeControl:
		return "Control"
	case MsgTypeState:
		return "State"
	}
	return fmt.Sprintf("MsgType(%d)", int(t))
}

// Addr identifies one logical connection or request multiplexed over a channel.
// Addresses are scoped to the channel that issued or accepted them.
type Addr int64

// Control message ids. They are the discriminant of the Control union.
const (
	MsgIDConnect    = 1
	MsgIDDisconnect = 2
)

// Control is the closed set of structured records carried by Control messages:
// *Connect and *Disconnect.
type Control interface {
	MsgID() int
	ControlName() string
}

// Header is one header line. Names are lower-cased on the wire-to-message path.
type Header struct {
	Header string
	Value  string
}

// Connect opens a logical connection (server side: an inbound request or
// websocket session; client side: a response status and headers, or the
// parameters of a request to be issued).
type Connect struct {
	Method  Method
	Code    int
	Size    int64
	Path    string
	Headers []Header
}

// MsgID implements Control
func (*Connect) MsgID() int { return MsgIDConnect }

// ControlName implements Control
func (*Connect) ControlName() string { return "Connect" }

// Disconnect ends a logical connection. Code 0 with an empty Error marks normal
// completion; transports report failures with a nonzero transport-defined code.
type Disconnect struct {
	Code  int
	Error string
}

// MsgID implements Control
func (*Disconnect) MsgID() int { return MsgIDDisconnect }

// ControlName implements Control
func (*Disconnect) ControlName() string { return "Disconnect" }

// Message is the unit exchanged through a channel.
type Message struct {
	Type    MsgType
	MsgID   int
	Addr    Addr
	Data    []byte
	Control Control
}

// NewData creates a Data message for addr.
func NewData(addr Addr, data []byte) *Message {
	return &Message{Type: MsgTypeData, Addr: addr, Data: data}
}

// NewControl creates a Control message for addr carrying c.
func NewControl(addr Addr, c Control) *Message {
	return &Message{Type: MsgTypeControl, MsgID: c.MsgID(), Addr: addr, Control: c}
}

func newStateMessage(s State) *Message {
	return &Message{Type: MsgTypeState, MsgID: int(s)}
}

// State returns the state carried by a MsgTypeState message.
func (m *Message) State() State {
	return State(m.MsgID)
}

// Connect returns the Connect record of a Control message. A Control message
// posted with MsgIDConnect and no record yields an empty Connect.
func (m *Message) Connect() (*Connect, bool) {
	if m.Type != MsgTypeControl || m.MsgID != MsgIDConnect {
		return nil, false
	}
	if c, ok := m.Control.(*Connect); ok && c != nil {
		return c, true
	}
	return &Connect{}, true
}

// Disconnect returns the Disconnect record of a Control message. A bare
// Control message with MsgIDDisconnect yields an empty Disconnect.
func (m *Message) Disconnect() (*Disconnect, bool) {
	if m.Type != MsgTypeControl || m.MsgID != MsgIDDisconnect {
		return nil, false
	}
	if d, ok := m.Control.(*Disconnect); ok && d != nil {
		return d, true
	}
	return &Disconnect{}, true
}

// ControlName returns the name of the carried record, or "" for non-control messages.
func (m *Message) ControlName() string {
	switch {
	case m.Type != MsgTypeControl:
		return ""
	case m.MsgID == MsgIDConnect:
		return "Connect"
	case m.MsgID == MsgIDDisconnect:
		return "Disconnect"
	}
	return fmt.Sprintf("msgid=%d", m.MsgID)
}

func (m *Message) String() string {
	switch m.Type {
	case MsgTypeState:
		return fmt.Sprintf("State %s", m.State())
	case MsgTypeControl:
		return fmt.Sprintf("Control %s addr=%d %+v", m.ControlName(), m.Addr, m.Control)
	}
	return fmt.Sprintf("Data addr=%d size=%d", m.Addr, len(m.Data))
}

// NormalizeHeaders converts an http.Header into the ordered form used in Connect
// records: lower-cased names sorted lexicographically, one entry per value with
// values kept in their original order.
func NormalizeHeaders(h http.Header) []Header {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	var result []Header
	for _, k := range names {
		lk := strings.ToLower(k)
		for _, v := range h[k] {
			result = append(result, Header{Header: lk, Value: v})
		}
	}
	return result
}

// ApplyHeaders sets each header on h. An empty value removes the header, so
// that callers can suppress defaults such as Expect.
func ApplyHeaders(h http.Header, headers []Header) {
	for _, kv := range headers {
		if kv.Value == "" {
			h.Del(kv.Header)
		} else {
			h.Set(kv.Header, kv.Value)
		}
	}
}
