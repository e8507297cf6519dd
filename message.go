// Package coap implements the message/exchange engine of a CoAP
// (RFC 7252) client endpoint: the binary wire codec, the option model,
// the exchange store and matcher, the reliability (CON retransmission
// and deduplication) layer, block-wise transfer (RFC 7959), and
// observe (RFC 7641). It is endpoint-symmetric: the same stack drives
// either a client or a server role.
package coap

import (
	"fmt"
	"strings"
)

// CType is the CoAP message type (RFC 7252 §3).
type CType uint8

const (
	// Confirmable messages require acknowledgement.
	Confirmable CType = 0
	// NonConfirmable messages do not require acknowledgement.
	NonConfirmable CType = 1
	// Acknowledgement responds to a Confirmable message.
	Acknowledgement CType = 2
	// Reset is a permanent negative acknowledgement.
	Reset CType = 3
)

var typeNames = [256]string{
	Confirmable:     "Confirmable",
	NonConfirmable:  "NonConfirmable",
	Acknowledgement: "Acknowledgement",
	Reset:           "Reset",
}

func init() {
	for i := range typeNames {
		if typeNames[i] == "" {
			typeNames[i] = fmt.Sprintf("Unknown (0x%x)", i)
		}
	}
}

func (t CType) String() string {
	return typeNames[t]
}

// CCode is an 8-bit class.detail CoAP code: 0.00 is the empty message,
// 0.01-0.04 are request methods, 2.xx/4.xx/5.xx are response codes.
type CCode uint8

// Empty is the code of an EmptyMessage (standalone ACK, RST, or ping).
const Empty CCode = 0

// Request codes.
const (
	GET    CCode = 1
	POST   CCode = 2
	PUT    CCode = 3
	DELETE CCode = 4
)

// Response codes.
const (
	Created                 CCode = 65
	Deleted                 CCode = 66
	Valid                   CCode = 67
	Changed                 CCode = 68
	Content                 CCode = 69
	Continue                CCode = 95 // 2.31, Block1 continuation (RFC 7959 §2.3)
	BadRequest              CCode = 128
	Unauthorized            CCode = 129
	BadOption               CCode = 130
	Forbidden               CCode = 131
	NotFound                CCode = 132
	MethodNotAllowed        CCode = 133
	NotAcceptable           CCode = 134
	RequestEntityIncomplete CCode = 136 // 4.08 (RFC 7959 §2.9.2)
	PreconditionFailed      CCode = 140
	RequestEntityTooLarge   CCode = 141
	UnsupportedMediaType    CCode = 143
	InternalServerError     CCode = 160
	NotImplemented          CCode = 161
	BadGateway              CCode = 162
	ServiceUnavailable      CCode = 163
	GatewayTimeout          CCode = 164
	ProxyingNotSupported    CCode = 165
)

var codeNames = [256]string{
	GET:                     "GET",
	POST:                    "POST",
	PUT:                     "PUT",
	DELETE:                  "DELETE",
	Created:                 "Created",
	Deleted:                 "Deleted",
	Valid:                   "Valid",
	Changed:                 "Changed",
	Content:                 "Content",
	Continue:                "Continue",
	BadRequest:              "BadRequest",
	Unauthorized:            "Unauthorized",
	BadOption:               "BadOption",
	Forbidden:               "Forbidden",
	NotFound:                "NotFound",
	MethodNotAllowed:        "MethodNotAllowed",
	NotAcceptable:           "NotAcceptable",
	RequestEntityIncomplete: "RequestEntityIncomplete",
	PreconditionFailed:      "PreconditionFailed",
	RequestEntityTooLarge:   "RequestEntityTooLarge",
	UnsupportedMediaType:    "UnsupportedMediaType",
	InternalServerError:     "InternalServerError",
	NotImplemented:          "NotImplemented",
	BadGateway:              "BadGateway",
	ServiceUnavailable:      "ServiceUnavailable",
	GatewayTimeout:          "GatewayTimeout",
	ProxyingNotSupported:    "ProxyingNotSupported",
}

func init() {
	for i := range codeNames {
		if codeNames[i] == "" {
			codeNames[i] = fmt.Sprintf("Unknown (0x%x)", i)
		}
	}
}

func (c CCode) String() string {
	return codeNames[c]
}

// IsRequest reports whether c is in the 0.01-0.31 request range.
func (c CCode) IsRequest() bool {
	return c >= 1 && c <= 31
}

// Class returns the code's class digit (0, 2, 4, or 5).
func (c CCode) Class() uint8 {
	return uint8(c) >> 5
}

// Message is a CoAP message: the common base shared by requests,
// responses, and empty messages (spec §3).
type Message struct {
	Type      CType
	Code      CCode
	MessageID uint16

	Token, Payload []byte

	opts options
	// badOption records that decoding saw a critical option whose number
	// is not in the registry (spec §4.1/§7); see
	// HasUnrecognizedCriticalOption.
	badOption bool
}

// HasUnrecognizedCriticalOption reports whether decoding this message
// encountered a critical option (odd number) whose number is not in the
// registry; a known option with an out-of-bounds length is dropped
// without setting it. The Endpoint resolves a response carrying such an
// option with ErrBadOption; it sends no 4.02 Bad Option reply for a
// request carrying one (spec §4.1, §7).
func (m Message) HasUnrecognizedCriticalOption() bool {
	return m.badOption
}

// IsConfirmable reports whether this message is Confirmable.
func (m Message) IsConfirmable() bool {
	return m.Type == Confirmable
}

// IsEmpty reports whether this message is an EmptyMessage (code 0.00).
func (m Message) IsEmpty() bool {
	return m.Code == Empty
}

// Validate checks the base-message invariant from spec §3: ACK/RST carry
// no payload unless piggybacking a response, and an empty message has no
// token, options, or payload.
func (m Message) Validate() error {
	if m.IsEmpty() {
		if len(m.Token) != 0 || len(m.opts) != 0 || len(m.Payload) != 0 {
			return wrap(ErrMalformedMessage, "empty message carries token, options, or payload")
		}
	}
	if len(m.Token) > 8 {
		return ErrInvalidTokenLen
	}
	return nil
}

// Options returns every value set for option id o, in wire order.
func (m Message) Options(o OptionID) []interface{} {
	var rv []interface{}
	for _, v := range m.opts {
		if o == v.ID {
			rv = append(rv, v.Value)
		}
	}
	return rv
}

// Option returns the first value set for option id o, or nil.
func (m Message) Option(o OptionID) interface{} {
	for _, v := range m.opts {
		if o == v.ID {
			return v.Value
		}
	}
	return nil
}

// Opt is the exported, read-only view of a decoded option.
type Opt struct {
	ID    OptionID
	Value interface{}
}

// AllOptions returns the raw ordered option list.
func (m Message) AllOptions() []Opt {
	rv := make([]Opt, len(m.opts))
	for i, o := range m.opts {
		rv[i] = Opt{ID: o.ID, Value: o.Value}
	}
	return rv
}

func (m Message) optionStrings(o OptionID) []string {
	var rv []string
	for _, v := range m.Options(o) {
		if s, ok := v.(string); ok {
			rv = append(rv, s)
		}
	}
	return rv
}

// Uint returns the first value of option o as a uint32, if present and
// typed as an unsigned integer.
func (m Message) Uint(o OptionID) (uint32, bool) {
	switch t := m.Option(o).(type) {
	case uint32:
		return t, true
	case MediaType:
		return uint32(t), true
	}
	return 0, false
}

// String returns the first value of option o as a string, if present.
func (m Message) String(o OptionID) (string, bool) {
	s, ok := m.Option(o).(string)
	return s, ok
}

// Opaque returns the first value of option o as raw bytes, if present.
func (m Message) Opaque(o OptionID) ([]byte, bool) {
	b, ok := m.Option(o).([]byte)
	return b, ok
}

// Path returns the Uri-Path segments set on this message, if any.
func (m Message) Path() []string {
	return m.optionStrings(URIPath)
}

// PathString joins Path() with "/".
func (m Message) PathString() string {
	return strings.Join(m.Path(), "/")
}

// SetPathString sets Uri-Path from a "/"-separated string.
func (m *Message) SetPathString(s string) {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	m.SetPath(strings.Split(s, "/"))
}

// SetPath replaces any Uri-Path options with s.
func (m *Message) SetPath(s []string) {
	m.SetOption(URIPath, s)
}

// RemoveOption removes every occurrence of option opID.
func (m *Message) RemoveOption(opID OptionID) {
	m.opts = m.opts.Minus(opID)
}

// AddOption appends an option value. A []string val adds one repeated
// option entry per element.
func (m *Message) AddOption(opID OptionID, val interface{}) {
	if ss, ok := val.([]string); ok {
		for _, s := range ss {
			m.opts = append(m.opts, option{opID, s})
		}
		return
	}
	m.opts = append(m.opts, option{opID, val})
}

// SetOption discards any previous value(s) of opID and sets val.
func (m *Message) SetOption(opID OptionID, val interface{}) {
	m.RemoveOption(opID)
	m.AddOption(opID, val)
}

// NewRequest builds a request-shaped Message. Token/MessageID are left
// for the caller or the Endpoint façade to assign.
func NewRequest(typ CType, code CCode, token []byte) Message {
	return Message{Type: typ, Code: code, Token: token}
}

// NewEmpty builds a code-0.00 EmptyMessage (standalone ACK, RST, or a
// CoAP ping when typ is Confirmable).
func NewEmpty(typ CType, id uint16) Message {
	return Message{Type: typ, Code: Empty, MessageID: id}
}

// NewAck builds a standalone ACK for id.
func NewAck(id uint16) Message {
	return Message{Type: Acknowledgement, Code: Empty, MessageID: id}
}

// NewReset builds an RST for id.
func NewReset(id uint16) Message {
	return Message{Type: Reset, Code: Empty, MessageID: id}
}
