package coap

import (
	"encoding/binary"
)

// Wire-format constants (RFC 7252 §3.1).
const (
	extoptByteCode   = 13
	extoptByteAddend = 13
	extoptWordCode   = 14
	extoptWordAddend = 269
	extoptError      = 15

	payloadMarker = 0xff
)

// MarshalBinary produces the RFC 7252 §3 wire form of m: a 4-byte
// header, the token, options sorted into ascending number order with
// delta+extended-length encoding, then an optional 0xFF-prefixed
// payload.
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, ErrInvalidTokenLen
	}

	buf := make([]byte, 0, 4+len(m.Token)+len(m.Payload)+16)
	buf = append(buf, (1<<6)|(uint8(m.Type)<<4)|uint8(0xf&len(m.Token)), byte(m.Code), 0, 0)
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)
	buf = append(buf, m.Token...)

	extend := func(v int) (code, ext int) {
		switch {
		case v >= extoptWordAddend:
			return extoptWordCode, v - extoptWordAddend
		case v >= extoptByteAddend:
			return extoptByteCode, v - extoptByteAddend
		default:
			return v, 0
		}
	}
	writeExt := func(code, ext int) {
		switch code {
		case extoptByteCode:
			buf = append(buf, byte(ext))
		case extoptWordCode:
			b := make([]byte, 2)
			binary.BigEndian.PutUint16(b, uint16(ext))
			buf = append(buf, b...)
		}
	}

	prev := 0
	for _, o := range m.opts.sorted() {
		delta := int(o.ID) - prev
		val := o.toBytes()
		dCode, dExt := extend(delta)
		lCode, lExt := extend(len(val))
		buf = append(buf, byte(dCode<<4)|byte(lCode))
		writeExt(dCode, dExt)
		writeExt(lCode, lExt)
		buf = append(buf, val...)
		prev = int(o.ID)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}

	return buf, nil
}

// ParseMessage decodes a single CoAP datagram.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	err := m.UnmarshalBinary(data)
	return m, err
}

// UnmarshalBinary decodes data into m per spec §4.1, failing with
// ErrMalformedMessage when: the total length is under 4 bytes, TKL
// exceeds 8, an option delta/length extension runs past the end of the
// buffer, or a payload marker is not followed by at least one byte.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return wrap(ErrMalformedMessage, "short packet")
	}
	if data[0]>>6 != 1 {
		return wrap(ErrMalformedMessage, "unsupported version")
	}

	m.Type = CType((data[0] >> 4) & 0x3)
	tkl := int(data[0] & 0xf)
	if tkl > 8 {
		return wrap(ErrMalformedMessage, "TKL > 8")
	}
	m.Code = CCode(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	if len(data) < 4+tkl {
		return wrap(ErrMalformedMessage, "truncated token")
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), data[4:4+tkl]...)
	} else {
		m.Token = nil
	}

	b := data[4+tkl:]
	prev := 0
	m.opts = nil
	m.badOption = false

	readExt := func(code int) (int, error) {
		switch code {
		case extoptByteCode:
			if len(b) < 1 {
				return 0, wrap(ErrMalformedMessage, "option extension runs past end")
			}
			v := int(b[0]) + extoptByteAddend
			b = b[1:]
			return v, nil
		case extoptWordCode:
			if len(b) < 2 {
				return 0, wrap(ErrMalformedMessage, "option extension runs past end")
			}
			v := int(binary.BigEndian.Uint16(b[:2])) + extoptWordAddend
			b = b[2:]
			return v, nil
		}
		return code, nil
	}

	for len(b) > 0 {
		if b[0] == payloadMarker {
			b = b[1:]
			if len(b) == 0 {
				return wrap(ErrMalformedMessage, "payload marker with no payload")
			}
			break
		}

		deltaNibble := int(b[0] >> 4)
		lengthNibble := int(b[0] & 0x0f)
		if deltaNibble == extoptError || lengthNibble == extoptError {
			return wrap(ErrMalformedMessage, "reserved option nibble 15")
		}
		b = b[1:]

		delta, err := readExt(deltaNibble)
		if err != nil {
			return err
		}
		length, err := readExt(lengthNibble)
		if err != nil {
			return err
		}

		if len(b) < length {
			return wrap(ErrMalformedMessage, "option value runs past end")
		}

		num := prev + delta
		if num > 65535 {
			return wrap(ErrOptionGapTooLarge, "option number overflow")
		}
		id := OptionID(num)
		_, known := optionDefs[id]
		val, ok := parseOptionValue(id, b[:length])
		b = b[length:]
		prev = num

		if id.IsCritical() && !known {
			// RFC 7252 §5.4.1: a critical option this endpoint does not
			// recognise at all (not just one with a bad length) makes
			// the message unacceptable as-is, even though its value
			// still decodes fine as opaque bytes.
			m.badOption = true
		}
		if !ok {
			continue
		}
		m.opts = append(m.opts, option{ID: id, Value: val})
	}

	m.Payload = append([]byte(nil), b...)
	return nil
}
