package coap

import (
	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

var payloadJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeJSON marshals v for use as a CoAP payload.
func EncodeJSON(v interface{}) ([]byte, error) {
	b, err := payloadJSON.Marshal(v)
	return b, wrap(err, "coap: json encode")
}

// DecodeJSON unmarshals a CoAP payload of content-format application/json.
func DecodeJSON(data []byte, v interface{}) error {
	return wrap(payloadJSON.Unmarshal(data, v), "coap: json decode")
}

// EncodeCBOR marshals v for use as a CoAP payload.
func EncodeCBOR(v interface{}) ([]byte, error) {
	b, err := cbor.Marshal(v)
	return b, wrap(err, "coap: cbor encode")
}

// DecodeCBOR unmarshals a CoAP payload of content-format application/cbor.
func DecodeCBOR(data []byte, v interface{}) error {
	return wrap(cbor.Unmarshal(data, v), "coap: cbor decode")
}

// SetJSONPayload encodes v and sets m's payload and Content-Format to
// application/json.
func SetJSONPayload(m *Message, v interface{}) error {
	b, err := EncodeJSON(v)
	if err != nil {
		return err
	}
	m.Payload = b
	m.SetOption(ContentFormat, AppJSON)
	return nil
}

// SetCBORPayload encodes v and sets m's payload and Content-Format to
// application/cbor.
func SetCBORPayload(m *Message, v interface{}) error {
	b, err := EncodeCBOR(v)
	if err != nil {
		return err
	}
	m.Payload = b
	m.SetOption(ContentFormat, AppCBOR)
	return nil
}

// DecodePayload decodes m's payload into v according to its
// Content-Format option, supporting application/json and
// application/cbor. Other content formats return ErrBadOption.
func DecodePayload(m Message, v interface{}) error {
	cf, _ := m.Uint(ContentFormat)
	switch MediaType(cf) {
	case AppJSON:
		return DecodeJSON(m.Payload, v)
	case AppCBOR:
		return DecodeCBOR(m.Payload, v)
	default:
		return wrapf(ErrBadOption, "unsupported content-format %d for payload decode", cf)
	}
}
