package coap

import (
	"github.com/pkg/errors"
)

// Error taxonomy (see spec §7). Codec and matcher errors are recovered
// locally; reliability and block-wise errors terminate the exchange and
// propagate upward; observe cancellations are delivered as a terminal
// callback, never as an error to the future that already resolved.
var (
	// ErrMalformedMessage means the codec rejected the bytes outright;
	// the caller must drop silently and never ACK.
	ErrMalformedMessage = errors.New("coap: malformed message")

	// ErrBadOption means an unknown critical option was present in a
	// response (the Endpoint resolves the request with it). No 4.02 reply
	// is sent automatically for such an option in a request.
	// DecodePayload also returns it for an unsupported Content-Format.
	ErrBadOption = errors.New("coap: unrecognized critical option")

	// ErrTimeout means a CON exhausted its retransmissions, or the
	// caller-supplied overall request timeout elapsed.
	ErrTimeout = errors.New("coap: request timed out")

	// ErrRejected means an RST was received for an outstanding exchange.
	ErrRejected = errors.New("coap: request rejected")

	// ErrBlockwise covers SZX mismatch, a reassembly gap, or exceeding
	// BLOCKWISE_STATUS_LIFETIME.
	ErrBlockwise = errors.New("coap: block-wise transfer error")

	// ErrCancelled means the request was cancelled locally.
	ErrCancelled = errors.New("coap: request cancelled")

	// ErrInvalidTokenLen means a message's token is longer than 8 bytes
	// (MarshalBinary, Validate); a decoded header with TKL > 8 fails with
	// ErrMalformedMessage instead.
	ErrInvalidTokenLen = errors.New("coap: invalid token length")

	// ErrOptionTooLong means an option value violates its declared
	// length bounds.
	ErrOptionTooLong = errors.New("coap: option value too long")

	// ErrOptionGapTooLarge means an option delta would push the option
	// number past 65535.
	ErrOptionGapTooLarge = errors.New("coap: option number gap too large")

	// ErrNoExchange means a response or ACK/RST arrived with no
	// matching live exchange.
	ErrNoExchange = errors.New("coap: no matching exchange")

	// ErrClosed means the endpoint was closed.
	ErrClosed = errors.New("coap: endpoint closed")

	// ErrNotObserving means Notify was called for a (peer, token) with no
	// live, uncancelled observe relation.
	ErrNotObserving = errors.New("coap: no active observe relation")
)

// wrap annotates err with msg using github.com/pkg/errors, preserving a
// stack trace at the call site. Returns nil if err is nil.
func wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

func wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
