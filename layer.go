package coap

import "github.com/pkg/errors"

// ErrHalt is returned by a Layer hook to stop the pipeline from calling
// any further layer for this message — e.g. the blockwise layer
// stopping propagation to the observe layer while a multi-block
// notification is still being reassembled. The pipeline driver stops at
// the hook that returned it and passes it back to the caller verbatim;
// callers that have a legitimate "more work pending" case (unlike a
// true failure) check for it with errors.Is.
var ErrHalt = errors.New("coap: pipeline halted")

// Layer is one stage of the message pipeline (spec §9 REDESIGN FLAGS:
// an explicit ordered list of layers driven by a single pipeline,
// replacing subclass-based layer chaining). A Layer only implements the
// hooks relevant to it; embed NoopLayer for the rest.
type Layer interface {
	Name() string

	// SendRequest/SendResponse run outbound, in pipeline order, as a
	// message leaves this endpoint.
	SendRequest(ex *Exchange, req *Message) error
	SendResponse(ex *Exchange, resp *Message) error

	// ReceiveRequest/ReceiveResponse/ReceiveEmptyMessage run inbound, in
	// reverse pipeline order (closest to the wire first), as a datagram
	// arrives.
	ReceiveRequest(ex *Exchange, req *Message) error
	ReceiveResponse(ex *Exchange, resp *Message) error
	ReceiveEmptyMessage(ex *Exchange, empty *Message) error
}

// NoopLayer implements Layer with pass-through no-ops so a concrete
// layer only needs to override the hooks it cares about. Name returns
// "noop"; embedding layers are expected to shadow it with their own name.
type NoopLayer struct{}

func (NoopLayer) Name() string                                  { return "noop" }
func (NoopLayer) SendRequest(*Exchange, *Message) error          { return nil }
func (NoopLayer) SendResponse(*Exchange, *Message) error         { return nil }
func (NoopLayer) ReceiveRequest(*Exchange, *Message) error       { return nil }
func (NoopLayer) ReceiveResponse(*Exchange, *Message) error      { return nil }
func (NoopLayer) ReceiveEmptyMessage(*Exchange, *Message) error  { return nil }

// Pipeline drives an ordered list of Layers. Outbound hooks run
// first-to-last (application-facing layer first, wire-facing layer
// last); inbound hooks run last-to-first (wire-facing layer first,
// application-facing layer last) so e.g. the reliability layer sees a
// datagram before the blockwise or observe layers do.
type Pipeline struct {
	layers []Layer
}

// NewPipeline builds a Pipeline in application-to-wire order, e.g.
// NewPipeline(observeLayer, blockwiseLayer, reliabilityLayer).
func NewPipeline(layers ...Layer) *Pipeline {
	return &Pipeline{layers: layers}
}

// SendRequest runs every layer's SendRequest hook outbound.
func (p *Pipeline) SendRequest(ex *Exchange, req *Message) error {
	for _, l := range p.layers {
		if err := l.SendRequest(ex, req); err != nil {
			return err
		}
	}
	return nil
}

// SendResponse runs every layer's SendResponse hook outbound.
func (p *Pipeline) SendResponse(ex *Exchange, resp *Message) error {
	for _, l := range p.layers {
		if err := l.SendResponse(ex, resp); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveRequest runs every layer's ReceiveRequest hook inbound (reverse
// order).
func (p *Pipeline) ReceiveRequest(ex *Exchange, req *Message) error {
	for i := len(p.layers) - 1; i >= 0; i-- {
		if err := p.layers[i].ReceiveRequest(ex, req); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveResponse runs every layer's ReceiveResponse hook inbound
// (reverse order).
func (p *Pipeline) ReceiveResponse(ex *Exchange, resp *Message) error {
	for i := len(p.layers) - 1; i >= 0; i-- {
		if err := p.layers[i].ReceiveResponse(ex, resp); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveEmptyMessage runs every layer's ReceiveEmptyMessage hook
// inbound (reverse order).
func (p *Pipeline) ReceiveEmptyMessage(ex *Exchange, empty *Message) error {
	for i := len(p.layers) - 1; i >= 0; i-- {
		if err := p.layers[i].ReceiveEmptyMessage(ex, empty); err != nil {
			return err
		}
	}
	return nil
}
