package coap

import (
	"net"
	"time"
)

// ReliabilityLayer arms and drives CON retransmission (spec §4.4). It
// is the wire-facing layer: in the pipeline built by NewEndpoint it
// runs last outbound and first inbound.
type ReliabilityLayer struct {
	NoopLayer
	cfg     Config
	timers  *TimerQueue
	send    func(raw []byte, peer net.Addr) error
	metrics *Metrics
}

func (l *ReliabilityLayer) Name() string { return "reliability" }

func (l *ReliabilityLayer) SendRequest(ex *Exchange, req *Message) error {
	raw, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	if err := l.send(raw, ex.Peer); err != nil {
		return err
	}
	if req.Type == Confirmable {
		now := time.Now()
		StartReliability(ex, l.cfg, raw, now)
		l.arm(ex)
	}
	return nil
}

func (l *ReliabilityLayer) SendResponse(ex *Exchange, resp *Message) error {
	raw, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	ex.cachedACK = raw
	if err := l.send(raw, ex.Peer); err != nil {
		return err
	}
	if resp.Type == Confirmable {
		now := time.Now()
		StartReliability(ex, l.cfg, raw, now)
		l.arm(ex)
	}
	return nil
}

func (l *ReliabilityLayer) arm(ex *Exchange) {
	if ex.retransmit == nil {
		return
	}
	ex.retransmit.timerID = l.timers.Schedule(ex.retransmit.deadline, func(now time.Time) {
		l.onTimer(ex, now)
	})
}

func (l *ReliabilityLayer) onTimer(ex *Exchange, now time.Time) {
	retransmit, timedOut := ex.DueRetransmits(l.cfg, now)
	switch {
	case timedOut:
		if l.metrics != nil {
			l.metrics.observeOutcome(StatusTimedOut)
		}
		ex.fireTimedOut()
	case retransmit:
		l.send(ex.retransmit.raw, ex.Peer)
		ex.Retransmitted(l.cfg, now)
		if l.metrics != nil {
			l.metrics.Retransmissions.Inc()
		}
		l.arm(ex)
	}
}

// ReceiveEmptyMessage matches an inbound ACK/RST to the CON it resolves.
func (l *ReliabilityLayer) ReceiveEmptyMessage(ex *Exchange, empty *Message) error {
	if ex.retransmit == nil {
		return nil
	}
	l.timers.Cancel(ex.retransmit.timerID)
	switch empty.Type {
	case Acknowledgement:
		ex.Acknowledge()
		if l.metrics != nil {
			l.metrics.observeOutcome(StatusAcknowledged)
		}
	case Reset:
		ex.Reject()
		if l.metrics != nil {
			l.metrics.observeOutcome(StatusRejected)
		}
	}
	return nil
}

// ReceiveResponse acknowledges the piggybacked-response case (an ACK
// carrying a response payload resolves the CON the same way a bare ACK
// does).
func (l *ReliabilityLayer) ReceiveResponse(ex *Exchange, resp *Message) error {
	if ex.retransmit == nil || ex.ReliabilityStatus() != StatusInTransit {
		return nil
	}
	l.timers.Cancel(ex.retransmit.timerID)
	ex.Acknowledge()
	if l.metrics != nil {
		l.metrics.observeOutcome(StatusAcknowledged)
	}
	return nil
}

// BlockwiseLayer handles RFC 7959 BLOCK1/BLOCK2 fragmentation and
// reassembly (spec §4.5). It sits above the reliability layer: it only
// ever sees application-shaped requests/responses, never raw
// ACK/RST traffic.
type BlockwiseLayer struct {
	NoopLayer
	cfg     Config
	metrics *Metrics
}

func (l *BlockwiseLayer) Name() string { return "blockwise" }

// SendRequest fragments an outgoing request body larger than the
// configured default block size: the first BLOCK1 fragment is written
// back into req in place. The endpoint does not send the remaining
// fragments; the 2.31 Continue reply resolves the request like any
// other response.
func (l *BlockwiseLayer) SendRequest(ex *Exchange, req *Message) error {
	if len(req.Payload) <= l.cfg.DefaultBlockSize {
		return nil
	}
	szx := szxForSize(l.cfg.DefaultBlockSize)
	StartBlockwise1(ex, req.Payload, szx)
	payload, num, more, ok := NextBlock1(ex)
	if !ok {
		return nil
	}
	req.Payload = payload
	req.SetOption(Block1, EncodeBlockOption(szx, num, more))
	return nil
}

// ReceiveResponse folds one BLOCK2 fragment of a download into the
// exchange's reassembly buffer, and continues the transfer if more
// remain. The fully reassembled body replaces resp.Payload once the
// last fragment arrives.
func (l *BlockwiseLayer) ReceiveResponse(ex *Exchange, resp *Message) error {
	v, ok := resp.Uint(Block2)
	if !ok {
		return nil
	}
	szx, num, more := DecodeBlockOption(v)
	if ex.Blockwise == nil {
		StartBlockwise2(ex, szx)
	}
	done, body, err := ReceiveBlock2(ex, szx, num, more, resp.Payload)
	if err != nil {
		return err
	}
	if done {
		resp.Payload = body
		if l.metrics != nil {
			l.metrics.BlockwiseTransfers.Inc()
		}
		return nil
	}
	return ErrHalt
}

// ObserveLayer tracks RFC 7641 subscription freshness, single-CON-in-
// flight notification ordering, and re-registration (spec §4.6). It
// runs above blockwise so a multi-block notification is fully
// reassembled before freshness is judged.
type ObserveLayer struct {
	NoopLayer
	cfg     Config
	metrics *Metrics
}

func (l *ObserveLayer) Name() string { return "observe" }

// ReceiveResponse accepts or drops an observe notification based on its
// 24-bit counter, and halts the pipeline with ErrHalt (not a failure)
// for stale duplicates so the application layer above never sees them.
//
// ReceiveResponse only judges freshness of an already-received datagram;
// promoting an outgoing notification to Confirmable as a periodic
// liveness check is a sender-side decision made before transmission (see
// Endpoint.sendNotification), not something that can be retrofitted onto
// a message already off the wire.
func (l *ObserveLayer) ReceiveResponse(ex *Exchange, resp *Message) error {
	counter, ok := resp.Uint(Observe)
	if !ok || ex.Relation == nil {
		return nil
	}
	if !ex.Relation.Accept(counter, time.Now()) {
		return ErrHalt
	}
	if l.metrics != nil {
		l.metrics.Notifications.Inc()
	}
	return nil
}
