package coap

import (
	"net"
	"time"
)

// Origin distinguishes who first created an Exchange (spec §3).
type Origin uint8

const (
	// OriginLocal means this endpoint issued the request.
	OriginLocal Origin = iota
	// OriginRemote means this endpoint received the request.
	OriginRemote
)

// Observer receives named transition callbacks for one Exchange (spec
// §3, §9 REDESIGN FLAGS: a single observer replaces function-valued
// message fields). Embed NoopObserver to implement a subset.
type Observer interface {
	Acknowledged(ex *Exchange)
	Rejected(ex *Exchange)
	TimedOut(ex *Exchange)
	Responded(ex *Exchange, resp *Message)
	Cancelled(ex *Exchange)
	Reregistering(ex *Exchange)
}

// NoopObserver implements Observer with no-ops so callers only override
// the transitions they care about.
type NoopObserver struct{}

func (NoopObserver) Acknowledged(*Exchange)         {}
func (NoopObserver) Rejected(*Exchange)              {}
func (NoopObserver) TimedOut(*Exchange)              {}
func (NoopObserver) Responded(*Exchange, *Message)   {}
func (NoopObserver) Cancelled(*Exchange)             {}
func (NoopObserver) Reregistering(*Exchange)         {}

// ObserveRelation tracks one RFC 7641 subscription's notification
// ordering state (spec §3, §4.6).
type ObserveRelation struct {
	Established bool
	Cancelled   bool

	// Source is the peer delivering notifications for this relation.
	Source net.Addr

	// currentControlNotification/nextControlNotification implement the
	// single-CON-in-flight stash described in spec §4.6: at most one CON
	// notification is ever in transit, and a fresh notification produced
	// while one is in transit is parked here until the in-transit one
	// resolves.
	currentControlNotification *Message
	nextControlNotification    *Message

	lastCounter   uint32
	lastCounterOK bool
	lastTimestamp time.Time

	notificationsSinceCheck int
	lastCheckTime           time.Time
}

// ReregistrationContext records when a relation's re-registration window
// opened, how long it lasts, and the original token to reuse (spec §3,
// §4.6). It is bookkeeping only: nothing schedules a timer on it or
// re-issues the GET.
type ReregistrationContext struct {
	Token   []byte
	Armed   time.Time
	Backoff time.Duration
	timerID uint64
}

// blockwiseStatus is the per-exchange partial-transfer state for
// block-wise reassembly/fragmentation (spec §3, §4.5).
type blockwiseStatus struct {
	szx       SZX
	buf       *blockBuffer
	started   time.Time
	sentNum   int
	recvWant  int
	body      []byte
	sizeTotal int
	etag      []byte
}

// Exchange is the stateful junction between an outgoing request and its
// response(s) (spec §3).
type Exchange struct {
	Origin Origin
	Peer   net.Addr

	Request  *Message
	Response *Message

	// Relation, Reregistration, and Blockwise are the three typed
	// per-layer scratch slots that replace the source's string-keyed
	// map (spec §9 REDESIGN FLAGS).
	Relation       *ObserveRelation
	Reregistration *ReregistrationContext
	Blockwise      *blockwiseStatus

	Timestamp time.Time
	Completed bool
	Cancelled bool

	observer Observer

	// finished guards the endpoint's finish() against double-counting
	// its in-flight metric when more than one terminal callback fires
	// for the same exchange (e.g. Rejected followed by Cancelled).
	finished bool

	// retransmit is the reliability layer's own scratch, defined in
	// reliability.go; kept as a typed field alongside the other slots
	// rather than folded into a shared map.
	retransmit *retransmitState

	// cachedACK holds the wire bytes of the last ACK/response sent for
	// this exchange, re-emitted verbatim on a duplicate CON (spec §4.3).
	cachedACK []byte
}

// NewExchange creates an Exchange in the given origin role.
func NewExchange(origin Origin, peer net.Addr, req *Message, observer Observer) *Exchange {
	if observer == nil {
		observer = NoopObserver{}
	}
	return &Exchange{
		Origin:    origin,
		Peer:      peer,
		Request:   req,
		Timestamp: time.Now(),
		observer:  observer,
	}
}

func (e *Exchange) fireAcknowledged()          { e.observer.Acknowledged(e) }
func (e *Exchange) fireRejected()              { e.Completed = true; e.observer.Rejected(e) }
func (e *Exchange) fireTimedOut()              { e.Completed = true; e.observer.TimedOut(e) }
func (e *Exchange) fireResponded(resp *Message) { e.Response = resp; e.observer.Responded(e, resp) }
func (e *Exchange) fireCancelled()             { e.Cancelled = true; e.Completed = true; e.observer.Cancelled(e) }
func (e *Exchange) fireReregistering()         { e.observer.Reregistering(e) }
