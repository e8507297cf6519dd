package coap

import (
	"net"
	"time"

	"github.com/astaxie/beego/logs"
	"github.com/pkg/errors"
)

// Endpoint is the client-facing façade: it owns the store, the single
// timer queue, the UDP channel, and the layer pipeline, and drives them
// all from one event-loop goroutine (spec §4.7, §5, §9 REDESIGN FLAGS).
// All mutable state — the store, the timer queue, every Exchange — is
// touched only from that loop; Send and Observe hand work to it over
// channels rather than locking shared state.
type Endpoint struct {
	cfg     Config
	store   *Store
	timers  *TimerQueue
	channel *Channel
	metrics *Metrics
	log     *logs.BeeLogger

	pipeline    *Pipeline
	reliability *ReliabilityLayer

	incoming   chan rawPacket
	sendReq    chan *sendJob
	cancelReq  chan *cancelJob
	respondReq chan *respondJob
	notifyReq  chan *notifyJob
	closeCh    chan struct{}
	closed     chan struct{}

	pending map[*Exchange]*sendJob
}

type rawPacket struct {
	msg  Message
	addr net.Addr
}

type sendJob struct {
	req      Message
	peer     net.Addr
	observer Observer
	result   chan sendResult
}

type sendResult struct {
	resp *Message
	err  error
}

type cancelJob struct {
	peer  net.Addr
	token []byte
}

// respondJob carries an application-supplied answer to a previously
// received request back onto the event loop, so the marshal/cache/write
// it triggers happens from the one goroutine that owns the store and
// the wire.
type respondJob struct {
	ex     *Exchange
	resp   Message
	result chan error
}

// notifyJob carries an application-supplied observe notification onto
// the event loop, where Exchange.Stash enforces the single-CON-in-flight
// rule (spec §4.6) before it is handed to the pipeline.
type notifyJob struct {
	peer   net.Addr
	token  []byte
	notif  Message
	result chan error
}

// NewEndpoint binds channel and starts the event loop. cfg.Logger is
// used as-is if set, otherwise a console logger is created (spec
// ambient logging).
func NewEndpoint(channel *Channel, cfg Config) *Endpoint {
	if cfg.Logger == nil {
		cfg.Logger = newDefaultLogger()
	}
	e := &Endpoint{
		cfg:      cfg,
		store:    NewStore(cfg),
		timers:   NewTimerQueue(),
		channel:  channel,
		metrics:  NewMetrics(),
		log:      cfg.Logger,
		incoming:   make(chan rawPacket, cfg.ChannelReceivePacketSize),
		sendReq:    make(chan *sendJob, 64),
		cancelReq:  make(chan *cancelJob, 16),
		respondReq: make(chan *respondJob, 64),
		notifyReq:  make(chan *notifyJob, 64),
		closeCh:    make(chan struct{}),
		closed:     make(chan struct{}),
		pending:    make(map[*Exchange]*sendJob),
	}

	reliability := &ReliabilityLayer{cfg: cfg, timers: e.timers, metrics: e.metrics,
		send: func(raw []byte, peer net.Addr) error { return e.channel.WriteRaw(raw, peer) }}
	blockwise := &BlockwiseLayer{cfg: cfg, metrics: e.metrics}
	observe := &ObserveLayer{cfg: cfg, metrics: e.metrics}
	e.reliability = reliability
	e.pipeline = NewPipeline(observe, blockwise, reliability)

	go e.readLoop()
	go e.loop()
	return e
}

func (e *Endpoint) readLoop() {
	buf := make([]byte, e.cfg.MaxMessageSize+256)
	for {
		select {
		case <-e.closeCh:
			return
		default:
		}
		msg, addr, ok, err := e.channel.ReadFrom(buf, 200*time.Millisecond)
		if err != nil {
			if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
				continue
			}
			select {
			case <-e.closeCh:
				return
			default:
				e.log.Warn("coap: read error: %v", err)
				continue
			}
		}
		if !ok {
			continue
		}
		select {
		case e.incoming <- rawPacket{msg: msg, addr: addr}:
		case <-e.closeCh:
			return
		}
	}
}

func (e *Endpoint) loop() {
	defer close(e.closed)
	for {
		var timeoutC <-chan time.Time
		if d, ok := e.timers.NextDeadline(); ok {
			timeoutC = time.After(time.Until(d))
		} else {
			timeoutC = time.After(e.cfg.MarkAndSweepInterval)
		}

		select {
		case <-e.closeCh:
			return
		case pkt := <-e.incoming:
			e.handleIncoming(pkt)
		case job := <-e.sendReq:
			e.handleSend(job)
		case job := <-e.cancelReq:
			e.handleCancel(job)
		case job := <-e.respondReq:
			e.handleRespond(job)
		case job := <-e.notifyReq:
			e.handleNotify(job)
		case now := <-timeoutC:
			e.timers.Fire(now)
			e.store.Sweep(now, e.cfg.ExchangeLifetime)
		}
	}
}

func (e *Endpoint) handleSend(job *sendJob) {
	req := job.req
	if req.MessageID == 0 {
		req.MessageID = e.store.AllocateID(job.peer)
	}
	// An empty message (code 0.00, e.g. Ping) MUST NOT carry a token
	// (RFC 7252 §4.3 / Message.Validate); only assign and index one for
	// an actual request.
	if !req.IsEmpty() && len(req.Token) == 0 {
		req.Token = e.store.AllocateToken(job.peer)
	}

	bridge := &bridgeObserver{e: e, job: job, external: job.observer}
	ex := NewExchange(OriginLocal, job.peer, &req, bridge)
	if req.Option(Observe) != nil {
		ex.Relation = NewObserveRelation(job.peer)
	}
	e.store.PutByID(job.peer, req.MessageID, ex)
	if len(req.Token) > 0 {
		e.store.PutByToken(job.peer, req.Token, ex)
	}
	e.metrics.ExchangesStarted.Inc()
	e.metrics.InFlightExchanges.Inc()
	e.pending[ex] = job

	if err := e.pipeline.SendRequest(ex, &req); err != nil {
		delete(e.pending, ex)
		e.store.Remove(ex)
		job.result <- sendResult{err: err}
		return
	}
	if req.Type != Confirmable {
		// Non-confirmable: there is no ACK to wait for, so the
		// exchange resolves as soon as a matching response arrives or
		// the request timeout elapses.
		e.timers.Schedule(time.Now().Add(e.cfg.RequestTimeout), func(now time.Time) {
			if !ex.Completed {
				ex.fireTimedOut()
			}
		})
	}
}

// bridgeObserver adapts the per-Exchange Observer callbacks back onto
// the Endpoint's pending-send bookkeeping, then forwards to whatever
// Observer the caller supplied (if any) — a user Observer for Observe,
// a result-channel adapter for Ping, or nothing for a plain Send.
type bridgeObserver struct {
	e        *Endpoint
	job      *sendJob
	external Observer
}

func (b *bridgeObserver) Acknowledged(ex *Exchange) {
	if b.external != nil {
		b.external.Acknowledged(ex)
	}
}

func (b *bridgeObserver) Rejected(ex *Exchange) {
	b.e.resolvePending(ex, nil, ErrRejected)
	b.e.finish(ex)
	if b.external != nil {
		b.external.Rejected(ex)
	}
}

func (b *bridgeObserver) TimedOut(ex *Exchange) {
	b.e.resolvePending(ex, nil, ErrTimeout)
	b.e.finish(ex)
	if b.external != nil {
		b.external.TimedOut(ex)
	}
}

func (b *bridgeObserver) Responded(ex *Exchange, resp *Message) {
	if b.external != nil {
		b.external.Responded(ex, resp)
	}
}

func (b *bridgeObserver) Cancelled(ex *Exchange) {
	b.e.finish(ex)
	if b.external != nil {
		b.external.Cancelled(ex)
	}
}

func (b *bridgeObserver) Reregistering(ex *Exchange) {
	if b.external != nil {
		b.external.Reregistering(ex)
	}
}

// relationObserver drives the single-CON-in-flight notification queue
// for a server-role relation (spec §4.6, Universal Invariant #5): once
// the in-transit notification is acknowledged or times out, whatever was
// stashed behind it (if anything) is sent next. An RST cancels the
// relation instead.
type relationObserver struct {
	NoopObserver
	e *Endpoint
}

func (r *relationObserver) Acknowledged(ex *Exchange) { r.e.promoteStashed(ex) }
func (r *relationObserver) TimedOut(ex *Exchange)     { r.e.promoteStashed(ex) }
func (r *relationObserver) Rejected(ex *Exchange)      { ex.CancelRelation() }

func (e *Endpoint) handleIncoming(pkt rawPacket) {
	m := pkt.msg

	if m.IsEmpty() {
		ex, ok := e.store.LookupByID(pkt.addr, m.MessageID)
		if !ok {
			return
		}
		e.pipeline.ReceiveEmptyMessage(ex, &m)
		if ex.Completed {
			e.finish(ex)
		}
		return
	}

	if m.Code.IsRequest() {
		// Inbound request dispatch (building a resource tree, deciding
		// what to answer) is out of scope for this client-endpoint
		// façade; an application server builds its own handler on top
		// of Store and Pipeline. Dedup re-emission of an already-sent
		// answer (spec §4.3, Universal Invariant #6) is not optional,
		// though: it is core Store/Matcher behavior, so a duplicate CON/
		// NON is answered with the cached wire bytes instead of being
		// handed to the pipeline a second time.
		if dupEx, dup := e.store.Duplicate(pkt.addr, m.MessageID); dup {
			if len(dupEx.cachedACK) > 0 {
				e.channel.WriteRaw(dupEx.cachedACK, pkt.addr)
			}
			return
		}
		_, isObserve := m.Uint(Observe)
		var observer Observer = NoopObserver{}
		if isObserve {
			observer = &relationObserver{e: e}
		}
		ex := NewExchange(OriginRemote, pkt.addr, &m, observer)
		e.store.PutByID(pkt.addr, m.MessageID, ex)
		if len(m.Token) > 0 {
			e.store.PutByToken(pkt.addr, m.Token, ex)
		}
		if isObserve {
			ex.Relation = NewObserveRelation(pkt.addr)
		}
		e.pipeline.ReceiveRequest(ex, &m)
		return
	}

	// Response.
	ex, ok := e.store.LookupByToken(pkt.addr, m.Token)
	if !ok {
		return
	}
	if m.HasUnrecognizedCriticalOption() {
		e.resolvePending(ex, nil, ErrBadOption)
		e.finish(ex)
		return
	}
	if err := e.pipeline.ReceiveResponse(ex, &m); err != nil {
		if errors.Is(err, ErrHalt) {
			// ErrHalt comes either from the blockwise layer (a BLOCK2
			// fragment with more to follow: ask for the next one) or
			// from the observe layer (a stale notification: drop it).
			// Either way the exchange is not resolved yet.
			if v, ok := m.Uint(Block2); ok {
				if _, _, more := DecodeBlockOption(v); more {
					e.continueBlockwise(ex)
				}
			}
		}
		return
	}

	if ex.Relation != nil && ex.Relation.Cancelled {
		e.finish(ex)
		return
	}
	resp := m
	ex.fireResponded(&resp)
	e.resolvePending(ex, &resp, nil)

	if ex.Relation == nil {
		e.finish(ex)
	} else if !ex.Relation.Established {
		ex.Relation.Established = true
		ArmReregistration(ex, e.cfg, time.Now())
	}
}

func (e *Endpoint) handleCancel(job *cancelJob) {
	ex, ok := e.store.LookupByToken(job.peer, job.token)
	if !ok {
		return
	}
	ex.CancelRelation()
	e.finish(ex)
}

// handleRespond marshals, wire-sends, and caches job.resp as the answer
// to the request that created job.ex, arming CON retransmission if
// job.resp.Type is Confirmable (spec §4.3, §4.4). It reaches
// ReliabilityLayer.SendResponse through the pipeline (as sendNotification
// does for notifications), so a subsequent duplicate of the original
// request can be answered by replaying ex.cachedACK instead of being
// reprocessed.
func (e *Endpoint) handleRespond(job *respondJob) {
	resp := job.resp
	resp.MessageID = job.ex.Request.MessageID
	resp.Token = job.ex.Request.Token
	if job.ex.Request.Type == Confirmable {
		resp.Type = Acknowledgement
	} else if resp.Type == Acknowledgement {
		resp.Type = NonConfirmable
	}
	job.result <- e.pipeline.SendResponse(job.ex, &resp)
}

// handleNotify looks up the relation identified by (peer, token) and
// either sends notif immediately or parks it behind the notification
// currently in transit, per Exchange.Stash (spec §4.6).
func (e *Endpoint) handleNotify(job *notifyJob) {
	ex, ok := e.store.LookupByToken(job.peer, job.token)
	if !ok || ex.Relation == nil || ex.Relation.Cancelled {
		job.result <- ErrNotObserving
		return
	}
	notif := job.notif
	notif.Token = job.token
	send, stashed := ex.Stash(&notif)
	if stashed {
		job.result <- nil
		return
	}
	job.result <- e.sendNotification(ex, send)
}

// sendNotification is the sender-side point at which a periodic
// liveness check promotes an otherwise-NonConfirmable notification to
// Confirmable (RFC 7641 §4.5): the decision has to happen here, before
// the datagram is marshalled, not after something has already arrived
// off the wire.
func (e *Endpoint) sendNotification(ex *Exchange, notif *Message) error {
	now := time.Now()
	notif.MessageID = e.store.AllocateID(ex.Peer)
	if ex.Relation.lastCheckTime.IsZero() {
		ex.Relation.lastCheckTime = now
	}
	ex.Relation.notificationsSinceCheck++
	if ex.Relation.NeedsConfirmableCheck(e.cfg, now) {
		notif.Type = Confirmable
		ex.Relation.MarkChecked(now)
	}
	e.store.PutByID(ex.Peer, notif.MessageID, ex)
	return e.pipeline.SendResponse(ex, notif)
}

// promoteStashed sends whatever notification was parked behind the one
// that just resolved, if any (spec §4.6).
func (e *Endpoint) promoteStashed(ex *Exchange) {
	next := ex.PromoteStashed()
	if next == nil {
		return
	}
	e.sendNotification(ex, next)
}

// continueBlockwise re-issues ex's request with an updated Block2
// option asking for the next fragment of a download in progress.
func (e *Endpoint) continueBlockwise(ex *Exchange) {
	next := *ex.Request
	next.MessageID = e.store.AllocateID(ex.Peer)
	next.SetOption(Block2, NextBlock2Request(ex))
	e.store.PutByID(ex.Peer, next.MessageID, ex)
	ex.Request = &next
	e.pipeline.SendRequest(ex, &next)
}

func (e *Endpoint) resolvePending(ex *Exchange, resp *Message, err error) {
	job, ok := e.pending[ex]
	if !ok {
		return
	}
	delete(e.pending, ex)
	job.result <- sendResult{resp: resp, err: err}
}

func (e *Endpoint) finish(ex *Exchange) {
	if !ex.finished {
		ex.finished = true
		if ex.Origin == OriginLocal {
			e.metrics.InFlightExchanges.Dec()
		}
	}
	ex.Completed = true
	e.store.Remove(ex)
	delete(e.pending, ex)
}

// Send transmits req to peer and blocks for a matching response, an
// explicit rejection, or cfg.RequestTimeout, whichever comes first
// (spec §6).
func (e *Endpoint) Send(req Message, peer net.Addr) (*Message, error) {
	job := &sendJob{req: req, peer: peer, result: make(chan sendResult, 1)}
	select {
	case <-e.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case e.sendReq <- job:
	case <-e.closed:
		return nil, ErrClosed
	}
	select {
	case r := <-job.result:
		return r.resp, r.err
	case <-time.After(e.cfg.RequestTimeout):
		return nil, ErrTimeout
	}
}

// Observe sets req's Observe option to 0 (register), issues it, and
// delivers every accepted notification to observer until the relation
// is cancelled (spec §4.6).
func (e *Endpoint) Observe(req Message, peer net.Addr, observer Observer) (*Message, error) {
	req.SetOption(Observe, uint32(0))
	job := &sendJob{req: req, peer: peer, observer: observer, result: make(chan sendResult, 1)}
	select {
	case e.sendReq <- job:
	case <-e.closed:
		return nil, ErrClosed
	}
	select {
	case r := <-job.result:
		return r.resp, r.err
	case <-time.After(e.cfg.RequestTimeout):
		return nil, ErrTimeout
	}
}

// Ping sends an empty Confirmable message and reports whether the peer
// answered with a Reset, the canonical CoAP liveness check (spec §6).
func (e *Endpoint) Ping(peer net.Addr) (bool, error) {
	req := NewEmpty(Confirmable, 0)
	result := make(chan bool, 1)
	observer := &pingObserver{result: result}
	job := &sendJob{req: req, peer: peer, observer: observer, result: make(chan sendResult, 1)}
	select {
	case e.sendReq <- job:
	case <-e.closed:
		return false, ErrClosed
	}
	select {
	case ok := <-result:
		return ok, nil
	case <-time.After(e.cfg.RequestTimeout):
		return false, ErrTimeout
	}
}

type pingObserver struct {
	NoopObserver
	result chan bool
}

func (p *pingObserver) Rejected(*Exchange)    { p.result <- true }
func (p *pingObserver) TimedOut(*Exchange)    { p.result <- false }
func (p *pingObserver) Acknowledged(*Exchange) { p.result <- false }

// CancelObserve cancels an established relation identified by the token
// returned as part of the initial Observe response (spec §4.6). It is
// fire-and-forget: there is no RFC-mandated acknowledgement for an
// observer unsubscribing.
func (e *Endpoint) CancelObserve(peer net.Addr, token []byte) {
	job := &cancelJob{peer: peer, token: token}
	select {
	case e.cancelReq <- job:
	case <-e.closed:
	}
}

// Respond answers a request previously delivered to an application
// handler via Store/Pipeline, caching the wire bytes so a duplicate
// CON/NON of that request is answered by replay instead of being
// reprocessed (spec §4.3, Universal Invariant #6).
func (e *Endpoint) Respond(ex *Exchange, resp Message) error {
	job := &respondJob{ex: ex, resp: resp, result: make(chan error, 1)}
	select {
	case e.respondReq <- job:
	case <-e.closed:
		return ErrClosed
	}
	select {
	case err := <-job.result:
		return err
	case <-e.closed:
		return ErrClosed
	}
}

// Notify pushes an observe notification for the relation identified by
// (peer, token), enforcing the single-CON-in-flight ordering rule from
// spec §4.6: if a Confirmable notification for this relation is still
// in transit, notif is queued and sent once that one resolves.
func (e *Endpoint) Notify(peer net.Addr, token []byte, notif Message) error {
	job := &notifyJob{peer: peer, token: token, notif: notif, result: make(chan error, 1)}
	select {
	case e.notifyReq <- job:
	case <-e.closed:
		return ErrClosed
	}
	select {
	case err := <-job.result:
		return err
	case <-e.closed:
		return ErrClosed
	}
}

// Metrics returns the endpoint's Prometheus registry for scraping.
func (e *Endpoint) Metrics() *Metrics { return e.metrics }

// Close stops the event loop and releases the underlying channel.
func (e *Endpoint) Close() error {
	close(e.closeCh)
	err := e.channel.Close()
	<-e.closed
	return err
}
