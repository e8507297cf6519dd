package coap

import (
	"testing"
	"time"
)

type recordingObserver struct {
	NoopObserver
	acked, rejected, timedOut, cancelled int
}

func (r *recordingObserver) Acknowledged(*Exchange) { r.acked++ }
func (r *recordingObserver) Rejected(*Exchange)     { r.rejected++ }
func (r *recordingObserver) TimedOut(*Exchange)     { r.timedOut++ }
func (r *recordingObserver) Cancelled(*Exchange)    { r.cancelled++ }

func newTestExchange(obs Observer) *Exchange {
	req := NewRequest(Confirmable, GET, nil)
	return NewExchange(OriginLocal, testAddrStub{}, &req, obs)
}

type testAddrStub struct{}

func (testAddrStub) Network() string { return "udp" }
func (testAddrStub) String() string  { return "127.0.0.1:5683" }

func TestStartReliabilityArmsInTransit(t *testing.T) {
	cfg := Config{AckTimeout: 2 * time.Second, AckRandomFactor: 1.5}
	ex := newTestExchange(&recordingObserver{})
	now := time.Now()

	StartReliability(ex, cfg, []byte{0x40, 0x01}, now)

	if ex.ReliabilityStatus() != StatusInTransit {
		t.Fatalf("status = %v, want InTransit", ex.ReliabilityStatus())
	}
	if ex.retransmit.deadline.Before(now.Add(cfg.AckTimeout)) {
		t.Fatal("deadline should be at least AckTimeout out (factor >= 1)")
	}
	if ex.retransmit.deadline.After(now.Add(cfg.AckTimeout * 3 / 2)) {
		t.Fatal("deadline should not exceed AckTimeout * AckRandomFactor")
	}
}

func TestDueRetransmitsBeforeDeadline(t *testing.T) {
	cfg := Config{AckTimeout: time.Second, AckRandomFactor: 1, MaxRetransmit: 4}
	ex := newTestExchange(&recordingObserver{})
	now := time.Now()
	StartReliability(ex, cfg, []byte{0x40}, now)

	retransmit, timedOut := ex.DueRetransmits(cfg, now)
	if retransmit || timedOut {
		t.Fatal("should not be due before its deadline")
	}
}

func TestRetransmittedDoublesBackoff(t *testing.T) {
	cfg := Config{AckTimeout: time.Second, AckRandomFactor: 1, AckTimeoutScale: 2, MaxRetransmit: 4}
	ex := newTestExchange(&recordingObserver{})
	now := time.Now()
	StartReliability(ex, cfg, []byte{0x40}, now)

	t0 := ex.retransmit.timeout
	ex.Retransmitted(cfg, now.Add(t0))
	if ex.retransmit.timeout != t0*2 {
		t.Fatalf("timeout after first retransmit = %v, want %v", ex.retransmit.timeout, t0*2)
	}
	if ex.RetransmitCount() != 1 {
		t.Fatalf("RetransmitCount() = %d, want 1", ex.RetransmitCount())
	}
}

func TestDueRetransmitsTimesOutAfterMaxRetransmit(t *testing.T) {
	cfg := Config{AckTimeout: time.Millisecond, AckRandomFactor: 1, AckTimeoutScale: 2, MaxRetransmit: 2}
	ex := newTestExchange(&recordingObserver{})
	now := time.Now()
	StartReliability(ex, cfg, []byte{0x40}, now)

	for i := 0; i < cfg.MaxRetransmit; i++ {
		now = ex.retransmit.deadline
		retransmit, timedOut := ex.DueRetransmits(cfg, now)
		if !retransmit || timedOut {
			t.Fatalf("iteration %d: retransmit=%v timedOut=%v, want true,false", i, retransmit, timedOut)
		}
		ex.Retransmitted(cfg, now)
	}

	now = ex.retransmit.deadline
	retransmit, timedOut := ex.DueRetransmits(cfg, now)
	if retransmit || !timedOut {
		t.Fatalf("after MaxRetransmit: retransmit=%v timedOut=%v, want false,true", retransmit, timedOut)
	}
	if ex.ReliabilityStatus() != StatusTimedOut {
		t.Fatalf("status = %v, want TimedOut", ex.ReliabilityStatus())
	}
}

func TestAcknowledgeFiresObserver(t *testing.T) {
	obs := &recordingObserver{}
	ex := newTestExchange(obs)
	StartReliability(ex, Config{AckTimeout: time.Second}, []byte{0x40}, time.Now())

	ex.Acknowledge()

	if ex.ReliabilityStatus() != StatusAcknowledged {
		t.Fatalf("status = %v, want Acknowledged", ex.ReliabilityStatus())
	}
	if obs.acked != 1 {
		t.Fatalf("acked = %d, want 1", obs.acked)
	}
}

func TestRejectFiresObserverAndCompletes(t *testing.T) {
	obs := &recordingObserver{}
	ex := newTestExchange(obs)
	StartReliability(ex, Config{AckTimeout: time.Second}, []byte{0x40}, time.Now())

	ex.Reject()

	if ex.ReliabilityStatus() != StatusRejected {
		t.Fatalf("status = %v, want Rejected", ex.ReliabilityStatus())
	}
	if !ex.Completed {
		t.Fatal("expected Completed to be set after Reject")
	}
	if obs.rejected != 1 {
		t.Fatalf("rejected = %d, want 1", obs.rejected)
	}
}

func TestCancelFiresObserverAndCompletes(t *testing.T) {
	obs := &recordingObserver{}
	ex := newTestExchange(obs)
	StartReliability(ex, Config{AckTimeout: time.Second}, []byte{0x40}, time.Now())

	ex.Cancel()

	if ex.ReliabilityStatus() != StatusCancelled {
		t.Fatalf("status = %v, want Cancelled", ex.ReliabilityStatus())
	}
	if !ex.Cancelled || !ex.Completed {
		t.Fatal("expected Cancelled and Completed both set")
	}
	if obs.cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", obs.cancelled)
	}
}

func TestReliabilityStatusFreshWithoutRetransmitState(t *testing.T) {
	ex := newTestExchange(&recordingObserver{})
	if ex.ReliabilityStatus() != StatusFresh {
		t.Fatalf("status = %v, want Fresh for a non-Confirmable exchange", ex.ReliabilityStatus())
	}
	if ex.RetransmitCount() != 0 {
		t.Fatalf("RetransmitCount() = %d, want 0", ex.RetransmitCount())
	}
}
