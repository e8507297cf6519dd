package coap

import (
	"testing"
	"time"
)

func TestFresherAcceptsFirstNotification(t *testing.T) {
	r := NewObserveRelation(testAddrStub{})
	if !r.Fresher(5, time.Now()) {
		t.Fatal("the first notification on a relation must always be fresher")
	}
}

func TestFresherSerialNumberComparison(t *testing.T) {
	r := NewObserveRelation(testAddrStub{})
	now := time.Now()
	r.Accept(10, now)

	if !r.Fresher(11, now.Add(time.Second)) {
		t.Fatal("11 should be fresher than 10")
	}
	if r.Fresher(9, now.Add(time.Second)) {
		t.Fatal("9 should not be fresher than 10")
	}
}

func TestFresherHandlesWraparound(t *testing.T) {
	r := NewObserveRelation(testAddrStub{})
	now := time.Now()
	r.Accept(observeCounterMask, now)

	if !r.Fresher(1, now.Add(time.Second)) {
		t.Fatal("counter wraparound from 0xFFFFFF to 1 should still read as fresher")
	}
}

func TestFresherElapsedTimeFallback(t *testing.T) {
	r := NewObserveRelation(testAddrStub{})
	now := time.Now()
	r.Accept(100, now)

	// Even a numerically "older" counter is accepted once 128s have
	// passed, since ordering by counter is no longer safe.
	if !r.Fresher(50, now.Add(129*time.Second)) {
		t.Fatal("expected fallback-fresh after 128s elapsed")
	}
}

func TestAcceptRejectsStale(t *testing.T) {
	r := NewObserveRelation(testAddrStub{})
	now := time.Now()
	r.Accept(10, now)

	if r.Accept(10, now) {
		t.Fatal("re-delivering the same counter must not be accepted")
	}
	if r.Accept(9, now) {
		t.Fatal("an older counter must not be accepted")
	}
}

func TestStashSingleCONInFlight(t *testing.T) {
	ex := &Exchange{Relation: &ObserveRelation{}, observer: NoopObserver{}}
	req := NewRequest(Confirmable, GET, []byte{0x01})
	ex.Request = &req
	StartReliability(ex, Config{AckTimeout: time.Second}, []byte{0x40}, time.Now())

	n1 := NewAck(1)
	send, stashed := ex.Stash(&n1)
	if stashed || send != &n1 {
		t.Fatal("first notification with nothing in transit should send immediately")
	}

	n2 := NewAck(2)
	send, stashed = ex.Stash(&n2)
	if !stashed || send != nil {
		t.Fatal("second notification while the first CON is in transit must be stashed")
	}

	ex.Acknowledge()
	promoted := ex.PromoteStashed()
	if promoted != &n2 {
		t.Fatal("PromoteStashed should return the stashed notification once the in-transit one resolves")
	}
	if ex.PromoteStashed() != nil {
		t.Fatal("expected no further stashed notification")
	}
}

func TestStashWithoutRelationSendsImmediately(t *testing.T) {
	ex := &Exchange{}
	n := NewAck(1)
	send, stashed := ex.Stash(&n)
	if stashed || send != &n {
		t.Fatal("an exchange with no Relation should never stash")
	}
}

func TestNeedsConfirmableCheckByCount(t *testing.T) {
	cfg := Config{NotificationCheckIntervalCount: 3, NotificationCheckIntervalTime: time.Hour}
	r := &ObserveRelation{notificationsSinceCheck: 3}
	if !r.NeedsConfirmableCheck(cfg, time.Now()) {
		t.Fatal("expected a confirmable check once the notification count threshold is reached")
	}
}

func TestNeedsConfirmableCheckByTime(t *testing.T) {
	cfg := Config{NotificationCheckIntervalCount: 1000, NotificationCheckIntervalTime: time.Minute}
	now := time.Now()
	r := &ObserveRelation{lastCheckTime: now.Add(-2 * time.Minute)}
	if !r.NeedsConfirmableCheck(cfg, now) {
		t.Fatal("expected a confirmable check once the time threshold elapses")
	}
}

func TestMarkCheckedResetsCounters(t *testing.T) {
	now := time.Now()
	r := &ObserveRelation{notificationsSinceCheck: 5}
	r.MarkChecked(now)
	if r.notificationsSinceCheck != 0 || !r.lastCheckTime.Equal(now) {
		t.Fatal("MarkChecked should reset the count and stamp the check time")
	}
}

func TestReregistrationDueAndRearm(t *testing.T) {
	cfg := Config{NotificationMaxAge: time.Second, NotificationReregistrationBackoff: 500 * time.Millisecond}
	now := time.Now()
	req := NewRequest(Confirmable, GET, []byte{0xAB})
	ex := &Exchange{Request: &req}

	ArmReregistration(ex, cfg, now)
	if ex.Reregistration.Due(now) {
		t.Fatal("should not be due immediately after arming")
	}
	later := now.Add(2 * time.Second)
	if !ex.Reregistration.Due(later) {
		t.Fatal("should be due once MaxAge has elapsed")
	}

	ex.Reregistration.Rearm(cfg, later)
	if ex.Reregistration.Backoff != cfg.NotificationMaxAge+cfg.NotificationReregistrationBackoff {
		t.Fatalf("Backoff after Rearm = %v", ex.Reregistration.Backoff)
	}
}

func TestCancelRelationClearsState(t *testing.T) {
	ex := &Exchange{Relation: &ObserveRelation{Established: true}, Reregistration: &ReregistrationContext{}}
	ex.CancelRelation()
	if !ex.Relation.Cancelled || ex.Relation.Established {
		t.Fatal("CancelRelation should mark the relation cancelled and unestablished")
	}
	if ex.Reregistration != nil {
		t.Fatal("CancelRelation should clear any armed re-registration timer")
	}
}
