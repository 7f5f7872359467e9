package subscription

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
	"testing"

	"subledger/core/events"
	"subledger/core/state"
	"subledger/core/types"
	"subledger/native/agents"
	"subledger/native/common"
	"subledger/native/sublog"
	"subledger/storage"
)

type signerSet map[[20]byte]bool

func (s signerSet) RequireAuth(addr [20]byte) error {
	if !s[addr] {
		return errors.New("missing signature")
	}
	return nil
}

type harness struct {
	t        *testing.T
	state    *state.Manager
	engine   *Engine
	events   *events.Buffer
	signers  signerSet
	height   uint32
	now      int64
	admin    [20]byte
	owner    [20]byte
	merchant [20]byte
}

func testAddr(b byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		state:    state.NewManager(storage.NewMemDB()),
		events:   &events.Buffer{},
		now:      1_700_000_000,
		admin:    testAddr(0xaa),
		owner:    testAddr(0x01),
		merchant: testAddr(0x02),
	}
	h.signers = signerSet{h.admin: true, h.owner: true}
	h.engine = NewEngine()
	h.engine.SetState(h.state)
	h.engine.SetEmitter(h.events)
	h.engine.SetAuthorizer(h.signers)
	h.engine.SetHeightFunc(func() uint32 { return h.height })
	h.engine.SetNowFunc(func() int64 { return h.now })
	return h
}

// newSubscribedHarness initialises the protocol and creates subscription 1
// with amount 500, frequency 86400 and cap 1000.
func newSubscribedHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	if err := h.engine.Init(h.admin); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := h.engine.InitSub(InitParams{
		ID:          1,
		Owner:       h.owner,
		Merchant:    h.merchant,
		Amount:      big.NewInt(500),
		Frequency:   86400,
		SpendingCap: big.NewInt(1000),
	}); err != nil {
		t.Fatalf("init sub: %v", err)
	}
	return h
}

// call runs fn the way the host does: every write and event of a failing call
// is dropped.
func (h *harness) call(fn func() error) error {
	snap := h.state.Snapshot()
	mark := h.events.Len()
	err := fn()
	if err != nil {
		h.state.RevertToSnapshot(snap)
		h.events.Truncate(mark)
	}
	return err
}

func (h *harness) eventsOfType(eventType string) []types.Event {
	var out []types.Event
	for _, evt := range h.events.Events() {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func (h *harness) approve(approvalID uint64, maxSpend int64, expiresAt uint32) {
	h.t.Helper()
	if _, err := h.engine.ApproveRenewal(1, approvalID, big.NewInt(maxSpend), expiresAt); err != nil {
		h.t.Fatalf("approve %d: %v", approvalID, err)
	}
}

func (h *harness) lock(timeout uint32) {
	h.t.Helper()
	if _, err := h.engine.AcquireRenewalLock(1, timeout); err != nil {
		h.t.Fatalf("acquire lock: %v", err)
	}
}

func (h *harness) sub() *Subscription {
	h.t.Helper()
	sub, err := h.engine.Subscription(1)
	if err != nil {
		h.t.Fatalf("get sub: %v", err)
	}
	return sub
}

func renewRequest(approvalID, cycleID uint64, succeed bool) RenewRequest {
	return RenewRequest{
		SubscriptionID: 1,
		ApprovalID:     approvalID,
		Amount:         big.NewInt(500),
		MaxRetries:     3,
		Cooldown:       10,
		CycleID:        cycleID,
		Succeed:        succeed,
	}
}

func TestInitAndPause(t *testing.T) {
	h := newHarness(t)

	paused, err := h.engine.IsPaused()
	if err != nil || paused {
		t.Fatalf("expected unpaused before init, got %v %v", paused, err)
	}
	if err := h.engine.SetPaused(true); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := h.engine.Init(h.admin); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := h.engine.Init(h.admin); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}

	delete(h.signers, h.admin)
	if err := h.engine.SetPaused(true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	h.signers[h.admin] = true
	if err := h.engine.SetPaused(true); err != nil {
		t.Fatalf("set paused: %v", err)
	}
	if paused, _ := h.engine.IsPaused(); !paused {
		t.Fatalf("expected paused")
	}
	if _, err := h.engine.AcquireRenewalLock(1, 10); !errors.Is(err, ErrProtocolPaused) {
		t.Fatalf("expected ErrProtocolPaused on lock, got %v", err)
	}
	if _, err := h.engine.Renew(renewRequest(1, 1, true)); !errors.Is(err, ErrProtocolPaused) {
		t.Fatalf("expected ErrProtocolPaused on renew, got %v", err)
	}
	if len(h.eventsOfType(EventTypePaused)) != 1 {
		t.Fatalf("expected one pause event")
	}
}

func TestInitSubCreatesActiveRecord(t *testing.T) {
	h := newSubscribedHarness(t)

	sub := h.sub()
	if sub.State != StateActive || sub.FailureCount != 0 || sub.LastAttemptHeight != 0 {
		t.Fatalf("unexpected record: %+v", sub)
	}
	if sub.Digest != ComputeDigest(h.merchant, big.NewInt(500), 86400, big.NewInt(1000)) {
		t.Fatalf("digest mismatch")
	}
	ts, err := h.engine.Timestamps(1)
	if err != nil {
		t.Fatalf("timestamps: %v", err)
	}
	if ts.CreatedAt != uint64(h.now) || ts.ActivatedAt != uint64(h.now) || ts.LastRenewedAt != 0 || ts.CanceledAt != 0 {
		t.Fatalf("unexpected timestamps: %+v", ts)
	}
	lifecycle := h.eventsOfType(EventTypeLifecycleUpdated)
	if len(lifecycle) != 2 {
		t.Fatalf("expected 2 lifecycle events, got %d", len(lifecycle))
	}
	if lifecycle[0].Attributes["kind"] != "1" || lifecycle[1].Attributes["kind"] != "2" {
		t.Fatalf("unexpected lifecycle kinds: %v %v", lifecycle[0].Attributes, lifecycle[1].Attributes)
	}
}

func TestInitSubValidation(t *testing.T) {
	h := newSubscribedHarness(t)
	base := InitParams{ID: 2, Owner: h.owner, Merchant: h.merchant, Amount: big.NewInt(1), Frequency: 1, SpendingCap: big.NewInt(1)}

	zeroAmount := base
	zeroAmount.Amount = big.NewInt(0)
	if _, err := h.engine.InitSub(zeroAmount); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	zeroFreq := base
	zeroFreq.Frequency = 0
	if _, err := h.engine.InitSub(zeroFreq); !errors.Is(err, ErrInvalidFrequency) {
		t.Fatalf("expected ErrInvalidFrequency, got %v", err)
	}
	huge := base
	huge.Amount = new(big.Int).Lsh(big.NewInt(1), 127)
	if _, err := h.engine.InitSub(huge); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
	dup := base
	dup.ID = 1
	if _, err := h.engine.InitSub(dup); !errors.Is(err, ErrSubscriptionExists) {
		t.Fatalf("expected ErrSubscriptionExists, got %v", err)
	}
	stranger := base
	stranger.Owner = testAddr(0x77)
	if _, err := h.engine.InitSub(stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestApprovalConsumedAtMostOnce(t *testing.T) {
	h := newSubscribedHarness(t)
	h.approve(1, 1000, 100)

	reason, err := h.engine.ConsumeApproval(1, 1, big.NewInt(10))
	if err != nil || reason != RejectNone {
		t.Fatalf("first consume: %v %v", reason, err)
	}
	reason, err = h.engine.ConsumeApproval(1, 1, big.NewInt(1))
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if reason != RejectUsed {
		t.Fatalf("expected RejectUsed, got %v", reason)
	}
	rejected := h.eventsOfType(EventTypeApprovalRejected)
	if len(rejected) != 1 || rejected[0].Attributes["reason"] != "2" {
		t.Fatalf("unexpected rejection events: %+v", rejected)
	}
}

func TestApprovalRejectionOrder(t *testing.T) {
	h := newSubscribedHarness(t)

	if reason, _ := h.engine.ConsumeApproval(1, 9, big.NewInt(1)); reason != RejectNotFound {
		t.Fatalf("expected RejectNotFound, got %v", reason)
	}

	h.approve(2, 100, 50)
	h.height = 51
	if reason, _ := h.engine.ConsumeApproval(1, 2, big.NewInt(1_000_000)); reason != RejectExpired {
		t.Fatalf("expected RejectExpired to win over amount, got %v", reason)
	}

	h.height = 50
	if reason, _ := h.engine.ConsumeApproval(1, 2, big.NewInt(101)); reason != RejectAmountExceeded {
		t.Fatalf("expected RejectAmountExceeded, got %v", reason)
	}
	approval, ok, err := h.engine.Approval(1, 2)
	if err != nil || !ok || approval.Used {
		t.Fatalf("rejections must leave the approval unused: %+v %v %v", approval, ok, err)
	}
	if reason, _ := h.engine.ConsumeApproval(1, 2, big.NewInt(100)); reason != RejectNone {
		t.Fatalf("expected consumption at the expiry height, got %v", reason)
	}
}

func TestApproveRequiresOwner(t *testing.T) {
	h := newSubscribedHarness(t)
	delete(h.signers, h.owner)
	if _, err := h.engine.ApproveRenewal(1, 1, big.NewInt(10), 10); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.ApproveRenewal(99, 1, big.NewInt(10), 10); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestLockWindow(t *testing.T) {
	h := newSubscribedHarness(t)
	h.height = 10
	h.lock(200)

	h.height = 209
	if _, err := h.engine.AcquireRenewalLock(1, 200); !errors.Is(err, ErrLockActive) {
		t.Fatalf("expected ErrLockActive before expiry, got %v", err)
	}
	h.height = 210
	lock, err := h.engine.AcquireRenewalLock(1, 5)
	if err != nil {
		t.Fatalf("reacquire at expiry: %v", err)
	}
	if lock.LockedAt != 210 || lock.Timeout != 5 {
		t.Fatalf("unexpected lock: %+v", lock)
	}
	if len(h.eventsOfType(EventTypeLockExpired)) != 1 {
		t.Fatalf("expected lock expired event")
	}
	if len(h.eventsOfType(EventTypeLockAcquired)) != 2 {
		t.Fatalf("expected two lock acquired events")
	}
}

func TestLockAcquiredTwiceWithoutRelease(t *testing.T) {
	h := newSubscribedHarness(t)
	h.lock(200)
	if _, err := h.engine.AcquireRenewalLock(1, 200); !errors.Is(err, ErrLockActive) {
		t.Fatalf("expected ErrLockActive, got %v", err)
	}
}

func TestReleaseLock(t *testing.T) {
	h := newSubscribedHarness(t)
	if err := h.engine.ReleaseRenewalLock(1); !errors.Is(err, ErrNoLockToRelease) {
		t.Fatalf("expected ErrNoLockToRelease, got %v", err)
	}
	h.lock(3)
	if err := h.engine.ReleaseRenewalLock(1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := h.engine.Lock(1); ok {
		t.Fatalf("expected lock to be removed")
	}
	if _, err := h.engine.AcquireRenewalLock(1, 0); !errors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("expected ErrInvalidTimeout, got %v", err)
	}
}

func TestRenewSuccessScenario(t *testing.T) {
	h := newSubscribedHarness(t)
	h.approve(1, 1000, 100)
	h.lock(200)

	ok, err := h.engine.Renew(renewRequest(1, 20260101, true))
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !ok {
		t.Fatalf("expected successful renewal")
	}
	sub := h.sub()
	if sub.State != StateActive || sub.FailureCount != 0 {
		t.Fatalf("unexpected record: %+v", sub)
	}
	if _, held, _ := h.engine.Lock(1); held {
		t.Fatalf("lock must be released after renewal")
	}
	marker, ok, err := h.engine.CycleMarker(1)
	if err != nil || !ok || marker != 20260101 {
		t.Fatalf("unexpected cycle marker %d %v %v", marker, ok, err)
	}
	ts, _ := h.engine.Timestamps(1)
	if ts.LastRenewedAt != uint64(h.now) {
		t.Fatalf("expected last renewed timestamp, got %+v", ts)
	}
	if len(h.eventsOfType(EventTypeRenewalSucceeded)) != 1 {
		t.Fatalf("expected success event")
	}
	if len(h.eventsOfType(EventTypeLockReleased)) != 1 {
		t.Fatalf("expected lock released event")
	}
	if len(h.eventsOfType(EventTypeStateTransition)) != 0 {
		t.Fatalf("active to active must not emit a transition")
	}
}

func TestRenewFailuresReachFailed(t *testing.T) {
	h := newSubscribedHarness(t)

	for attempt := uint64(1); attempt <= 4; attempt++ {
		h.approve(attempt, 1000, 1000)
		h.lock(200)
		ok, err := h.engine.Renew(renewRequest(attempt, 20260101, false))
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if ok {
			t.Fatalf("attempt %d: expected failure outcome", attempt)
		}
		if _, held, _ := h.engine.Lock(1); held {
			t.Fatalf("attempt %d: lock must be released on failure", attempt)
		}
		sub := h.sub()
		if sub.FailureCount != uint32(attempt) || sub.LastAttemptHeight != h.height {
			t.Fatalf("attempt %d: unexpected record %+v", attempt, sub)
		}
		want := StateRetrying
		if attempt == 4 {
			want = StateFailed
		}
		if sub.State != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, sub.State)
		}
		h.height += 11
	}

	if _, ok, _ := h.engine.CycleMarker(1); ok {
		t.Fatalf("failures must not set the cycle marker")
	}
	h.approve(5, 1000, 1000)
	h.lock(200)
	if _, err := h.engine.Renew(renewRequest(5, 20260101, true)); !errors.Is(err, ErrSubscriptionFailed) {
		t.Fatalf("expected ErrSubscriptionFailed, got %v", err)
	}
	transitions := h.eventsOfType(EventTypeStateTransition)
	if len(transitions) != 2 {
		t.Fatalf("expected active->retrying and retrying->failed, got %d", len(transitions))
	}
	if transitions[1].Attributes["to"] != "failed" {
		t.Fatalf("unexpected final transition %v", transitions[1].Attributes)
	}
}

func TestRenewCooldown(t *testing.T) {
	h := newSubscribedHarness(t)
	h.height = 5
	h.approve(1, 1000, 1000)
	h.lock(200)
	if _, err := h.engine.Renew(renewRequest(1, 1, false)); err != nil {
		t.Fatalf("failed attempt: %v", err)
	}

	h.approve(2, 1000, 1000)
	h.lock(200)
	h.height = 14
	err := h.call(func() error {
		_, err := h.engine.Renew(renewRequest(2, 1, true))
		return err
	})
	if !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}
	h.height = 15
	ok, err := h.engine.Renew(renewRequest(2, 1, true))
	if err != nil || !ok {
		t.Fatalf("renew after cooldown: %v %v", ok, err)
	}
}

func TestRenewDuplicateCycle(t *testing.T) {
	h := newSubscribedHarness(t)
	h.approve(1, 1000, 1000)
	h.lock(200)
	if _, err := h.engine.Renew(renewRequest(1, 7, true)); err != nil {
		t.Fatalf("renew: %v", err)
	}

	h.approve(2, 1000, 1000)
	h.lock(200)
	err := h.call(func() error {
		_, err := h.engine.Renew(renewRequest(2, 7, true))
		return err
	})
	if !errors.Is(err, ErrDuplicateCycle) {
		t.Fatalf("expected ErrDuplicateCycle, got %v", err)
	}
	approval, _, _ := h.engine.Approval(1, 2)
	if approval.Used {
		t.Fatalf("duplicate cycle must abort before consuming the approval")
	}

	// A failed attempt on cycle 8 does not block a retry of the same cycle.
	if _, err := h.engine.Renew(renewRequest(2, 8, false)); err != nil {
		t.Fatalf("failed attempt: %v", err)
	}
	h.height += 10
	h.approve(3, 1000, 1000)
	h.lock(200)
	ok, err := h.engine.Renew(renewRequest(3, 8, true))
	if err != nil || !ok {
		t.Fatalf("retry of failed cycle: %v %v", ok, err)
	}
}

func TestRenewRequiresUnexpiredLock(t *testing.T) {
	h := newSubscribedHarness(t)
	h.approve(1, 1000, 1000)

	if _, err := h.engine.Renew(renewRequest(1, 1, true)); !errors.Is(err, ErrLockRequired) {
		t.Fatalf("expected ErrLockRequired, got %v", err)
	}
	h.lock(5)
	h.height = 5
	if _, err := h.engine.Renew(renewRequest(1, 1, true)); !errors.Is(err, ErrLockExpired) {
		t.Fatalf("expected ErrLockExpired, got %v", err)
	}
}

func TestRenewApprovalFailureAborts(t *testing.T) {
	h := newSubscribedHarness(t)
	h.approve(1, 100, 1000)
	h.lock(200)
	err := h.call(func() error {
		_, err := h.engine.Renew(renewRequest(1, 1, true))
		return err
	})
	if !errors.Is(err, ErrApprovalAmountExceeded) {
		t.Fatalf("expected ErrApprovalAmountExceeded, got %v", err)
	}
	if _, held, _ := h.engine.Lock(1); !held {
		t.Fatalf("aborted renewal must leave the lock in place")
	}
}

func TestRenewIntegrityViolation(t *testing.T) {
	h := newSubscribedHarness(t)
	tampered := h.sub()
	tampered.Amount = big.NewInt(499)
	if err := h.state.KVPut(subscriptionKey(1), tampered); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	for i := uint64(1); i <= 2; i++ {
		h.approve(i, 1000, 1000)
		h.lock(200)
		mark := h.events.Len()
		_, err := h.engine.Renew(renewRequest(i, i, true))
		if !errors.Is(err, ErrIntegrityViolation) {
			t.Fatalf("attempt %d: expected ErrIntegrityViolation, got %v", i, err)
		}
		var found bool
		for _, evt := range h.events.Events()[mark:] {
			if evt.Type == EventTypeIntegrityViolation {
				found = true
			}
		}
		if !found {
			t.Fatalf("attempt %d: expected integrity violation event", i)
		}
		if err := h.engine.ReleaseRenewalLock(1); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	if sub := h.sub(); sub.State != StateActive || sub.FailureCount != 0 {
		t.Fatalf("integrity abort must not mutate the record: %+v", sub)
	}
}

func TestIntegrityAbortRollsBackApproval(t *testing.T) {
	h := newSubscribedHarness(t)
	tampered := h.sub()
	tampered.Frequency = 1
	if err := h.state.KVPut(subscriptionKey(1), tampered); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	h.approve(1, 1000, 1000)
	h.lock(200)
	err := h.call(func() error {
		_, err := h.engine.Renew(renewRequest(1, 1, true))
		return err
	})
	if !errors.Is(err, ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}
	approval, _, _ := h.engine.Approval(1, 1)
	if approval.Used {
		t.Fatalf("rolled back invocation must not burn the approval")
	}
}

func TestRecoveryUpdatesActivation(t *testing.T) {
	h := newSubscribedHarness(t)
	h.approve(1, 1000, 1000)
	h.lock(200)
	if _, err := h.engine.Renew(renewRequest(1, 1, false)); err != nil {
		t.Fatalf("failed attempt: %v", err)
	}

	h.height = 20
	h.now += 3600
	h.approve(2, 1000, 1000)
	h.lock(200)
	mark := h.events.Len()
	ok, err := h.engine.Renew(renewRequest(2, 1, true))
	if err != nil || !ok {
		t.Fatalf("recovery: %v %v", ok, err)
	}
	sub := h.sub()
	if sub.State != StateActive || sub.FailureCount != 0 || sub.LastAttemptHeight != 20 {
		t.Fatalf("unexpected record after recovery: %+v", sub)
	}
	ts, _ := h.engine.Timestamps(1)
	if ts.ActivatedAt != uint64(h.now) || ts.LastRenewedAt != uint64(h.now) {
		t.Fatalf("unexpected timestamps: %+v", ts)
	}
	var kinds, order []string
	var recovered bool
	for _, evt := range h.events.Events()[mark:] {
		switch evt.Type {
		case EventTypeLifecycleUpdated:
			kinds = append(kinds, evt.Attributes["kind"])
		case EventTypeStateTransition:
			recovered = evt.Attributes["from"] == "retrying" && evt.Attributes["to"] == "active"
		case EventTypeRenewalSucceeded:
			if evt.Attributes["state"] != "active" {
				t.Fatalf("expected active state on success event, got %q", evt.Attributes["state"])
			}
		default:
			continue
		}
		if len(order) == 0 || order[len(order)-1] != evt.Type {
			order = append(order, evt.Type)
		}
	}
	wantOrder := []string{EventTypeRenewalSucceeded, EventTypeStateTransition, EventTypeLifecycleUpdated}
	if len(order) != len(wantOrder) {
		t.Fatalf("unexpected event order %v", order)
	}
	for i := range wantOrder {
		if order[i] != wantOrder[i] {
			t.Fatalf("unexpected event order %v", order)
		}
	}
	if len(kinds) != 2 || kinds[0] != "3" || kinds[1] != "2" {
		t.Fatalf("expected renewed and activated lifecycle events, got %v", kinds)
	}
	if !recovered {
		t.Fatalf("expected retrying->active transition event")
	}
}

func TestCancelSub(t *testing.T) {
	h := newSubscribedHarness(t)
	delete(h.signers, h.owner)
	if _, err := h.engine.CancelSub(1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	h.signers[h.owner] = true
	h.now += 10
	sub, err := h.engine.CancelSub(1)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if sub.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", sub.State)
	}
	ts, _ := h.engine.Timestamps(1)
	if ts.CanceledAt != uint64(h.now) {
		t.Fatalf("unexpected canceled timestamp %+v", ts)
	}
	if len(h.eventsOfType(EventTypeStateTransition)) != 1 {
		t.Fatalf("expected a state transition event")
	}
	if _, err := h.engine.CancelSub(1); !errors.Is(err, ErrSubscriptionCancelled) {
		t.Fatalf("expected ErrSubscriptionCancelled, got %v", err)
	}
	h.approve(1, 1000, 1000)
	h.lock(200)
	if _, err := h.engine.Renew(renewRequest(1, 1, true)); !errors.Is(err, ErrSubscriptionCancelled) {
		t.Fatalf("expected ErrSubscriptionCancelled on renew, got %v", err)
	}
	if _, err := h.engine.CancelSub(42); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

type recordingSink struct {
	state *state.Manager
	fail  bool
	kinds []sublog.Kind
}

func (s *recordingSink) RecordLog(contract [20]byte, subID uint64, kind sublog.Kind, data string) error {
	s.kinds = append(s.kinds, kind)
	if err := s.state.KVPut([]byte("sink/probe"), uint64(len(s.kinds))); err != nil {
		return err
	}
	if s.fail {
		return errors.New("collaborator unavailable")
	}
	return nil
}

func TestLogSinkOnlyWhenConfigured(t *testing.T) {
	h := newSubscribedHarness(t)
	sink := &recordingSink{state: h.state}
	h.engine.SetLogSink(sink)

	h.approve(1, 1000, 1000)
	if len(sink.kinds) != 0 {
		t.Fatalf("sink must not be called without a logging contract")
	}
	if err := h.engine.SetLoggingContract(testAddr(0xcc)); err != nil {
		t.Fatalf("set logging contract: %v", err)
	}
	h.approve(2, 1000, 1000)
	h.lock(200)
	if _, err := h.engine.Renew(renewRequest(2, 1, false)); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if _, err := h.engine.CancelSub(1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	want := []sublog.Kind{sublog.KindApproval, sublog.KindRetry, sublog.KindCancellation}
	if len(sink.kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, sink.kinds)
	}
	for i := range want {
		if sink.kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, sink.kinds)
		}
	}
}

func TestLogSinkFailureIsIsolated(t *testing.T) {
	h := newSubscribedHarness(t)
	sink := &recordingSink{state: h.state, fail: true}
	h.engine.SetLogSink(sink)
	if err := h.engine.SetLoggingContract(testAddr(0xcc)); err != nil {
		t.Fatalf("set logging contract: %v", err)
	}
	h.approve(1, 1000, 1000)
	h.lock(200)
	ok, err := h.engine.Renew(renewRequest(1, 1, true))
	if err != nil || !ok {
		t.Fatalf("renewal must survive a failing collaborator: %v %v", ok, err)
	}
	if has, _ := h.state.KVHas([]byte("sink/probe")); has {
		t.Fatalf("collaborator writes must be reverted on failure")
	}
	if sink.kinds[len(sink.kinds)-1] != sublog.KindRenewal {
		t.Fatalf("expected a renewal log attempt, got %v", sink.kinds)
	}
}

func TestFeeConfig(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.FeeConfig(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := h.engine.Init(h.admin); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := h.engine.SetFeeConfig(FeeConfig{Percentage: 10_001}); !errors.Is(err, ErrFeeOutOfRange) {
		t.Fatalf("expected ErrFeeOutOfRange, got %v", err)
	}
	fee := FeeConfig{Percentage: 250, Recipient: testAddr(0x33)}
	if err := h.engine.SetFeeConfig(fee); err != nil {
		t.Fatalf("set fee config: %v", err)
	}
	got, err := h.engine.FeeConfig()
	if err != nil || got != fee {
		t.Fatalf("unexpected fee config %+v %v", got, err)
	}
}

func TestTransferAdmin(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Init(h.admin); err != nil {
		t.Fatalf("init: %v", err)
	}
	next := testAddr(0xbb)
	if err := h.engine.TransferAdmin(next); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without new admin signature, got %v", err)
	}
	h.signers[next] = true
	if err := h.engine.TransferAdmin(next); err != nil {
		t.Fatalf("transfer admin: %v", err)
	}
	cfg, _ := h.engine.Config()
	if cfg.Admin != next {
		t.Fatalf("admin not transferred")
	}
}

func TestRenewAsAgent(t *testing.T) {
	h := newSubscribedHarness(t)
	agent := testAddr(0x44)
	registry := agents.NewRegistry(h.state)
	registry.SetAuthorizer(h.signers)
	registry.SetHeightFunc(func() uint32 { return h.height })
	h.engine.SetAgents(registry)

	if err := registry.Init(h.admin); err != nil {
		t.Fatalf("agents init: %v", err)
	}
	if _, err := registry.Register(agent); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := registry.SetQuota(agent, common.Quota{MaxRequests: 1}); err != nil {
		t.Fatalf("quota: %v", err)
	}
	h.signers[agent] = true

	h.approve(1, 1000, 1000)
	h.lock(200)
	if _, err := h.engine.RenewAsAgent(agent, renewRequest(1, 1, true)); !errors.Is(err, agents.ErrMissingScope) {
		t.Fatalf("expected ErrMissingScope, got %v", err)
	}
	if _, err := registry.UpdateScopes(agent, uint32(agents.ScopeRenewals)); err != nil {
		t.Fatalf("scopes: %v", err)
	}
	ok, err := h.engine.RenewAsAgent(agent, renewRequest(1, 1, true))
	if err != nil || !ok {
		t.Fatalf("renew as agent: %v %v", ok, err)
	}

	h.approve(2, 1000, 1000)
	h.lock(200)
	if _, err := h.engine.RenewAsAgent(agent, renewRequest(2, 2, true)); !errors.Is(err, agents.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if _, err := h.engine.ApproveRenewalAsAgent(agent, 1, 3, big.NewInt(1), 1); !errors.Is(err, agents.ErrMissingScope) {
		t.Fatalf("expected ErrMissingScope for approvals, got %v", err)
	}
}

func TestTransitionsTable(t *testing.T) {
	for _, terminal := range []State{StateFailed, StateCancelled} {
		for _, to := range []State{StateActive, StateRetrying, StateFailed, StateCancelled} {
			if CanTransition(terminal, to) {
				t.Fatalf("%s must be terminal, found edge to %s", terminal, to)
			}
		}
	}
	if !CanTransition(StateRetrying, StateActive) || !CanTransition(StateActive, StateCancelled) {
		t.Fatalf("missing expected edges")
	}
}

func TestComputeDigestLayout(t *testing.T) {
	merchant := testAddr(0x09)
	buf := make([]byte, 0, 60)
	buf = append(buf, merchant[:]...)
	amount := make([]byte, 16)
	amount[15] = 0x05
	buf = append(buf, amount...)
	var freq [8]byte
	binary.BigEndian.PutUint64(freq[:], 60)
	buf = append(buf, freq[:]...)
	limit := make([]byte, 16)
	limit[14], limit[15] = 0x01, 0x00
	buf = append(buf, limit...)
	want := sha256.Sum256(buf)

	if got := ComputeDigest(merchant, big.NewInt(5), 60, big.NewInt(256)); got != want {
		t.Fatalf("unexpected digest %x", got)
	}
	neg := encodeI128(big.NewInt(-1))
	for _, b := range neg {
		if b != 0xff {
			t.Fatalf("expected two's complement encoding, got %x", neg)
		}
	}
}
