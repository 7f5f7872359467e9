package subscription

import (
	"fmt"
	"math/big"

	"subledger/native/agents"
	"subledger/native/sublog"
)

// ApproveRenewal stores a single-use approval allowing up to maxSpend to be
// charged while the ledger height is at most expiresAt. Re-approving an id
// replaces the previous grant. The owner must sign the invocation.
func (e *Engine) ApproveRenewal(subID, approvalID uint64, maxSpend *big.Int, expiresAt uint32) (*Approval, error) {
	if err := validateAmount(maxSpend); err != nil {
		return nil, err
	}
	sub, err := e.Subscription(subID)
	if err != nil {
		return nil, err
	}
	if err := e.requireAuth(sub.Owner); err != nil {
		return nil, err
	}
	approval := &Approval{MaxSpend: cloneBigInt(maxSpend), ExpiresAt: expiresAt}
	if err := e.storeApproval(subID, approvalID, approval); err != nil {
		return nil, err
	}
	e.emit(NewApprovalCreatedEvent(subID, approvalID, approval))
	e.logEntry(subID, sublog.KindApproval, fmt.Sprintf("approval %d max %s", approvalID, maxSpend.String()))
	return approval.Clone(), nil
}

// ApproveRenewalAsAgent records an approval submitted by a delegated agent. The
// agent needs the Approvals scope and the owner must still sign.
func (e *Engine) ApproveRenewalAsAgent(agent [20]byte, subID, approvalID uint64, maxSpend *big.Int, expiresAt uint32) (*Approval, error) {
	if e.agents == nil {
		return nil, ErrAgentsUnavailable
	}
	if err := e.agents.RequireScope(agent, agents.ScopeApprovals); err != nil {
		return nil, err
	}
	return e.ApproveRenewal(subID, approvalID, maxSpend, expiresAt)
}

// Approval returns the stored approval without mutating it.
func (e *Engine) Approval(subID, approvalID uint64) (*Approval, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	approval := new(Approval)
	ok, err := e.state.KVGet(approvalKey(subID, approvalID), approval)
	if err != nil {
		return nil, false, fmt.Errorf("subscription: load approval: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return approval, true, nil
}

func (e *Engine) storeApproval(subID, approvalID uint64, approval *Approval) error {
	if err := e.state.KVPut(approvalKey(subID, approvalID), approval); err != nil {
		return fmt.Errorf("subscription: store approval: %w", err)
	}
	return nil
}

// ConsumeApproval validates and burns an approval for amount. Checks run in
// order: existence, used, expiry (height > expiresAt), then amount. Any
// rejection emits an approval-rejected event and leaves the approval intact.
func (e *Engine) ConsumeApproval(subID, approvalID uint64, amount *big.Int) (RejectReason, error) {
	approval, ok, err := e.Approval(subID, approvalID)
	if err != nil {
		return RejectNone, err
	}
	reason := RejectNone
	switch {
	case !ok:
		reason = RejectNotFound
	case approval.Used:
		reason = RejectUsed
	case e.height() > approval.ExpiresAt:
		reason = RejectExpired
	case amount == nil || amount.Cmp(approval.MaxSpend) > 0:
		reason = RejectAmountExceeded
	}
	if reason != RejectNone {
		e.emit(NewApprovalRejectedEvent(subID, approvalID, reason))
		return reason, nil
	}
	approval.Used = true
	if err := e.storeApproval(subID, approvalID, approval); err != nil {
		return RejectNone, err
	}
	return RejectNone, nil
}
