package core

import (
	"encoding/hex"
	"math/big"

	"subledger/crypto"
	"subledger/native/agents"
	"subledger/native/registry"
	"subledger/native/subscription"
	"subledger/native/sublog"
)

// JSON views returned in receipts and by the RPC query routes.

type SubscriptionView struct {
	ID                uint64 `json:"id"`
	Owner             string `json:"owner"`
	Merchant          string `json:"merchant"`
	Amount            string `json:"amount"`
	Frequency         uint64 `json:"frequency"`
	SpendingCap       string `json:"spendingCap"`
	Digest            string `json:"digest"`
	State             string `json:"state"`
	FailureCount      uint32 `json:"failureCount"`
	LastAttemptHeight uint32 `json:"lastAttemptHeight"`
}

func NewSubscriptionView(sub *subscription.Subscription) *SubscriptionView {
	if sub == nil {
		return nil
	}
	return &SubscriptionView{
		ID:                sub.ID,
		Owner:             accountString(sub.Owner),
		Merchant:          accountString(sub.Merchant),
		Amount:            amountString(sub.Amount),
		Frequency:         sub.Frequency,
		SpendingCap:       amountString(sub.SpendingCap),
		Digest:            hex.EncodeToString(sub.Digest[:]),
		State:             sub.State.String(),
		FailureCount:      sub.FailureCount,
		LastAttemptHeight: sub.LastAttemptHeight,
	}
}

type ApprovalView struct {
	SubID      uint64 `json:"subId"`
	ApprovalID uint64 `json:"approvalId"`
	MaxSpend   string `json:"maxSpend"`
	ExpiresAt  uint32 `json:"expiresAt"`
	Used       bool   `json:"used"`
}

func NewApprovalView(subID, approvalID uint64, approval *subscription.Approval) *ApprovalView {
	if approval == nil {
		return nil
	}
	return &ApprovalView{
		SubID:      subID,
		ApprovalID: approvalID,
		MaxSpend:   amountString(approval.MaxSpend),
		ExpiresAt:  approval.ExpiresAt,
		Used:       approval.Used,
	}
}

type LockView struct {
	SubID     uint64 `json:"subId"`
	LockedAt  uint32 `json:"lockedAt"`
	Timeout   uint32 `json:"timeout"`
	ExpiresAt uint64 `json:"expiresAt"`
}

func NewLockView(subID uint64, lock *subscription.RenewalLock) *LockView {
	if lock == nil {
		return nil
	}
	return &LockView{SubID: subID, LockedAt: lock.LockedAt, Timeout: lock.Timeout, ExpiresAt: lock.ExpiresAt()}
}

type TimestampsView struct {
	CreatedAt     uint64 `json:"createdAt"`
	ActivatedAt   uint64 `json:"activatedAt"`
	LastRenewedAt uint64 `json:"lastRenewedAt"`
	CanceledAt    uint64 `json:"canceledAt"`
}

func NewTimestampsView(ts *subscription.Timestamps) *TimestampsView {
	if ts == nil {
		return &TimestampsView{}
	}
	return &TimestampsView{
		CreatedAt:     ts.CreatedAt,
		ActivatedAt:   ts.ActivatedAt,
		LastRenewedAt: ts.LastRenewedAt,
		CanceledAt:    ts.CanceledAt,
	}
}

type ConfigView struct {
	Admin           string `json:"admin"`
	Paused          bool   `json:"paused"`
	FeeBps          uint32 `json:"feeBps"`
	FeeRecipient    string `json:"feeRecipient,omitempty"`
	LoggingContract string `json:"loggingContract,omitempty"`
}

func NewConfigView(cfg *subscription.Config) *ConfigView {
	if cfg == nil {
		return nil
	}
	view := &ConfigView{Admin: accountString(cfg.Admin), Paused: cfg.Paused, FeeBps: cfg.FeeBps}
	if cfg.FeeRecipient != ([20]byte{}) {
		view.FeeRecipient = accountString(cfg.FeeRecipient)
	}
	if cfg.HasLoggingContract() {
		view.LoggingContract = crypto.NewAddress(crypto.ContractPrefix, cfg.LoggingContract[:]).String()
	}
	return view
}

type LogEntryView struct {
	SubID     uint64 `json:"subId"`
	Kind      string `json:"kind"`
	Timestamp uint64 `json:"timestamp"`
	Data      string `json:"data"`
}

func NewLogEntryViews(entries []sublog.Entry) []LogEntryView {
	out := make([]LogEntryView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, LogEntryView{SubID: entry.SubID, Kind: entry.Kind.String(), Timestamp: entry.Timestamp, Data: entry.Data})
	}
	return out
}

type AgentView struct {
	Address      string   `json:"address"`
	Scopes       []string `json:"scopes"`
	MaxRequests  uint32   `json:"maxRequests"`
	MaxSpend     uint64   `json:"maxSpend"`
	EpochBlocks  uint32   `json:"epochBlocks"`
	UsedInEpoch  uint32   `json:"usedInEpoch"`
	SpentInEpoch uint64   `json:"spentInEpoch"`
}

func NewAgentView(agent *agents.Agent) *AgentView {
	if agent == nil {
		return nil
	}
	view := &AgentView{
		Address:      accountString(agent.Address),
		Scopes:       []string{},
		MaxRequests:  agent.Quota.MaxRequests,
		MaxSpend:     agent.Quota.MaxSpend,
		EpochBlocks:  agent.Quota.EpochBlocks,
		UsedInEpoch:  agent.Usage.Requests,
		SpentInEpoch: agent.Usage.Spent,
	}
	for _, scope := range []agents.Scope{agents.ScopeRenewals, agents.ScopeGiftCards, agents.ScopeApprovals} {
		if agent.HasScope(scope) {
			view.Scopes = append(view.Scopes, scope.String())
		}
	}
	return view
}

type MetadataView struct {
	ID              string `json:"id"`
	User            string `json:"user"`
	ServiceID       string `json:"serviceId"`
	BillingInterval uint64 `json:"billingInterval"`
	ExpectedAmount  string `json:"expectedAmount"`
	NextRenewal     uint64 `json:"nextRenewal"`
	Active          bool   `json:"active"`
}

func NewMetadataView(meta *registry.Metadata) *MetadataView {
	if meta == nil {
		return nil
	}
	return &MetadataView{
		ID:              meta.ID.String(),
		User:            accountString(meta.User),
		ServiceID:       meta.ServiceID,
		BillingInterval: meta.BillingInterval,
		ExpectedAmount:  amountString(meta.ExpectedAmount),
		NextRenewal:     meta.NextRenewal,
		Active:          meta.Active,
	}
}

// RenewResult is the receipt payload of renew and renew_as_agent.
type RenewResult struct {
	Renewed      bool   `json:"renewed"`
	State        string `json:"state"`
	FailureCount uint32 `json:"failureCount"`
}

func accountString(addr [20]byte) string {
	return crypto.AccountAddress(addr).String()
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
