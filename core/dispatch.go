package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"subledger/core/events"
	"subledger/core/state"
	"subledger/native/agents"
	"subledger/native/common"
	"subledger/native/registry"
	"subledger/native/subscription"
	"subledger/native/sublog"
)

// Invocation method names.
const (
	MethodInit                  = "init"
	MethodSetPaused             = "set_paused"
	MethodSetFeeConfig          = "set_fee_config"
	MethodSetLoggingContract    = "set_logging_contract"
	MethodTransferAdmin         = "transfer_admin"
	MethodInitSub               = "init_sub"
	MethodCancelSub             = "cancel_sub"
	MethodApproveRenewal        = "approve_renewal"
	MethodApproveRenewalAsAgent = "approve_renewal_as_agent"
	MethodAcquireRenewalLock    = "acquire_renewal_lock"
	MethodReleaseRenewalLock    = "release_renewal_lock"
	MethodRenew                 = "renew"
	MethodRenewAsAgent          = "renew_as_agent"

	MethodRecordLog = "sublog.record_log"

	MethodAgentsInit         = "agents.init"
	MethodAgentsRegister     = "agents.register"
	MethodAgentsUpdateScopes = "agents.update_scopes"
	MethodAgentsSetQuota     = "agents.set_quota"
	MethodAgentsRevoke       = "agents.revoke"

	MethodRegistryCreate = "registry.create"
	MethodRegistryUpdate = "registry.update"
	MethodRegistryCancel = "registry.cancel"
)

type handler func(call *invocation, params json.RawMessage) (interface{}, error)

var handlers = map[string]handler{
	MethodInit:                  handleInit,
	MethodSetPaused:             handleSetPaused,
	MethodSetFeeConfig:          handleSetFeeConfig,
	MethodSetLoggingContract:    handleSetLoggingContract,
	MethodTransferAdmin:         handleTransferAdmin,
	MethodInitSub:               handleInitSub,
	MethodCancelSub:             handleCancelSub,
	MethodApproveRenewal:        approveRenewalHandler(false),
	MethodApproveRenewalAsAgent: approveRenewalHandler(true),
	MethodAcquireRenewalLock:    handleAcquireLock,
	MethodReleaseRenewalLock:    handleReleaseLock,
	MethodRenew:                 renewHandler(false),
	MethodRenewAsAgent:          renewHandler(true),
	MethodRecordLog:             handleRecordLog,
	MethodAgentsInit:            handleAgentsInit,
	MethodAgentsRegister:        handleAgentsRegister,
	MethodAgentsUpdateScopes:    handleAgentsUpdateScopes,
	MethodAgentsSetQuota:        handleAgentsSetQuota,
	MethodAgentsRevoke:          handleAgentsRevoke,
	MethodRegistryCreate:        handleRegistryCreate,
	MethodRegistryUpdate:        handleRegistryUpdate,
	MethodRegistryCancel:        handleRegistryCancel,
}

// Methods lists every invocation method the ledger dispatches.
func Methods() []string {
	out := make([]string, 0, len(handlers))
	for name := range handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// invocation is the per-call execution context handed to handlers. It is the
// authorizer for every engine wired during the call.
type invocation struct {
	node     *Node
	manager  *state.Manager
	events   *events.Buffer
	signers  map[[20]byte]struct{}
	height   uint32
	now      int64
	onCommit []func()
}

func newInvocation(n *Node, manager *state.Manager, signers [][20]byte) *invocation {
	set := make(map[[20]byte]struct{}, len(signers))
	for _, addr := range signers {
		set[addr] = struct{}{}
	}
	return &invocation{
		node:    n,
		manager: manager,
		events:  &events.Buffer{},
		signers: set,
		height:  n.meta.Height,
		now:     n.nowFn(),
	}
}

// RequireAuth fails unless addr signed the invocation.
func (c *invocation) RequireAuth(addr [20]byte) error {
	if _, ok := c.signers[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrUnauthorized, accountString(addr))
	}
	return nil
}

func (c *invocation) heightFn() uint32 { return c.height }

func (c *invocation) nowFn() int64 { return c.now }

func (c *invocation) subscriptionEngine() *subscription.Engine {
	engine := subscription.NewEngine()
	engine.SetState(c.manager)
	engine.SetEmitter(c.events)
	engine.SetAuthorizer(c)
	engine.SetLogSink(collaboratorSink{call: c})
	engine.SetAgents(c.agentRegistry())
	engine.SetLogger(c.node.logger)
	engine.SetHeightFunc(c.heightFn)
	engine.SetNowFunc(c.nowFn)
	return engine
}

func (c *invocation) agentRegistry() *agents.Registry {
	reg := agents.NewRegistry(c.manager)
	reg.SetAuthorizer(c)
	reg.SetEmitter(c.events)
	reg.SetHeightFunc(c.heightFn)
	return reg
}

func (c *invocation) metadataRegistry() *registry.Registry {
	reg := registry.NewRegistry(c.manager)
	reg.SetAuthorizer(c)
	reg.SetEmitter(c.events)
	return reg
}

func (c *invocation) logLedger() *sublog.Ledger {
	ledger := sublog.NewLedger(c.manager)
	ledger.SetEmitter(c.events)
	ledger.SetNowFunc(c.nowFn)
	return ledger
}

// collaboratorSink routes engine log calls to the hosted logging collaborator.
// The engine reverts state on failure; the sink drops the events the failed
// call emitted and counts the failure.
type collaboratorSink struct {
	call *invocation
}

func (s collaboratorSink) RecordLog(contract [20]byte, subID uint64, kind sublog.Kind, data string) error {
	mark := s.call.events.Len()
	err := s.record(contract, subID, kind, data)
	if err != nil {
		s.call.events.Truncate(mark)
		s.call.node.metrics.RecordLogFailure()
	}
	return err
}

func (s collaboratorSink) record(contract [20]byte, subID uint64, kind sublog.Kind, data string) error {
	meta := s.call.node.meta
	if !meta.HasCollaborator || contract != meta.Collaborator {
		return fmt.Errorf("%w: %x", ErrUnknownContract, contract)
	}
	_, err := s.call.logLedger().RecordLog(subID, kind, data)
	return err
}

func handleInit(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p InitParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	admin, err := parseAddressField("admin", p.Admin)
	if err != nil {
		return nil, err
	}
	engine := call.subscriptionEngine()
	if err := engine.Init(admin); err != nil {
		return nil, err
	}
	cfg, err := engine.Config()
	if err != nil {
		return nil, err
	}
	return NewConfigView(cfg), nil
}

func handleSetPaused(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p SetPausedParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	engine := call.subscriptionEngine()
	if err := engine.SetPaused(p.Paused); err != nil {
		return nil, err
	}
	return p, nil
}

func handleSetFeeConfig(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p SetFeeConfigParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	recipient, err := parseAddressField("recipient", p.Recipient)
	if err != nil {
		return nil, err
	}
	fee := subscription.FeeConfig{Percentage: p.PercentageBps, Recipient: recipient}
	if err := call.subscriptionEngine().SetFeeConfig(fee); err != nil {
		return nil, err
	}
	return p, nil
}

func handleSetLoggingContract(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p SetLoggingContractParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	var contract [20]byte
	if strings.TrimSpace(p.Contract) != "" {
		addr, err := parseAddressField("contract", p.Contract)
		if err != nil {
			return nil, err
		}
		contract = addr
	}
	if err := call.subscriptionEngine().SetLoggingContract(contract); err != nil {
		return nil, err
	}
	return p, nil
}

func handleTransferAdmin(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p TransferAdminParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	next, err := parseAddressField("newAdmin", p.NewAdmin)
	if err != nil {
		return nil, err
	}
	if err := call.subscriptionEngine().TransferAdmin(next); err != nil {
		return nil, err
	}
	return p, nil
}

func handleInitSub(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p InitSubParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	owner, err := parseAddressField("owner", p.Owner)
	if err != nil {
		return nil, err
	}
	merchant, err := parseAddressField("merchant", p.Merchant)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmountField("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	spendingCap, err := parseAmountField("spendingCap", p.SpendingCap)
	if err != nil {
		return nil, err
	}
	sub, err := call.subscriptionEngine().InitSub(subscription.InitParams{
		ID:          p.ID,
		Owner:       owner,
		Merchant:    merchant,
		Amount:      amount,
		Frequency:   p.Frequency,
		SpendingCap: spendingCap,
	})
	if err != nil {
		return nil, err
	}
	return NewSubscriptionView(sub), nil
}

func handleCancelSub(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p SubIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	sub, err := call.subscriptionEngine().CancelSub(p.SubID)
	if err != nil {
		return nil, err
	}
	return NewSubscriptionView(sub), nil
}

func requireAgentField(asAgent bool, agent string) error {
	present := strings.TrimSpace(agent) != ""
	switch {
	case asAgent && !present:
		return fmt.Errorf("%w: agent is required", ErrInvalidParams)
	case !asAgent && present:
		return fmt.Errorf("%w: agent is only accepted by the agent variant", ErrInvalidParams)
	}
	return nil
}

func approveRenewalHandler(asAgent bool) handler {
	return func(call *invocation, raw json.RawMessage) (interface{}, error) {
		return handleApproveRenewal(call, raw, asAgent)
	}
}

func handleApproveRenewal(call *invocation, raw json.RawMessage, asAgent bool) (interface{}, error) {
	var p ApproveRenewalParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireAgentField(asAgent, p.Agent); err != nil {
		return nil, err
	}
	maxSpend, err := parseAmountField("maxSpend", p.MaxSpend)
	if err != nil {
		return nil, err
	}
	engine := call.subscriptionEngine()
	var approval *subscription.Approval
	if asAgent {
		agent, err := parseAddressField("agent", p.Agent)
		if err != nil {
			return nil, err
		}
		approval, err = engine.ApproveRenewalAsAgent(agent, p.SubID, p.ApprovalID, maxSpend, p.ExpiresAt)
		if err != nil {
			return nil, err
		}
	} else {
		approval, err = engine.ApproveRenewal(p.SubID, p.ApprovalID, maxSpend, p.ExpiresAt)
		if err != nil {
			return nil, err
		}
	}
	return NewApprovalView(p.SubID, p.ApprovalID, approval), nil
}

func handleAcquireLock(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p AcquireLockParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	lock, err := call.subscriptionEngine().AcquireRenewalLock(p.SubID, p.Timeout)
	if err != nil {
		return nil, err
	}
	return NewLockView(p.SubID, lock), nil
}

func handleReleaseLock(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p SubIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := call.subscriptionEngine().ReleaseRenewalLock(p.SubID); err != nil {
		return nil, err
	}
	return p, nil
}

func renewHandler(asAgent bool) handler {
	return func(call *invocation, raw json.RawMessage) (interface{}, error) {
		return handleRenew(call, raw, asAgent)
	}
}

func handleRenew(call *invocation, raw json.RawMessage, asAgent bool) (interface{}, error) {
	var p RenewParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireAgentField(asAgent, p.Agent); err != nil {
		return nil, err
	}
	amount, err := parseAmountField("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	req := subscription.RenewRequest{
		SubscriptionID: p.SubID,
		ApprovalID:     p.ApprovalID,
		Amount:         amount,
		MaxRetries:     p.MaxRetries,
		Cooldown:       p.Cooldown,
		CycleID:        p.CycleID,
		Succeed:        p.Succeed,
	}
	engine := call.subscriptionEngine()
	var renewed bool
	if asAgent {
		agent, err := parseAddressField("agent", p.Agent)
		if err != nil {
			return nil, err
		}
		renewed, err = engine.RenewAsAgent(agent, req)
		if err != nil {
			return nil, err
		}
	} else {
		renewed, err = engine.Renew(req)
		if err != nil {
			return nil, err
		}
	}
	sub, err := engine.Subscription(p.SubID)
	if err != nil {
		return nil, err
	}
	outcome := "failed"
	if renewed {
		outcome = "succeeded"
	}
	metrics := call.node.metrics
	call.onCommit = append(call.onCommit, func() { metrics.RecordRenewal(outcome) })
	return RenewResult{Renewed: renewed, State: sub.State.String(), FailureCount: sub.FailureCount}, nil
}

func handleRecordLog(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p RecordLogParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	entry, err := call.logLedger().RecordLog(p.SubID, sublog.Kind(p.Kind), p.Data)
	if err != nil {
		return nil, err
	}
	return NewLogEntryViews([]sublog.Entry{*entry})[0], nil
}

func handleAgentsInit(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p AgentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	admin, err := parseAddressField("agent", p.Agent)
	if err != nil {
		return nil, err
	}
	if err := call.agentRegistry().Init(admin); err != nil {
		return nil, err
	}
	return p, nil
}

func handleAgentsRegister(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p AgentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	addr, err := parseAddressField("agent", p.Agent)
	if err != nil {
		return nil, err
	}
	agent, err := call.agentRegistry().Register(addr)
	if err != nil {
		return nil, err
	}
	return NewAgentView(agent), nil
}

func handleAgentsUpdateScopes(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p UpdateScopesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	addr, err := parseAddressField("agent", p.Agent)
	if err != nil {
		return nil, err
	}
	var mask uint32
	for _, name := range p.Scopes {
		scope, err := agents.ParseScope(strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return nil, err
		}
		mask |= uint32(scope)
	}
	agent, err := call.agentRegistry().UpdateScopes(addr, mask)
	if err != nil {
		return nil, err
	}
	return NewAgentView(agent), nil
}

func handleAgentsSetQuota(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p SetQuotaParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	addr, err := parseAddressField("agent", p.Agent)
	if err != nil {
		return nil, err
	}
	quota := common.Quota{MaxRequests: p.MaxRequests, MaxSpend: p.MaxSpend, EpochBlocks: p.EpochBlocks}
	agent, err := call.agentRegistry().SetQuota(addr, quota)
	if err != nil {
		return nil, err
	}
	return NewAgentView(agent), nil
}

func handleAgentsRevoke(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p AgentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	addr, err := parseAddressField("agent", p.Agent)
	if err != nil {
		return nil, err
	}
	if err := call.agentRegistry().Revoke(addr); err != nil {
		return nil, err
	}
	return p, nil
}

func handleRegistryCreate(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p CreateMetadataParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	user, err := parseAddressField("user", p.User)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmountField("expectedAmount", p.ExpectedAmount)
	if err != nil {
		return nil, err
	}
	meta, err := call.metadataRegistry().CreateSubscription(user, p.ServiceID, p.BillingInterval, amount, p.NextRenewal)
	if err != nil {
		return nil, err
	}
	return NewMetadataView(meta), nil
}

func handleRegistryUpdate(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p UpdateMetadataParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id, user, err := parseMetadataRef(p.ID, p.User)
	if err != nil {
		return nil, err
	}
	upd := registry.Update{ServiceID: p.ServiceID, BillingInterval: p.BillingInterval, NextRenewal: p.NextRenewal}
	if strings.TrimSpace(p.ExpectedAmount) != "" {
		amount, err := parseAmountField("expectedAmount", p.ExpectedAmount)
		if err != nil {
			return nil, err
		}
		upd.ExpectedAmount = amount
	}
	meta, err := call.metadataRegistry().UpdateSubscription(id, user, upd)
	if err != nil {
		return nil, err
	}
	return NewMetadataView(meta), nil
}

func handleRegistryCancel(call *invocation, raw json.RawMessage) (interface{}, error) {
	var p MetadataRefParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id, user, err := parseMetadataRef(p.ID, p.User)
	if err != nil {
		return nil, err
	}
	meta, err := call.metadataRegistry().CancelSubscription(id, user)
	if err != nil {
		return nil, err
	}
	return NewMetadataView(meta), nil
}

func parseMetadataRef(rawID, rawUser string) (registry.ID, [20]byte, error) {
	id, err := registry.ParseID(rawID)
	if err != nil {
		return registry.ID{}, [20]byte{}, fmt.Errorf("%w: id: %v", ErrInvalidParams, err)
	}
	user, err := parseAddressField("user", rawUser)
	if err != nil {
		return registry.ID{}, [20]byte{}, err
	}
	return id, user, nil
}
