package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"subledger/core/genesis"
	"subledger/core/state"
	"subledger/core/types"
	"subledger/crypto"
	"subledger/native/subscription"
	"subledger/native/sublog"
	"subledger/storage"
)

const testChainID = "subledger-test"

type testEnv struct {
	t            *testing.T
	db           *storage.MemDB
	node         *Node
	admin        *crypto.PrivateKey
	owner        *crypto.PrivateKey
	merchant     [20]byte
	collaborator [20]byte
	nonce        uint64
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func keyAddress(key *crypto.PrivateKey) string {
	return key.PubKey().Address().String()
}

func keyRaw(key *crypto.PrivateKey) [20]byte {
	return key.PubKey().Address().Raw()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{t: t, db: storage.NewMemDB(), admin: mustKey(t), owner: mustKey(t)}
	copy(env.merchant[:], bytes.Repeat([]byte{0x0d}, 20))
	copy(env.collaborator[:], bytes.Repeat([]byte{0xcc}, 20))

	doc := fmt.Sprintf(`chainId: %s
genesisTime: "2026-01-01T00:00:00Z"
initialHeight: 10
loggingCollaborator: %s
renewal:
  admin: %s
  loggingEnabled: true
`, testChainID, crypto.NewAddress(crypto.ContractPrefix, env.collaborator[:]).String(), keyAddress(env.admin))
	spec, err := genesis.ParseGenesisSpec([]byte(doc))
	require.NoError(t, err)

	node, err := NewNode(env.db)
	require.NoError(t, err)
	node.SetNowFunc(func() int64 { return 1_767_225_600 })
	require.NoError(t, node.ApplyGenesis(spec))
	env.node = node
	return env
}

func (e *testEnv) invoke(method string, params interface{}, signers ...*crypto.PrivateKey) (*types.Receipt, error) {
	e.t.Helper()
	e.nonce++
	inv, err := types.NewInvocation(testChainID, method, params, e.nonce)
	require.NoError(e.t, err)
	for _, key := range signers {
		require.NoError(e.t, inv.Sign(key))
	}
	return e.node.Apply(context.Background(), inv)
}

func (e *testEnv) mustInvoke(method string, params interface{}, signers ...*crypto.PrivateKey) *types.Receipt {
	e.t.Helper()
	receipt, err := e.invoke(method, params, signers...)
	require.NoError(e.t, err)
	require.True(e.t, receipt.Committed())
	return receipt
}

func (e *testEnv) initSub(id uint64) {
	e.t.Helper()
	e.mustInvoke(MethodInitSub, InitSubParams{
		ID:          id,
		Owner:       keyAddress(e.owner),
		Merchant:    crypto.AccountAddress(e.merchant).String(),
		Amount:      "500",
		Frequency:   86400,
		SpendingCap: "1000",
	}, e.owner)
}

func TestApplyGenesisIsIdempotentPerChain(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, uint32(10), env.node.Height())
	require.Greater(t, env.node.Sequence(), uint64(0))

	cfg, err := env.node.Config()
	require.NoError(t, err)
	require.Equal(t, keyRaw(env.admin), cfg.Admin)
	require.Equal(t, env.collaborator, cfg.LoggingContract)

	same, err := genesis.ParseGenesisSpec([]byte(fmt.Sprintf("chainId: %s\ngenesisTime: \"2026-01-01T00:00:00Z\"\n", testChainID)))
	require.NoError(t, err)
	require.NoError(t, env.node.ApplyGenesis(same))

	other, err := genesis.ParseGenesisSpec([]byte("chainId: other\ngenesisTime: \"2026-01-01T00:00:00Z\"\n"))
	require.NoError(t, err)
	require.ErrorIs(t, env.node.ApplyGenesis(other), ErrGenesisMismatch)
}

func TestRenewThroughNode(t *testing.T) {
	env := newTestEnv(t)
	env.initSub(1)
	env.mustInvoke(MethodApproveRenewal, ApproveRenewalParams{SubID: 1, ApprovalID: 1, MaxSpend: "1000", ExpiresAt: 100}, env.owner)
	lockReceipt := env.mustInvoke(MethodAcquireRenewalLock, AcquireLockParams{SubID: 1, Timeout: 200})
	require.NotEmpty(t, lockReceipt.Events)

	receipt := env.mustInvoke(MethodRenew, RenewParams{
		SubID: 1, ApprovalID: 1, Amount: "500", MaxRetries: 3, Cooldown: 10, CycleID: 20260101, Succeed: true,
	})
	var result RenewResult
	require.NoError(t, json.Unmarshal(receipt.Result, &result))
	require.True(t, result.Renewed)
	require.Equal(t, "active", result.State)

	sub, err := env.node.Subscription(1)
	require.NoError(t, err)
	require.Equal(t, subscription.StateActive, sub.State)
	require.Zero(t, sub.FailureCount)

	_, locked, err := env.node.RenewalLock(1)
	require.NoError(t, err)
	require.False(t, locked)

	marker, ok, err := env.node.CycleMarker(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(20260101), marker)

	logs, err := env.node.Logs(1)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, sublog.KindApproval, logs[0].Kind)
	require.Equal(t, sublog.KindRenewal, logs[1].Kind)

	ts, err := env.node.Timestamps(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1_767_225_600), ts.LastRenewedAt)
}

func TestAbortDiscardsWritesAndEvents(t *testing.T) {
	env := newTestEnv(t)
	env.initSub(1)
	env.mustInvoke(MethodApproveRenewal, ApproveRenewalParams{SubID: 1, ApprovalID: 1, MaxSpend: "1000", ExpiresAt: 100}, env.owner)
	before := env.node.Sequence()

	receipt, err := env.invoke(MethodRenew, RenewParams{SubID: 1, ApprovalID: 1, Amount: "500", MaxRetries: 3, CycleID: 1, Succeed: true})
	require.ErrorIs(t, err, subscription.ErrLockRequired)
	require.NotNil(t, receipt)
	require.Equal(t, types.ReceiptAborted, receipt.Status)
	require.Contains(t, receipt.Error, "lock")
	require.Equal(t, before, env.node.Sequence())

	approval, ok, err := env.node.Approval(1, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, approval.Used)
}

func TestIntegrityAbortKeepsApproval(t *testing.T) {
	env := newTestEnv(t)
	env.initSub(1)
	env.mustInvoke(MethodApproveRenewal, ApproveRenewalParams{SubID: 1, ApprovalID: 1, MaxSpend: "1000", ExpiresAt: 100}, env.owner)
	env.mustInvoke(MethodAcquireRenewalLock, AcquireLockParams{SubID: 1, Timeout: 200})

	sub, err := env.node.Subscription(1)
	require.NoError(t, err)
	sub.Amount.SetInt64(1)
	manager := state.NewManager(env.db)
	require.NoError(t, manager.KVPut([]byte("subscription/record/1"), sub))
	require.NoError(t, manager.Commit())

	receipt, err := env.invoke(MethodRenew, RenewParams{SubID: 1, ApprovalID: 1, Amount: "500", MaxRetries: 3, CycleID: 1, Succeed: true})
	require.ErrorIs(t, err, subscription.ErrIntegrityViolation)
	require.NotEmpty(t, receipt.Diagnostics)

	approval, _, err := env.node.Approval(1, 1)
	require.NoError(t, err)
	require.False(t, approval.Used)
}

func TestReplayAndChainChecks(t *testing.T) {
	env := newTestEnv(t)
	inv, err := types.NewInvocation(testChainID, MethodCancelSub, SubIDParams{SubID: 9}, 1000)
	require.NoError(t, err)
	require.NoError(t, inv.Sign(env.owner))
	_, err = env.node.Apply(context.Background(), inv)
	require.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	env.initSub(9)
	receipt, err := env.node.Apply(context.Background(), inv)
	require.NoError(t, err)
	require.True(t, receipt.Committed())
	_, err = env.node.Apply(context.Background(), inv)
	require.ErrorIs(t, err, ErrReplayedInvocation)

	foreign, err := types.NewInvocation("other-chain", MethodReleaseRenewalLock, SubIDParams{SubID: 9}, 2)
	require.NoError(t, err)
	_, err = env.node.Apply(context.Background(), foreign)
	require.ErrorIs(t, err, ErrChainIDMismatch)

	unknown, err := types.NewInvocation(testChainID, "mint", nil, 3)
	require.NoError(t, err)
	_, err = env.node.Apply(context.Background(), unknown)
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestMissingSignatureAborts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.invoke(MethodInitSub, InitSubParams{
		ID: 1, Owner: keyAddress(env.owner), Merchant: crypto.AccountAddress(env.merchant).String(),
		Amount: "5", Frequency: 1, SpendingCap: "5",
	}, env.admin)
	require.ErrorIs(t, err, subscription.ErrUnauthorized)
	_, err = env.node.Subscription(1)
	require.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func TestUnknownCollaboratorIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.initSub(1)
	stranger := crypto.NewAddress(crypto.ContractPrefix, bytes.Repeat([]byte{0xee}, 20)).String()
	env.mustInvoke(MethodSetLoggingContract, SetLoggingContractParams{Contract: stranger}, env.admin)

	receipt := env.mustInvoke(MethodCancelSub, SubIDParams{SubID: 1}, env.owner)
	for _, evt := range receipt.Events {
		require.NotEqual(t, sublog.EventTypeRecorded, evt.Type)
	}
	sub, err := env.node.Subscription(1)
	require.NoError(t, err)
	require.Equal(t, subscription.StateCancelled, sub.State)
	logs, err := env.node.Logs(1)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestAgentDelegationThroughNode(t *testing.T) {
	env := newTestEnv(t)
	agent := mustKey(t)
	env.initSub(1)
	env.mustInvoke(MethodAgentsInit, AgentParams{Agent: keyAddress(env.admin)}, env.admin)
	env.mustInvoke(MethodAgentsRegister, AgentParams{Agent: keyAddress(agent)}, env.admin)
	env.mustInvoke(MethodAgentsUpdateScopes, UpdateScopesParams{Agent: keyAddress(agent), Scopes: []string{"renewals", "approvals"}}, env.admin)

	env.mustInvoke(MethodApproveRenewalAsAgent, ApproveRenewalParams{
		Agent: keyAddress(agent), SubID: 1, ApprovalID: 7, MaxSpend: "600", ExpiresAt: 50,
	}, agent, env.owner)
	env.mustInvoke(MethodAcquireRenewalLock, AcquireLockParams{SubID: 1, Timeout: 20}, agent)
	receipt := env.mustInvoke(MethodRenewAsAgent, RenewParams{
		Agent: keyAddress(agent), SubID: 1, ApprovalID: 7, Amount: "500", MaxRetries: 1, CycleID: 3, Succeed: true,
	}, agent)
	var result RenewResult
	require.NoError(t, json.Unmarshal(receipt.Result, &result))
	require.True(t, result.Renewed)

	_, err := env.invoke(MethodRenewAsAgent, RenewParams{SubID: 1, ApprovalID: 7, Amount: "500", CycleID: 4}, agent)
	require.ErrorIs(t, err, ErrInvalidParams)

	stored, ok, err := env.node.Agent(keyRaw(agent))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(1), stored.Usage.Requests)
}

func TestMetadataRegistryThroughNode(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.mustInvoke(MethodRegistryCreate, CreateMetadataParams{
		User: keyAddress(env.owner), ServiceID: "music", BillingInterval: 3600, ExpectedAmount: "9", NextRenewal: 100,
	}, env.owner)
	var view MetadataView
	require.NoError(t, json.Unmarshal(receipt.Result, &view))
	require.True(t, view.Active)

	env.mustInvoke(MethodRegistryCancel, MetadataRefParams{ID: view.ID, User: keyAddress(env.owner)}, env.owner)
	ids, err := env.node.UserMetadata(keyRaw(env.owner))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	meta, err := env.node.Metadata(ids[0])
	require.NoError(t, err)
	require.False(t, meta.Active)
}

func TestHeightPersistsAcrossRestart(t *testing.T) {
	env := newTestEnv(t)
	height, err := env.node.AdvanceHeight(5)
	require.NoError(t, err)
	require.Equal(t, uint32(15), height)
	require.Error(t, env.node.SetHeight(3))

	reopened, err := NewNode(env.db)
	require.NoError(t, err)
	require.Equal(t, uint32(15), reopened.Height())
	require.Equal(t, testChainID, reopened.ChainID())
	require.Equal(t, env.node.Sequence(), reopened.Sequence())
}

func TestEventLogAndSubscribers(t *testing.T) {
	env := newTestEnv(t)
	stream, cancel := env.node.SubscribeEvents(16)
	defer cancel()

	start := env.node.Sequence()
	env.initSub(1)

	select {
	case evt := <-stream:
		require.Equal(t, start+1, evt.Sequence)
		require.NotEmpty(t, evt.Digest)
	case <-time.After(time.Second):
		t.Fatalf("expected streamed event")
	}

	logged, err := env.node.Events(start+1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logged)
	require.Equal(t, uint32(10), logged[0].Height)
}

func TestRunProducesBlocks(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.node.Run(ctx, 5*time.Millisecond) }()
	require.Eventually(t, func() bool { return env.node.Height() >= 12 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestMethodsAreSorted(t *testing.T) {
	methods := Methods()
	require.Contains(t, methods, MethodRenew)
	require.Contains(t, methods, MethodRecordLog)
	for i := 1; i < len(methods); i++ {
		require.Less(t, methods[i-1], methods[i])
	}
}
