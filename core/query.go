package core

import (
	"subledger/core/state"
	"subledger/native/agents"
	"subledger/native/registry"
	"subledger/native/subscription"
	"subledger/native/sublog"
)

// Read-only queries. Each query runs against committed state through a fresh
// manager that is never committed.

func (n *Node) readEngine(manager *state.Manager) *subscription.Engine {
	engine := subscription.NewEngine()
	engine.SetState(manager)
	engine.SetLogger(n.logger)
	height := n.meta.Height
	engine.SetHeightFunc(func() uint32 { return height })
	return engine
}

func (n *Node) query(fn func(manager *state.Manager) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.db)
	defer manager.Discard()
	return fn(manager)
}

// Subscription returns the stored record for id.
func (n *Node) Subscription(id uint64) (*subscription.Subscription, error) {
	var out *subscription.Subscription
	err := n.query(func(manager *state.Manager) error {
		sub, err := n.readEngine(manager).Subscription(id)
		out = sub
		return err
	})
	return out, err
}

// Approval returns the approval record, if present.
func (n *Node) Approval(subID, approvalID uint64) (*subscription.Approval, bool, error) {
	var (
		out *subscription.Approval
		ok  bool
	)
	err := n.query(func(manager *state.Manager) error {
		var err error
		out, ok, err = n.readEngine(manager).Approval(subID, approvalID)
		return err
	})
	return out, ok, err
}

// RenewalLock returns the stored lock for subID, if present. The lock may
// already be stale; callers compare ExpiresAt with Height.
func (n *Node) RenewalLock(subID uint64) (*subscription.RenewalLock, bool, error) {
	var (
		out *subscription.RenewalLock
		ok  bool
	)
	err := n.query(func(manager *state.Manager) error {
		var err error
		out, ok, err = n.readEngine(manager).Lock(subID)
		return err
	})
	return out, ok, err
}

// CycleMarker returns the last successfully renewed cycle id.
func (n *Node) CycleMarker(subID uint64) (uint64, bool, error) {
	var (
		out uint64
		ok  bool
	)
	err := n.query(func(manager *state.Manager) error {
		var err error
		out, ok, err = n.readEngine(manager).CycleMarker(subID)
		return err
	})
	return out, ok, err
}

// Timestamps returns the lifecycle audit timestamps for subID.
func (n *Node) Timestamps(subID uint64) (*subscription.Timestamps, error) {
	var out *subscription.Timestamps
	err := n.query(func(manager *state.Manager) error {
		var err error
		out, err = n.readEngine(manager).Timestamps(subID)
		return err
	})
	return out, err
}

// Config returns the renewal engine configuration.
func (n *Node) Config() (*subscription.Config, error) {
	var out *subscription.Config
	err := n.query(func(manager *state.Manager) error {
		var err error
		out, err = n.readEngine(manager).Config()
		return err
	})
	return out, err
}

// Logs returns the collaborator log for subID.
func (n *Node) Logs(subID uint64) ([]sublog.Entry, error) {
	var out []sublog.Entry
	err := n.query(func(manager *state.Manager) error {
		var err error
		out, err = sublog.NewLedger(manager).GetLogs(subID)
		return err
	})
	return out, err
}

// Agent returns the registry record for addr, if registered.
func (n *Node) Agent(addr [20]byte) (*agents.Agent, bool, error) {
	var (
		out *agents.Agent
		ok  bool
	)
	err := n.query(func(manager *state.Manager) error {
		var err error
		out, ok, err = agents.NewRegistry(manager).Agent(addr)
		return err
	})
	return out, ok, err
}

// Metadata returns the descriptive record for id.
func (n *Node) Metadata(id registry.ID) (*registry.Metadata, error) {
	var out *registry.Metadata
	err := n.query(func(manager *state.Manager) error {
		var err error
		out, err = registry.NewRegistry(manager).GetSubscription(id)
		return err
	})
	return out, err
}

// UserMetadata lists the metadata ids created by user.
func (n *Node) UserMetadata(user [20]byte) ([]registry.ID, error) {
	var out []registry.ID
	err := n.query(func(manager *state.Manager) error {
		var err error
		out, err = registry.NewRegistry(manager).GetUserSubscriptions(user)
		return err
	})
	return out, err
}
