package genesis

import (
	"fmt"

	"subledger/core/events"
	"subledger/core/state"
	"subledger/native/agents"
	"subledger/native/subscription"
)

// genesisAuthority approves every signature check. Genesis runs before any
// account can sign and is trusted by construction.
type genesisAuthority struct{}

func (genesisAuthority) RequireAuth([20]byte) error { return nil }

// Apply seeds the renewal config and the agent registry described by spec into
// manager. Events emitted while seeding are written to emitter. The caller
// commits or discards manager.
func Apply(spec *GenesisSpec, manager *state.Manager, emitter events.Emitter) error {
	if spec == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if manager == nil {
		return fmt.Errorf("state manager must not be nil")
	}

	if r := spec.Renewal; r != nil {
		engine := subscription.NewEngine()
		engine.SetState(manager)
		engine.SetEmitter(emitter)
		engine.SetAuthorizer(genesisAuthority{})
		engine.SetNowFunc(func() int64 { return spec.GenesisTimestamp().Unix() })
		engine.SetHeightFunc(func() uint32 { return spec.InitialHeight })
		if err := engine.Init(r.admin); err != nil {
			return fmt.Errorf("renewal init: %w", err)
		}
		if r.Fee != nil {
			fee := subscription.FeeConfig{Percentage: r.Fee.PercentageBps, Recipient: r.Fee.recipient}
			if err := engine.SetFeeConfig(fee); err != nil {
				return fmt.Errorf("renewal fee: %w", err)
			}
		}
		if r.LoggingEnabled {
			if err := engine.SetLoggingContract(spec.collaborator); err != nil {
				return fmt.Errorf("renewal logging: %w", err)
			}
		}
		if r.Paused {
			if err := engine.SetPaused(true); err != nil {
				return fmt.Errorf("renewal pause: %w", err)
			}
		}
	}

	if a := spec.Agents; a != nil {
		registry := agents.NewRegistry(manager)
		registry.SetAuthorizer(genesisAuthority{})
		registry.SetEmitter(emitter)
		if err := registry.Init(a.admin); err != nil {
			return fmt.Errorf("agents init: %w", err)
		}
		for i := range a.Entries {
			entry := &a.Entries[i]
			if _, err := registry.Register(entry.address); err != nil {
				return fmt.Errorf("agent %s: %w", entry.Address, err)
			}
			if entry.mask != 0 {
				if _, err := registry.UpdateScopes(entry.address, entry.mask); err != nil {
					return fmt.Errorf("agent %s scopes: %w", entry.Address, err)
				}
			}
			if entry.Quota != nil {
				if _, err := registry.SetQuota(entry.address, entry.Quota.quota()); err != nil {
					return fmt.Errorf("agent %s quota: %w", entry.Address, err)
				}
			}
		}
	}
	return nil
}
