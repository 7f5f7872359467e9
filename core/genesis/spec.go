package genesis

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"subledger/native/agents"
	"subledger/native/common"
)

// GenesisSpec describes the initial ledger contents.
type GenesisSpec struct {
	ChainID             string       `yaml:"chainId"`
	GenesisTime         string       `yaml:"genesisTime"`
	InitialHeight       uint32       `yaml:"initialHeight"`
	LoggingCollaborator string       `yaml:"loggingCollaborator,omitempty"`
	Renewal             *RenewalSpec `yaml:"renewal,omitempty"`
	Agents              *AgentsSpec  `yaml:"agents,omitempty"`

	genesisTimestamp time.Time
	collaborator     [20]byte
	hasCollaborator  bool
}

// RenewalSpec seeds the renewal engine config.
type RenewalSpec struct {
	Admin          string   `yaml:"admin"`
	Paused         bool     `yaml:"paused,omitempty"`
	Fee            *FeeSpec `yaml:"fee,omitempty"`
	LoggingEnabled bool     `yaml:"loggingEnabled,omitempty"`

	admin [20]byte
}

// FeeSpec seeds the fee stub.
type FeeSpec struct {
	PercentageBps uint32 `yaml:"percentageBps"`
	Recipient     string `yaml:"recipient"`

	recipient [20]byte
}

// AgentsSpec seeds the agent registry.
type AgentsSpec struct {
	Admin   string      `yaml:"admin"`
	Entries []AgentSpec `yaml:"entries,omitempty"`

	admin [20]byte
}

// AgentSpec describes one pre-registered agent.
type AgentSpec struct {
	Address string     `yaml:"address"`
	Scopes  []string   `yaml:"scopes,omitempty"`
	Quota   *QuotaSpec `yaml:"quota,omitempty"`

	address [20]byte
	mask    uint32
}

// QuotaSpec mirrors common.Quota.
type QuotaSpec struct {
	MaxRequests uint32 `yaml:"maxRequests"`
	MaxSpend    uint64 `yaml:"maxSpend"`
	EpochBlocks uint32 `yaml:"epochBlocks"`
}

func (q *QuotaSpec) quota() common.Quota {
	if q == nil {
		return common.Quota{}
	}
	return common.Quota{MaxRequests: q.MaxRequests, MaxSpend: q.MaxSpend, EpochBlocks: q.EpochBlocks}
}

// LoadGenesisSpec reads and validates a YAML genesis file.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := ParseGenesisSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// ParseGenesisSpec decodes and validates a YAML genesis document. Unknown
// fields are rejected.
func ParseGenesisSpec(raw []byte) (*GenesisSpec, error) {
	var spec GenesisSpec
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}
	return &spec, nil
}

// GenesisTimestamp returns the parsed genesis time.
func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// Collaborator returns the logging collaborator address, if configured.
func (s *GenesisSpec) Collaborator() ([20]byte, bool) {
	return s.collaborator, s.hasCollaborator
}

func (s *GenesisSpec) validate() error {
	if strings.TrimSpace(s.ChainID) == "" {
		return fmt.Errorf("chainId must be provided")
	}
	ts, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = ts

	if strings.TrimSpace(s.LoggingCollaborator) != "" {
		addr, err := ParseBech32Account(s.LoggingCollaborator)
		if err != nil {
			return fmt.Errorf("loggingCollaborator: %w", err)
		}
		s.collaborator = addr
		s.hasCollaborator = true
	}

	if s.Renewal != nil {
		if err := s.Renewal.validate(); err != nil {
			return fmt.Errorf("renewal: %w", err)
		}
		if s.Renewal.LoggingEnabled && !s.hasCollaborator {
			return fmt.Errorf("renewal: loggingEnabled requires loggingCollaborator")
		}
	}
	if s.Agents != nil {
		if err := s.Agents.validate(); err != nil {
			return fmt.Errorf("agents: %w", err)
		}
	}
	return nil
}

func (r *RenewalSpec) validate() error {
	admin, err := ParseBech32Account(r.Admin)
	if err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	r.admin = admin
	if r.Fee != nil {
		if r.Fee.PercentageBps > 10_000 {
			return fmt.Errorf("fee.percentageBps must be <= 10000")
		}
		recipient, err := ParseBech32Account(r.Fee.Recipient)
		if err != nil {
			return fmt.Errorf("fee.recipient: %w", err)
		}
		r.Fee.recipient = recipient
	}
	return nil
}

func (a *AgentsSpec) validate() error {
	admin, err := ParseBech32Account(a.Admin)
	if err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	a.admin = admin
	seen := make(map[[20]byte]struct{}, len(a.Entries))
	for i := range a.Entries {
		entry := &a.Entries[i]
		addr, err := ParseBech32Account(entry.Address)
		if err != nil {
			return fmt.Errorf("entries[%d]: %w", i, err)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("entries[%d]: duplicate agent %s", i, entry.Address)
		}
		seen[addr] = struct{}{}
		entry.address = addr
		entry.mask = 0
		for _, name := range entry.Scopes {
			scope, err := agents.ParseScope(strings.ToLower(strings.TrimSpace(name)))
			if err != nil {
				return fmt.Errorf("entries[%d]: %w", i, err)
			}
			entry.mask |= uint32(scope)
		}
	}
	return nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
