package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"subledger/crypto"
)

// Invocation parameter payloads. Addresses are bech32 strings and amounts are
// base-10 strings so signed 128-bit values survive JSON.

type InitParams struct {
	Admin string `json:"admin"`
}

type SetPausedParams struct {
	Paused bool `json:"paused"`
}

type SetFeeConfigParams struct {
	PercentageBps uint32 `json:"percentageBps"`
	Recipient     string `json:"recipient"`
}

// SetLoggingContractParams clears the collaborator when Contract is empty.
type SetLoggingContractParams struct {
	Contract string `json:"contract,omitempty"`
}

type TransferAdminParams struct {
	NewAdmin string `json:"newAdmin"`
}

type InitSubParams struct {
	ID          uint64 `json:"id"`
	Owner       string `json:"owner"`
	Merchant    string `json:"merchant"`
	Amount      string `json:"amount"`
	Frequency   uint64 `json:"frequency"`
	SpendingCap string `json:"spendingCap"`
}

type SubIDParams struct {
	SubID uint64 `json:"subId"`
}

type ApproveRenewalParams struct {
	Agent      string `json:"agent,omitempty"`
	SubID      uint64 `json:"subId"`
	ApprovalID uint64 `json:"approvalId"`
	MaxSpend   string `json:"maxSpend"`
	ExpiresAt  uint32 `json:"expiresAt"`
}

type AcquireLockParams struct {
	SubID   uint64 `json:"subId"`
	Timeout uint32 `json:"timeout"`
}

type RenewParams struct {
	Agent      string `json:"agent,omitempty"`
	SubID      uint64 `json:"subId"`
	ApprovalID uint64 `json:"approvalId"`
	Amount     string `json:"amount"`
	MaxRetries uint32 `json:"maxRetries"`
	Cooldown   uint32 `json:"cooldown"`
	CycleID    uint64 `json:"cycleId"`
	Succeed    bool   `json:"succeed"`
}

type RecordLogParams struct {
	SubID uint64 `json:"subId"`
	Kind  uint8  `json:"kind"`
	Data  string `json:"data"`
}

type AgentParams struct {
	Agent string `json:"agent"`
}

type UpdateScopesParams struct {
	Agent  string   `json:"agent"`
	Scopes []string `json:"scopes"`
}

type SetQuotaParams struct {
	Agent       string `json:"agent"`
	MaxRequests uint32 `json:"maxRequests"`
	MaxSpend    uint64 `json:"maxSpend"`
	EpochBlocks uint32 `json:"epochBlocks"`
}

type CreateMetadataParams struct {
	User            string `json:"user"`
	ServiceID       string `json:"serviceId"`
	BillingInterval uint64 `json:"billingInterval"`
	ExpectedAmount  string `json:"expectedAmount"`
	NextRenewal     uint64 `json:"nextRenewal"`
}

type UpdateMetadataParams struct {
	ID              string  `json:"id"`
	User            string  `json:"user"`
	ServiceID       *string `json:"serviceId,omitempty"`
	BillingInterval *uint64 `json:"billingInterval,omitempty"`
	ExpectedAmount  string  `json:"expectedAmount,omitempty"`
	NextRenewal     *uint64 `json:"nextRenewal,omitempty"`
}

type MetadataRefParams struct {
	ID   string `json:"id"`
	User string `json:"user"`
}

func decodeParams(raw json.RawMessage, out interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// ParseAddress decodes a bech32 account or collaborator address.
func ParseAddress(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, err
	}
	switch addr.Prefix() {
	case crypto.AccountPrefix, crypto.ContractPrefix:
		return addr.Raw(), nil
	default:
		return [20]byte{}, fmt.Errorf("unsupported address prefix %q", addr.Prefix())
	}
}

func parseAddressField(field, value string) ([20]byte, error) {
	addr, err := ParseAddress(value)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %s: %v", ErrInvalidParams, field, err)
	}
	return addr, nil
}

func parseAmountField(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s: invalid integer %q", ErrInvalidParams, field, value)
	}
	return amount, nil
}
