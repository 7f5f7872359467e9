package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"subledger/crypto"
)

var (
	// ErrMethodRequired is returned when an invocation does not name a method.
	ErrMethodRequired = errors.New("invocation: method required")
	// ErrDuplicateSigner is returned when the same account signs twice.
	ErrDuplicateSigner = errors.New("invocation: duplicate signer")
)

// Invocation is the signed unit of execution submitted to the ledger. Every
// account whose authorisation the call requires appends a signature over
// Digest.
type Invocation struct {
	ChainID    string          `json:"chainId"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	Nonce      uint64          `json:"nonce"`
	Signatures []hexutil.Bytes `json:"signatures,omitempty"`
}

// NewInvocation builds an unsigned invocation with JSON-encoded params.
func NewInvocation(chainID, method string, params interface{}, nonce uint64) (*Invocation, error) {
	inv := &Invocation{ChainID: chainID, Method: method, Nonce: nonce}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("invocation: encode params: %w", err)
		}
		inv.Params = raw
	}
	return inv, nil
}

// Digest is keccak256 over the RLP encoding of the signed fields.
func (inv *Invocation) Digest() ([32]byte, error) {
	if inv == nil || strings.TrimSpace(inv.Method) == "" {
		return [32]byte{}, ErrMethodRequired
	}
	payload := struct {
		ChainID string
		Method  string
		Params  []byte
		Nonce   uint64
	}{inv.ChainID, inv.Method, []byte(inv.Params), inv.Nonce}
	encoded, err := rlp.EncodeToBytes(&payload)
	if err != nil {
		return [32]byte{}, err
	}
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(encoded))
	return digest, nil
}

// Sign appends key's signature over the invocation digest.
func (inv *Invocation) Sign(key *crypto.PrivateKey) error {
	if key == nil {
		return errors.New("invocation: nil key")
	}
	digest, err := inv.Digest()
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	inv.Signatures = append(inv.Signatures, sig)
	return nil
}

// Signers recovers every signing address. A malformed signature fails the
// whole invocation.
func (inv *Invocation) Signers() ([][20]byte, error) {
	digest, err := inv.Digest()
	if err != nil {
		return nil, err
	}
	signers := make([][20]byte, 0, len(inv.Signatures))
	seen := make(map[[20]byte]struct{}, len(inv.Signatures))
	for i, sig := range inv.Signatures {
		addr, err := crypto.RecoverSigner(digest, sig)
		if err != nil {
			return nil, fmt.Errorf("invocation: signature %d: %w", i, err)
		}
		if _, dup := seen[addr]; dup {
			return nil, ErrDuplicateSigner
		}
		seen[addr] = struct{}{}
		signers = append(signers, addr)
	}
	return signers, nil
}
