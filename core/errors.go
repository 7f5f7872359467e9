package core

import "errors"

var (
	// ErrChainIDMismatch rejects invocations signed for another ledger.
	ErrChainIDMismatch = errors.New("ledger: chain id mismatch")
	// ErrReplayedInvocation rejects an invocation whose digest already committed.
	ErrReplayedInvocation = errors.New("ledger: invocation already applied")
	// ErrUnknownMethod rejects invocations naming an unsupported method.
	ErrUnknownMethod = errors.New("ledger: unknown method")
	// ErrInvalidParams wraps parameter decoding failures.
	ErrInvalidParams = errors.New("ledger: invalid params")
	// ErrUnauthorized is returned by RequireAuth when an address did not sign.
	ErrUnauthorized = errors.New("ledger: missing signature")
	// ErrUnknownContract rejects collaborator calls to unregistered addresses.
	ErrUnknownContract = errors.New("ledger: unknown collaborator contract")
	// ErrGenesisMismatch is returned when a stored chain id differs from the
	// genesis being applied.
	ErrGenesisMismatch = errors.New("ledger: genesis does not match stored chain")
	// ErrNotBootstrapped is returned before genesis has been applied.
	ErrNotBootstrapped = errors.New("ledger: genesis not applied")
)
