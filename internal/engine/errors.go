package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRange        = errors.New("start must be before end")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrEventInactive       = errors.New("event is not active")
	ErrMissionInactive     = errors.New("mission is not active")
	ErrMissionNotFound     = errors.New("mission not found")
	ErrAttestationNotFound = errors.New("attestation not found")
	ErrAlreadyCompleted    = errors.New("mission already completed by this passport")
	ErrInvalidProof        = errors.New("invalid claim proof")
	ErrProofExpired        = errors.New("claim proof expired")
	ErrInsufficientFunds   = errors.New("insufficient pool balance")
	ErrPassportExists      = errors.New("owner already holds a passport")
)

// UnauthorizedError reports a capability check failure: the presented
// token does not grant the named capability over the target.
type UnauthorizedError struct {
	Capability string
	Target     string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("not authorized: %s required for %s", e.Capability, e.Target)
}
