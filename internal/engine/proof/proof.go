// Package proof implements the claim proof scheme: a secp256k1 signature
// over the claimant address and mission id, carried with a single-use
// nonce and an issuance timestamp.
package proof

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const SignatureLength = 65

var ErrMalformedSignature = errors.New("malformed signature")

// Proof is the triple a claimant submits alongside a claim. Only the
// claimant address and mission id are covered by the signature; the nonce
// and timestamp travel outside the signed payload.
type Proof struct {
	Signature []byte
	Nonce     string
	IssuedAt  time.Time
}

// Digest hashes the signed payload: the 20 claimant address bytes followed
// by the mission id as a big-endian uint64.
func Digest(claimant common.Address, missionID uint64) []byte {
	buf := make([]byte, common.AddressLength+8)
	copy(buf, claimant.Bytes())
	binary.BigEndian.PutUint64(buf[common.AddressLength:], missionID)
	return crypto.Keccak256(buf)
}

// Sign produces a proof signature for (claimant, missionID) with the
// verifier key. Used by tests and by the issuance CLI.
func Sign(key *ecdsa.PrivateKey, claimant common.Address, missionID uint64) ([]byte, error) {
	return crypto.Sign(Digest(claimant, missionID), key)
}

// RecoverSigner returns the address that signed the proof payload for
// (claimant, missionID). Callers compare it against the registered
// verifier address.
func RecoverSigner(sig []byte, claimant common.Address, missionID uint64) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrMalformedSignature
	}
	// Accept Ethereum-style recovery ids 27/28 as well as 0/1.
	norm := make([]byte, SignatureLength)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	pub, err := crypto.SigToPub(Digest(claimant, missionID), norm)
	if err != nil {
		return common.Address{}, ErrMalformedSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Fresh reports whether the proof timestamp is within the expiry window
// at the given time. Timestamps from the future are tolerated up to the
// same window to absorb clock skew.
func (p Proof) Fresh(now time.Time, window time.Duration) bool {
	age := now.Sub(p.IssuedAt)
	return age <= window && age >= -window
}
