package proof

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestRecoverSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	verifier := crypto.PubkeyToAddress(key.PublicKey)
	claimant := common.HexToAddress("0x1111111111111111111111111111111111111111")

	sig, err := Sign(key, claimant, 7)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := RecoverSigner(sig, claimant, 7)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != verifier {
		t.Fatalf("recovered %s, want %s", got, verifier)
	}

	// A proof is bound to the claimant and the mission. Recovering with
	// either changed must not yield the verifier address.
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if got, _ := RecoverSigner(sig, other, 7); got == verifier {
		t.Fatal("signature accepted for a different claimant")
	}
	if got, _ := RecoverSigner(sig, claimant, 8); got == verifier {
		t.Fatal("signature accepted for a different mission")
	}
}

func TestRecoverSignerEthereumRecoveryID(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	claimant := common.HexToAddress("0x3333333333333333333333333333333333333333")
	sig, err := Sign(key, claimant, 1)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	shifted := make([]byte, len(sig))
	copy(shifted, sig)
	shifted[64] += 27

	got, err := RecoverSigner(shifted, claimant, 1)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if want := crypto.PubkeyToAddress(key.PublicKey); got != want {
		t.Fatalf("recovered %s, want %s", got, want)
	}
}

func TestRecoverSignerMalformed(t *testing.T) {
	claimant := common.HexToAddress("0x4444444444444444444444444444444444444444")
	if _, err := RecoverSigner([]byte{1, 2, 3}, claimant, 1); err != ErrMalformedSignature {
		t.Fatalf("err = %v, want ErrMalformedSignature", err)
	}
}

func TestFresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute
	cases := []struct {
		name     string
		issuedAt time.Time
		want     bool
	}{
		{"just issued", now, true},
		{"at window edge", now.Add(-window), true},
		{"expired", now.Add(-window - time.Second), false},
		{"slight skew", now.Add(time.Minute), true},
		{"far future", now.Add(window + time.Second), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Proof{IssuedAt: tc.issuedAt}
			if got := p.Fresh(now, window); got != tc.want {
				t.Fatalf("Fresh = %v, want %v", got, tc.want)
			}
		})
	}
}
