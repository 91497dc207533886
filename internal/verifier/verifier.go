// Package verifier provides proof verifier collaborators for the settlement
// state machine. Verification is opaque to the machine: it hands over the raw
// proof, the public input fixed at commit time, and the verification key.
package verifier

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/twinelabs/settlement/internal/settlement"
)

var (
	ErrInvalidKey   = errors.New("verifier: invalid verification key")
	ErrInvalidProof = errors.New("verifier: malformed proof")
)

// Static returns a fixed verdict. It is the mock used for local runs and tests.
type Static struct {
	OK  bool
	Err error
}

func (s Static) Verify(_, _, _ []byte) (bool, error) {
	return s.OK, s.Err
}

// Func adapts a plain function to settlement.Verifier.
type Func func(proof, publicInput, verificationKey []byte) (bool, error)

func (f Func) Verify(proof, publicInput, verificationKey []byte) (bool, error) {
	return f(proof, publicInput, verificationKey)
}

// SignatureVerifier accepts attestation proofs: a 65-byte secp256k1 signature
// r || s || v over keccak256(publicInput), where v is 0/1 or 27/28.
//
// The verification key is one or more concatenated 20-byte attester
// addresses; a signature from any of them is accepted.
type SignatureVerifier struct{}

func (SignatureVerifier) Verify(proof, publicInput, verificationKey []byte) (bool, error) {
	attesters, err := ParseAttesters(verificationKey)
	if err != nil {
		return false, err
	}
	if len(proof) != crypto.SignatureLength {
		return false, fmt.Errorf("%w: length %d", ErrInvalidProof, len(proof))
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, proof)
	switch sig[64] {
	case 0, 1:
	case 27, 28:
		sig[64] -= 27
	default:
		return false, fmt.Errorf("%w: bad v %d", ErrInvalidProof, sig[64])
	}

	digest := settlement.PublicInputDigest(publicInput)
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		// Unrecoverable signatures are a rejection, not a verifier fault.
		return false, nil
	}
	signer := crypto.PubkeyToAddress(*pub)
	for _, a := range attesters {
		if a == signer {
			return true, nil
		}
	}
	return false, nil
}

// Attest signs keccak256(publicInput) and returns a proof accepted by
// SignatureVerifier, with v normalized to 27/28.
func Attest(key *ecdsa.PrivateKey, publicInput []byte) ([]byte, error) {
	if key == nil {
		return nil, errors.New("verifier: nil private key")
	}
	digest := settlement.PublicInputDigest(publicInput)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("verifier: sign public input: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// ParseAttesters splits a verification key into attester addresses.
func ParseAttesters(key []byte) ([]common.Address, error) {
	if len(key) == 0 || len(key)%common.AddressLength != 0 {
		return nil, fmt.Errorf("%w: length %d is not a positive multiple of %d", ErrInvalidKey, len(key), common.AddressLength)
	}
	out := make([]common.Address, 0, len(key)/common.AddressLength)
	for i := 0; i < len(key); i += common.AddressLength {
		a := common.BytesToAddress(key[i : i+common.AddressLength])
		if a == (common.Address{}) {
			return nil, fmt.Errorf("%w: zero attester at offset %d", ErrInvalidKey, i)
		}
		out = append(out, a)
	}
	return out, nil
}

// AttesterKey concatenates attester addresses into a verification key.
func AttesterKey(attesters ...common.Address) []byte {
	out := make([]byte, 0, len(attesters)*common.AddressLength)
	for _, a := range attesters {
		out = append(out, a[:]...)
	}
	return out
}

var (
	_ settlement.Verifier = Static{}
	_ settlement.Verifier = Func(nil)
	_ settlement.Verifier = SignatureVerifier{}
)
