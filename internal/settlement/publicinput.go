package settlement

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// PublicInputLen is the size of a derived public input: four ABI words.
const PublicInputLen = 32 * 4

// DerivePublicInput computes the public input a batch proof is checked against:
//
//	uint256(batchNumber) || batchHash || previousStateRoot || stateRoot
//
// It is computed once at commit time and stored with the batch.
func DerivePublicInput(batchNumber uint64, batchHash, previousStateRoot, stateRoot common.Hash) []byte {
	out := make([]byte, 0, PublicInputLen)

	var word [32]byte
	binary.BigEndian.PutUint64(word[24:], batchNumber)
	out = append(out, word[:]...)
	out = append(out, batchHash[:]...)
	out = append(out, previousStateRoot[:]...)
	out = append(out, stateRoot[:]...)
	return out
}

// PublicInputDigest is keccak256(publicInput). Attestation proofs sign this digest.
func PublicInputDigest(publicInput []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(publicInput)

	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}
