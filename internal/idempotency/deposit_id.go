package idempotency

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const depositIDPrefixV1 = "settlement.deposit.v1"

// DepositIDV1 computes the canonical deposit id:
//
//	depositId = keccak256("settlement.deposit.v1" || indexBE64 || from || to || amountBE64)
//
// where index is the lifetime ledger position the deposit occupies. Two
// submissions of the same deposit share an id; a different deposit claiming
// the same position does not.
func DepositIDV1(index uint64, from, to common.Address, amount uint64) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(depositIDPrefixV1))

	var word [8]byte
	binary.BigEndian.PutUint64(word[:], index)
	_, _ = h.Write(word[:])
	_, _ = h.Write(from[:])
	_, _ = h.Write(to[:])
	binary.BigEndian.PutUint64(word[:], amount)
	_, _ = h.Write(word[:])

	return common.BytesToHash(h.Sum(nil))
}
