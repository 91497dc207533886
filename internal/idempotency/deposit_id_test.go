package idempotency

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

func TestDepositIDV1_Layout(t *testing.T) {
	from := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")

	preimage := []byte("settlement.deposit.v1")
	preimage = append(preimage, 0, 0, 0, 0, 0, 0, 0, 7)
	preimage = append(preimage, from[:]...)
	preimage = append(preimage, to[:]...)
	preimage = append(preimage, 0, 0, 0, 0, 0, 0, 0x01, 0x00)

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(preimage)
	want := common.BytesToHash(h.Sum(nil))

	if got := DepositIDV1(7, from, to, 256); got != want {
		t.Fatalf("DepositIDV1 mismatch: got %s want %s", got, want)
	}
}

func TestDepositIDV1_DistinguishesFields(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")
	base := DepositIDV1(0, a, b, 10)

	tests := []struct {
		name string
		id   common.Hash
	}{
		{name: "index", id: DepositIDV1(1, a, b, 10)},
		{name: "swapped", id: DepositIDV1(0, b, a, 10)},
		{name: "amount", id: DepositIDV1(0, a, b, 11)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.id == base {
				t.Fatalf("id collides with base: %s", tt.id)
			}
		})
	}
	if DepositIDV1(0, a, b, 10) != base {
		t.Fatalf("DepositIDV1 not deterministic")
	}
}
