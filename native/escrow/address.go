package escrow

import (
	"encoding/binary"
	"fmt"

	"shopchain/crypto"
)

// ProgramID owns every deal account.
var ProgramID = mustIdentity(crypto.Keccak256([]byte("shopchain/escrow")))

var dealSeedTag = []byte("deal")

func mustIdentity(b []byte) crypto.Identity {
	id, err := crypto.IdentityFromBytes(b)
	if err != nil {
		panic(err)
	}
	return id
}

// DealSeeds returns the derivation seeds for a deal, without the bump.
func DealSeeds(buyer, seller crypto.Identity, dealID uint64) [][]byte {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], dealID)
	return [][]byte{dealSeedTag, buyer.Bytes(), seller.Bytes(), id[:]}
}

func seedsWithBump(buyer, seller crypto.Identity, dealID uint64, bump uint8) [][]byte {
	return append(DealSeeds(buyer, seller, dealID), []byte{bump})
}

// DeriveDealAddress returns the canonical deal address and its bump.
func DeriveDealAddress(buyer, seller crypto.Identity, dealID uint64) (crypto.Identity, uint8, error) {
	return crypto.FindProgramAddress(DealSeeds(buyer, seller, dealID), ProgramID)
}

// VerifyDealAddress re-derives the address with the recorded bump and checks
// it equals addr.
func VerifyDealAddress(addr, buyer, seller crypto.Identity, dealID uint64, bump uint8) error {
	derived, err := crypto.CreateProgramAddress(seedsWithBump(buyer, seller, dealID, bump), ProgramID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAddressMismatch, err)
	}
	if derived != addr {
		return fmt.Errorf("%w: expected %s, got %s", ErrAddressMismatch, derived, addr)
	}
	return nil
}
