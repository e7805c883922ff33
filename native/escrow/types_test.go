package escrow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"shopchain/crypto"
)

func TestDealLayout(t *testing.T) {
	var buyer, seller crypto.Identity
	buyer[0], seller[0] = 0xAA, 0xBB
	deal := &Deal{Buyer: buyer, Seller: seller, Amount: 1000, DealID: 7, State: DealFunded, Bump: 254}
	encoded := deal.Encode()
	if len(encoded) != 82 {
		t.Fatalf("expected 82 bytes, got %d", len(encoded))
	}
	if !bytes.Equal(encoded[0:32], buyer[:]) || !bytes.Equal(encoded[32:64], seller[:]) {
		t.Fatalf("parties misplaced")
	}
	if binary.LittleEndian.Uint64(encoded[64:72]) != 1000 || binary.LittleEndian.Uint64(encoded[72:80]) != 7 {
		t.Fatalf("amount or deal id misplaced")
	}
	if encoded[80] != 0x02 || encoded[81] != 254 {
		t.Fatalf("state or bump misplaced: %x %x", encoded[80], encoded[81])
	}
	decoded, err := DecodeDeal(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *decoded != *deal {
		t.Fatalf("decoded deal mismatch: %+v", decoded)
	}
}

func TestDecodeDealRejectsBadInput(t *testing.T) {
	if _, err := DecodeDeal(make([]byte, 81)); !errors.Is(err, ErrInvalidDealData) {
		t.Fatalf("expected length error, got %v", err)
	}
	// Freshly allocated storage is all zeroes and must not parse as a deal.
	if _, err := DecodeDeal(make([]byte, DealSize)); !errors.Is(err, ErrInvalidDealData) {
		t.Fatalf("expected state error, got %v", err)
	}
	data := make([]byte, DealSize)
	data[80] = 0x09
	if _, err := DecodeDeal(data); !errors.Is(err, ErrInvalidDealData) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestDealAddressDerivation(t *testing.T) {
	buyer, seller := mustKey(t).Identity(), mustKey(t).Identity()
	addr, bump, err := DeriveDealAddress(buyer, seller, 7)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	again, againBump, err := DeriveDealAddress(buyer, seller, 7)
	if err != nil || again != addr || againBump != bump {
		t.Fatalf("derivation not deterministic")
	}
	if crypto.IsOnCurve(addr) {
		t.Fatalf("deal address must not be controllable by a key")
	}
	if err := VerifyDealAddress(addr, buyer, seller, 7, bump); err != nil {
		t.Fatalf("verify: %v", err)
	}

	others := []struct {
		buyer, seller crypto.Identity
		dealID        uint64
	}{
		{seller, buyer, 7},
		{buyer, seller, 8},
		{buyer, buyer, 7},
	}
	for _, o := range others {
		other, _, err := DeriveDealAddress(o.buyer, o.seller, o.dealID)
		if err != nil {
			t.Fatalf("derive: %v", err)
		}
		if other == addr {
			t.Fatalf("distinct triples collided")
		}
	}
	if err := VerifyDealAddress(addr, buyer, seller, 8, bump); !errors.Is(err, ErrAddressMismatch) {
		t.Fatalf("expected mismatch for wrong deal id, got %v", err)
	}
	if err := VerifyDealAddress(addr, buyer, seller, 7, bump-1); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected mismatch for wrong bump, got %v", err)
	}
}

func TestDecodeInstruction(t *testing.T) {
	buyer, seller := mustKey(t).Identity(), mustKey(t).Identity()
	ix, addr, err := NewCreateDealInstruction(buyer, seller, 1000, 7)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ix.Accounts[2].Key != addr || !ix.Accounts[0].Signer || ix.Accounts[1].Signer {
		t.Fatalf("unexpected account metas %+v", ix.Accounts)
	}
	kind, args, err := DecodeInstruction(ix.Data)
	if err != nil || kind != InstructionCreateDeal || args.Amount != 1000 || args.DealID != 7 {
		t.Fatalf("unexpected decode %v %+v %v", kind, args, err)
	}

	kind, _, err = DecodeInstruction(NewFundEscrowInstruction(buyer, seller, addr).Data)
	if err != nil || kind != InstructionFundEscrow {
		t.Fatalf("unexpected fund decode %v %v", kind, err)
	}
	release := NewReleaseEscrowInstruction(buyer, seller, addr)
	kind, _, err = DecodeInstruction(release.Data)
	if err != nil || kind != InstructionReleaseEscrow {
		t.Fatalf("unexpected release decode %v %v", kind, err)
	}
	if release.Accounts[0].Writable || !release.Accounts[1].Writable {
		t.Fatalf("release must only write seller and deal")
	}

	cases := [][]byte{
		nil,
		{1, 2, 3},
		append(append([]byte(nil), createDealDiscriminator...), 1, 2),
		append(append([]byte(nil), fundEscrowDiscriminator...), 0),
		make([]byte, 8),
	}
	for i, data := range cases {
		if _, _, err := DecodeInstruction(data); !errors.Is(err, ErrInvalidInstruction) {
			t.Fatalf("case %d: expected ErrInvalidInstruction, got %v", i, err)
		}
	}
}
