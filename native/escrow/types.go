package escrow

import (
	"encoding/binary"
	"fmt"

	"shopchain/crypto"
)

// DealState is the single lifecycle field of a deal. Progress is strictly
// Created -> Funded -> Released.
type DealState uint8

const (
	// DealUninitialized is the zero value of freshly allocated storage.
	DealUninitialized DealState = 0x00
	DealCreated       DealState = 0x01
	DealFunded        DealState = 0x02
	DealReleased      DealState = 0x03
)

// Valid reports whether the state is one a stored deal may hold.
func (s DealState) Valid() bool {
	switch s {
	case DealCreated, DealFunded, DealReleased:
		return true
	default:
		return false
	}
}

func (s DealState) String() string {
	switch s {
	case DealUninitialized:
		return "uninitialized"
	case DealCreated:
		return "created"
	case DealFunded:
		return "funded"
	case DealReleased:
		return "released"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(s))
	}
}

// DealSize is the persisted size of a deal record:
// buyer(32) | seller(32) | amount(8) | deal_id(8) | state(1) | bump(1).
const DealSize = 32 + 32 + 8 + 8 + 1 + 1

// Deal is the custody record stored at the derived deal address. Buyer,
// Seller, Amount and DealID are written once at creation.
type Deal struct {
	Buyer  crypto.Identity
	Seller crypto.Identity
	Amount uint64
	DealID uint64
	State  DealState
	Bump   uint8
}

// Encode renders the fixed-width little-endian layout.
func (d *Deal) Encode() []byte {
	buf := make([]byte, DealSize)
	copy(buf[0:32], d.Buyer[:])
	copy(buf[32:64], d.Seller[:])
	binary.LittleEndian.PutUint64(buf[64:72], d.Amount)
	binary.LittleEndian.PutUint64(buf[72:80], d.DealID)
	buf[80] = byte(d.State)
	buf[81] = d.Bump
	return buf
}

// DecodeDeal parses a stored record, rejecting foreign layouts.
func DecodeDeal(data []byte) (*Deal, error) {
	if len(data) != DealSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidDealData, DealSize, len(data))
	}
	d := &Deal{
		Amount: binary.LittleEndian.Uint64(data[64:72]),
		DealID: binary.LittleEndian.Uint64(data[72:80]),
		State:  DealState(data[80]),
		Bump:   data[81],
	}
	copy(d.Buyer[:], data[0:32])
	copy(d.Seller[:], data[32:64])
	if !d.State.Valid() {
		return nil, fmt.Errorf("%w: state %s", ErrInvalidDealData, d.State)
	}
	return d, nil
}
