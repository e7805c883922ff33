package state

import (
	"math"

	"github.com/holiman/uint256"
)

const (
	// AccountStorageOverhead is charged on top of the data length to cover the
	// account header.
	AccountStorageOverhead = 128
	// DefaultLamportsPerByteYear is the storage price per byte and year.
	DefaultLamportsPerByteYear = 3480
	// DefaultExemptionYears is how many years of rent an account must hold to
	// be exempt from collection.
	DefaultExemptionYears = 2
)

// Rent prices account storage. An account whose balance covers
// MinimumBalance for its data length is rent exempt; the escrow program never
// lets a deal drop below that threshold.
type Rent struct {
	LamportsPerByteYear uint64 `toml:"LamportsPerByteYear" yaml:"lamportsPerByteYear"`
	ExemptionYears      uint64 `toml:"ExemptionYears" yaml:"exemptionYears"`
}

// DefaultRent returns the standard storage pricing.
func DefaultRent() Rent {
	return Rent{LamportsPerByteYear: DefaultLamportsPerByteYear, ExemptionYears: DefaultExemptionYears}
}

// MinimumBalance is the reserve an account with dataLen bytes must retain.
// The result saturates at math.MaxUint64.
func (r Rent) MinimumBalance(dataLen int) uint64 {
	if dataLen < 0 {
		dataLen = 0
	}
	total := uint256.NewInt(uint64(dataLen) + AccountStorageOverhead)
	total.Mul(total, uint256.NewInt(r.LamportsPerByteYear))
	total.Mul(total, uint256.NewInt(r.ExemptionYears))
	if !total.IsUint64() {
		return math.MaxUint64
	}
	return total.Uint64()
}

// IsExempt reports whether lamports covers the reserve for dataLen bytes.
func (r Rent) IsExempt(lamports uint64, dataLen int) bool {
	return lamports >= r.MinimumBalance(dataLen)
}
