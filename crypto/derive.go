package crypto

import (
	"errors"
	"fmt"
)

const (
	// MaxSeeds bounds the number of seeds accepted by program address derivation.
	MaxSeeds = 16
	// MaxSeedLength bounds the size of a single seed.
	MaxSeedLength = 32
)

var programAddressMarker = []byte("ProgramDerivedAddress")

var (
	ErrMaxSeedLength = errors.New("crypto: seeds exceed maximum length")
	// ErrInvalidSeeds is returned when the seeds hash to a point on the curve.
	ErrInvalidSeeds = errors.New("crypto: seeds derive an on-curve address")
	// ErrNoViableBump is returned when every bump yields an on-curve address.
	ErrNoViableBump = errors.New("crypto: unable to find a viable program address bump")
)

// CreateProgramAddress hashes seeds together with the owning program into an
// identity that no private key controls. Only the owning program can act for
// the returned account.
func CreateProgramAddress(seeds [][]byte, program Identity) (Identity, error) {
	if len(seeds) > MaxSeeds {
		return Identity{}, fmt.Errorf("%w: %d seeds", ErrMaxSeedLength, len(seeds))
	}
	parts := make([][]byte, 0, len(seeds)+2)
	for i, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return Identity{}, fmt.Errorf("%w: seed %d is %d bytes", ErrMaxSeedLength, i, len(seed))
		}
		parts = append(parts, seed)
	}
	parts = append(parts, program[:], programAddressMarker)
	var id Identity
	copy(id[:], Keccak256(parts...))
	if IsOnCurve(id) {
		return Identity{}, ErrInvalidSeeds
	}
	return id, nil
}

// FindProgramAddress searches bumps from 255 down to 0 and returns the first
// off-curve address together with the bump that produced it. The result is
// deterministic for a given seed set and program.
func FindProgramAddress(seeds [][]byte, program Identity) (Identity, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		id, err := CreateProgramAddress(withBump, program)
		if err == nil {
			return id, uint8(bump), nil
		}
		if !errors.Is(err, ErrInvalidSeeds) {
			return Identity{}, 0, err
		}
	}
	return Identity{}, 0, ErrNoViableBump
}
