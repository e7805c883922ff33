package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testProgram() Identity {
	var id Identity
	copy(id[:], Keccak256([]byte("derive-test-program")))
	return id
}

func TestFindProgramAddressDeterministic(t *testing.T) {
	seeds := [][]byte{[]byte("deal"), bytes.Repeat([]byte{0x01}, 32)}
	first, bump, err := FindProgramAddress(seeds, testProgram())
	require.NoError(t, err)
	second, bump2, err := FindProgramAddress(seeds, testProgram())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, bump, bump2)
	require.False(t, IsOnCurve(first))

	recreated, err := CreateProgramAddress(append(seeds, []byte{bump}), testProgram())
	require.NoError(t, err)
	require.Equal(t, first, recreated)
}

func TestFindProgramAddressSeparatesInputs(t *testing.T) {
	seen := make(map[Identity][]byte)
	for i := 0; i < 64; i++ {
		seed := []byte{byte(i)}
		addr, _, err := FindProgramAddress([][]byte{[]byte("deal"), seed}, testProgram())
		require.NoError(t, err)
		if prev, ok := seen[addr]; ok {
			t.Fatalf("seed %x collides with %x", seed, prev)
		}
		seen[addr] = seed
	}

	var otherProgram Identity
	otherProgram[0] = 0x42
	a, _, err := FindProgramAddress([][]byte{[]byte("deal")}, testProgram())
	require.NoError(t, err)
	b, _, err := FindProgramAddress([][]byte{[]byte("deal")}, otherProgram)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCreateProgramAddressLimits(t *testing.T) {
	_, err := CreateProgramAddress([][]byte{bytes.Repeat([]byte{1}, MaxSeedLength+1)}, testProgram())
	require.ErrorIs(t, err, ErrMaxSeedLength)

	tooMany := make([][]byte, MaxSeeds+1)
	for i := range tooMany {
		tooMany[i] = []byte{byte(i)}
	}
	_, err = CreateProgramAddress(tooMany, testProgram())
	require.ErrorIs(t, err, ErrMaxSeedLength)
}

func TestCreateProgramAddressRejectsOnCurveBumps(t *testing.T) {
	seeds := [][]byte{[]byte("on-curve-check")}
	rejected := 0
	for bump := 0; bump < 256; bump++ {
		_, err := CreateProgramAddress(append(seeds, []byte{byte(bump)}), testProgram())
		if err != nil {
			require.ErrorIs(t, err, ErrInvalidSeeds)
			rejected++
		}
	}
	// Roughly half of all 32-byte strings are valid x-coordinates.
	require.Greater(t, rejected, 64)
	require.Less(t, rejected, 192)
}
