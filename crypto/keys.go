package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// IdentityPrefix is the human-readable part used when rendering identities as
// bech32 strings.
const IdentityPrefix = "shop"

// IdentityLength is the size in bytes of an identity.
const IdentityLength = 32

// SignatureLength is the size of a recoverable secp256k1 signature.
const SignatureLength = crypto.SignatureLength

var (
	ErrInvalidIdentity  = errors.New("crypto: invalid identity")
	ErrInvalidSignature = errors.New("crypto: invalid signature")
)

// Identity is the 32-byte name of a ledger account. Identities controlled by a
// key are the x-coordinate of a secp256k1 public key; program derived
// identities are hashes that are guaranteed not to be such a coordinate.
type Identity [IdentityLength]byte

// IdentityFromBytes copies b into an Identity.
func IdentityFromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) != IdentityLength {
		return id, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidIdentity, IdentityLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether the identity is all zero bytes.
func (id Identity) IsZero() bool { return id == Identity{} }

// Bytes returns a copy of the raw identity bytes.
func (id Identity) Bytes() []byte {
	out := make([]byte, IdentityLength)
	copy(out, id[:])
	return out
}

// Hex returns the 0x-prefixed hex encoding.
func (id Identity) Hex() string { return "0x" + hex.EncodeToString(id[:]) }

func (id Identity) String() string {
	conv, err := bech32.ConvertBits(id[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(IdentityPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// MarshalText renders the identity in bech32 form.
func (id Identity) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText accepts either the bech32 or the 0x-hex form.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseIdentity decodes a bech32 ("shop1...") or 0x-prefixed hex identity.
func ParseIdentity(s string) (Identity, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		raw, err := hex.DecodeString(trimmed[2:])
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		return IdentityFromBytes(raw)
	}
	prefix, decoded, err := bech32.Decode(trimmed)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: invalid bech32 string: %v", ErrInvalidIdentity, err)
	}
	if prefix != IdentityPrefix {
		return Identity{}, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidIdentity, prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: error converting bits: %v", ErrInvalidIdentity, err)
	}
	return IdentityFromBytes(conv)
}

// IsOnCurve reports whether id is the x-coordinate of a point on secp256k1,
// i.e. whether some private key could sign for it.
func IsOnCurve(id Identity) bool {
	compressed := make([]byte, 0, IdentityLength+1)
	compressed = append(compressed, 0x02)
	compressed = append(compressed, id[:]...)
	pub, err := crypto.DecompressPubkey(compressed)
	return err == nil && pub != nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Identity is shorthand for PubKey().Identity().
func (k *PrivateKey) Identity() Identity {
	return k.PubKey().Identity()
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.PrivateKey)
}

func (k *PublicKey) Identity() Identity {
	compressed := crypto.CompressPubkey(k.PublicKey)
	var id Identity
	copy(id[:], compressed[1:])
	return id
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// RecoverIdentity returns the identity whose key produced sig over digest.
func RecoverIdentity(digest, sig []byte) (Identity, error) {
	if len(sig) != SignatureLength {
		return Identity{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(sig))
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return (&PublicKey{pub}).Identity(), nil
}

// Keccak256 is re-exported so callers hash with the same primitive the ledger
// uses for identities and transaction digests.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}
