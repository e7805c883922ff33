package genesis

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"shopchain/core/state"
	"shopchain/crypto"
)

const appliedKey = "genesis"

var ErrGenesisMismatch = errors.New("genesis: state was initialised from a different genesis")

// Spec is the initial ledger distribution.
type Spec struct {
	GenesisTime string            `yaml:"genesisTime"`
	Alloc       map[string]uint64 `yaml:"alloc"` // identity -> lamports

	genesisTimestamp time.Time
	alloc            map[crypto.Identity]uint64
}

// Load reads and validates a YAML genesis file.
func Load(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse validates a YAML genesis document.
func Parse(raw []byte) (*Spec, error) {
	spec := new(Spec)
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(spec); err != nil {
		return nil, fmt.Errorf("genesis: decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (s *Spec) validate() error {
	if s.GenesisTime == "" {
		return fmt.Errorf("genesis: genesisTime required")
	}
	ts, err := time.Parse(time.RFC3339, s.GenesisTime)
	if err != nil {
		return fmt.Errorf("genesis: invalid genesisTime: %w", err)
	}
	s.genesisTimestamp = ts.UTC()
	s.alloc = make(map[crypto.Identity]uint64, len(s.Alloc))
	var total uint64
	for raw, lamports := range s.Alloc {
		id, err := crypto.ParseIdentity(raw)
		if err != nil {
			return fmt.Errorf("genesis: alloc %q: %w", raw, err)
		}
		if _, dup := s.alloc[id]; dup {
			return fmt.Errorf("genesis: duplicate alloc for %s", id)
		}
		if total+lamports < total {
			return fmt.Errorf("genesis: total allocation overflows")
		}
		total += lamports
		s.alloc[id] = lamports
	}
	return nil
}

// GenesisTimestamp returns the parsed genesis time.
func (s *Spec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// Allocations returns the parsed allocations sorted by identity.
func (s *Spec) Allocations() []Allocation {
	out := make([]Allocation, 0, len(s.alloc))
	for id, lamports := range s.alloc {
		out = append(out, Allocation{Identity: id, Lamports: lamports})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Identity[:], out[j].Identity[:]) < 0 })
	return out
}

// Allocation is one funded identity.
type Allocation struct {
	Identity crypto.Identity
	Lamports uint64
}

// Hash commits to the genesis time and allocations.
func (s *Spec) Hash() []byte {
	parts := [][]byte{[]byte(s.genesisTimestamp.Format(time.RFC3339))}
	for _, alloc := range s.Allocations() {
		var lamports [8]byte
		binary.LittleEndian.PutUint64(lamports[:], alloc.Lamports)
		parts = append(parts, alloc.Identity[:], lamports[:])
	}
	return crypto.Keccak256(parts...)
}

// Apply credits the allocations exactly once. Re-applying the same genesis is
// a no-op; applying a different one fails.
func Apply(spec *Spec, manager *state.Manager) (bool, error) {
	if spec == nil || manager == nil {
		return false, fmt.Errorf("genesis: spec and state manager required")
	}
	hash := spec.Hash()
	existing, err := manager.GetMeta(appliedKey)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if !bytes.Equal(existing, hash) {
			return false, ErrGenesisMismatch
		}
		return false, nil
	}

	txn := manager.Begin()
	for _, alloc := range spec.Allocations() {
		acc, err := txn.Account(alloc.Identity)
		if err != nil {
			txn.Discard()
			return false, err
		}
		acc.Lamports = alloc.Lamports
	}
	if err := txn.Commit(); err != nil {
		return false, err
	}
	if err := manager.PutMeta(appliedKey, hash); err != nil {
		return false, err
	}
	return true, nil
}
