package state

import (
	"encoding/binary"
	"sort"
	"sync"

	"shopchain/crypto"
)

// DefaultLockStripes is the stripe count used when NewLocker is given zero.
const DefaultLockStripes = 256

// Locker serialises transactions that touch the same accounts. Identities map
// onto a fixed set of mutexes; stripes are always acquired in ascending order
// so two transactions can never wait on each other.
type Locker struct {
	stripes []sync.Mutex
}

// NewLocker creates a locker with n stripes.
func NewLocker(n int) *Locker {
	if n <= 0 {
		n = DefaultLockStripes
	}
	return &Locker{stripes: make([]sync.Mutex, n)}
}

func (l *Locker) stripe(id crypto.Identity) int {
	return int(binary.LittleEndian.Uint64(id[:8]) % uint64(len(l.stripes)))
}

// Lock acquires every stripe covering ids and returns the matching unlock
// function.
func (l *Locker) Lock(ids ...crypto.Identity) func() {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[l.stripe(id)] = struct{}{}
	}
	order := make([]int, 0, len(set))
	for idx := range set {
		order = append(order, idx)
	}
	sort.Ints(order)
	for _, idx := range order {
		l.stripes[idx].Lock()
	}
	return func() {
		for i := len(order) - 1; i >= 0; i-- {
			l.stripes[order[i]].Unlock()
		}
	}
}
