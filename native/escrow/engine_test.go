package escrow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"shopchain/core/events"
	"shopchain/core/runtime"
	"shopchain/core/state"
	"shopchain/core/types"
	"shopchain/crypto"
	"shopchain/native/system"
	"shopchain/storage"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

type fixture struct {
	t       *testing.T
	manager *state.Manager
	rt      *runtime.Runtime
	emitter *captureEmitter
	buyer   *crypto.PrivateKey
	seller  *crypto.PrivateKey
	reserve uint64
}

const startingBalance = 10_000_000

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	emitter := &captureEmitter{}
	rt := runtime.New(manager, runtime.WithEmitter(emitter))
	if err := rt.Register(system.Program{}); err != nil {
		t.Fatalf("register system: %v", err)
	}
	if err := rt.Register(NewEngine()); err != nil {
		t.Fatalf("register escrow: %v", err)
	}
	f := &fixture{
		t:       t,
		manager: manager,
		rt:      rt,
		emitter: emitter,
		buyer:   mustKey(t),
		seller:  mustKey(t),
		reserve: rt.Rent().MinimumBalance(DealSize),
	}
	f.setBalance(f.buyer.Identity(), startingBalance)
	return f
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func (f *fixture) setBalance(id crypto.Identity, lamports uint64) {
	f.t.Helper()
	txn := f.manager.Begin()
	acc, err := txn.Account(id)
	if err != nil {
		f.t.Fatalf("load account: %v", err)
	}
	acc.Lamports = lamports
	if err := txn.Commit(); err != nil {
		f.t.Fatalf("commit: %v", err)
	}
}

func (f *fixture) balance(id crypto.Identity) uint64 {
	f.t.Helper()
	acc, err := f.rt.Account(id)
	if err != nil {
		f.t.Fatalf("load account: %v", err)
	}
	return acc.Lamports
}

func (f *fixture) deal(addr crypto.Identity) *Deal {
	f.t.Helper()
	view, err := GetDeal(f.rt, addr)
	if err != nil {
		f.t.Fatalf("get deal: %v", err)
	}
	return view.Deal
}

var fixtureNonce atomic.Uint64

func (f *fixture) submit(ix types.Instruction, signers ...*crypto.PrivateKey) error {
	f.t.Helper()
	tx := types.NewTransactionWithNonce(ix, fixtureNonce.Add(1))
	for _, key := range signers {
		if err := tx.Sign(key); err != nil {
			f.t.Fatalf("sign: %v", err)
		}
	}
	_, err := f.rt.Submit(context.Background(), tx)
	return err
}

func (f *fixture) create(amount, dealID uint64) crypto.Identity {
	f.t.Helper()
	ix, addr, err := NewCreateDealInstruction(f.buyer.Identity(), f.seller.Identity(), amount, dealID)
	if err != nil {
		f.t.Fatalf("build create: %v", err)
	}
	if err := f.submit(ix, f.buyer); err != nil {
		f.t.Fatalf("create deal: %v", err)
	}
	return addr
}

func (f *fixture) fund(addr crypto.Identity) error {
	return f.submit(NewFundEscrowInstruction(f.buyer.Identity(), f.seller.Identity(), addr), f.buyer)
}

func (f *fixture) release(addr crypto.Identity) error {
	return f.submit(NewReleaseEscrowInstruction(f.buyer.Identity(), f.seller.Identity(), addr), f.buyer)
}

func (f *fixture) total(ids ...crypto.Identity) uint64 {
	var sum uint64
	for _, id := range ids {
		sum += f.balance(id)
	}
	return sum
}

func TestDealLifecycleMovesCustody(t *testing.T) {
	f := newFixture(t)
	buyer, seller := f.buyer.Identity(), f.seller.Identity()

	// Create charges the buyer only the storage reserve.
	addr := f.create(1000, 7)
	deal := f.deal(addr)
	if deal.State != DealCreated || deal.Amount != 1000 || deal.DealID != 7 {
		t.Fatalf("unexpected deal after create: %+v", deal)
	}
	if deal.Buyer != buyer || deal.Seller != seller {
		t.Fatalf("parties not recorded")
	}
	if got := f.balance(buyer); got != startingBalance-f.reserve {
		t.Fatalf("buyer paid %d, expected only the reserve %d", startingBalance-got, f.reserve)
	}
	if got := f.balance(addr); got != f.reserve {
		t.Fatalf("custody %d, expected reserve %d", got, f.reserve)
	}
	total := f.total(buyer, seller, addr)

	// Funding moves the amount into custody.
	if err := f.fund(addr); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if got := f.balance(buyer); got != startingBalance-f.reserve-1000 {
		t.Fatalf("buyer balance %d after fund", got)
	}
	if got := f.balance(addr); got != f.reserve+1000 {
		t.Fatalf("custody %d after fund", got)
	}
	if f.deal(addr).State != DealFunded {
		t.Fatalf("expected funded state")
	}
	if f.total(buyer, seller, addr) != total {
		t.Fatalf("value not conserved by fund")
	}

	// A second fund fails without touching balances.
	if err := f.fund(addr); !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected ErrAlreadyFunded, got %v", err)
	}
	if got := f.balance(addr); got != f.reserve+1000 {
		t.Fatalf("custody changed by rejected fund: %d", got)
	}

	// Release pays the seller and keeps the reserve.
	if err := f.release(addr); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := f.balance(seller); got != 1000 {
		t.Fatalf("seller balance %d after release", got)
	}
	if got := f.balance(addr); got != f.reserve {
		t.Fatalf("custody %d after release, expected reserve", got)
	}
	if f.deal(addr).State != DealReleased {
		t.Fatalf("expected released state")
	}
	if f.total(buyer, seller, addr) != total {
		t.Fatalf("value not conserved by release")
	}

	if err := f.release(addr); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
	if err := f.fund(addr); !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected ErrAlreadyFunded on released deal, got %v", err)
	}

	want := []string{
		events.TypeTransfer, events.TypeAccountCreated, EventTypeDealCreated,
		events.TypeTransfer, EventTypeDealFunded,
		EventTypeDealReleased,
	}
	got := f.emitter.types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestReleaseWithWrongSellerFailsDerivation(t *testing.T) {
	f := newFixture(t)
	addr := f.create(1000, 7)
	if err := f.fund(addr); err != nil {
		t.Fatalf("fund: %v", err)
	}
	imposter := mustKey(t).Identity()
	err := f.submit(NewReleaseEscrowInstruction(f.buyer.Identity(), imposter, addr), f.buyer)
	if !errors.Is(err, ErrAddressMismatch) || !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected address mismatch, got %v", err)
	}
	if f.balance(imposter) != 0 || f.balance(addr) != f.reserve+1000 {
		t.Fatalf("balances changed by rejected release")
	}
	if f.deal(addr).State != DealFunded {
		t.Fatalf("state changed by rejected release")
	}
}

func TestReleaseBeforeFundFails(t *testing.T) {
	f := newFixture(t)
	addr := f.create(1000, 1)
	if err := f.release(addr); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected ErrNotFunded, got %v", err)
	}
}

func TestCreateDuplicateDeal(t *testing.T) {
	f := newFixture(t)
	f.create(1000, 7)
	ix, _, err := NewCreateDealInstruction(f.buyer.Identity(), f.seller.Identity(), 5, 7)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	before := f.balance(f.buyer.Identity())
	if err := f.submit(ix, f.buyer); !errors.Is(err, ErrDuplicateDeal) {
		t.Fatalf("expected ErrDuplicateDeal, got %v", err)
	}
	if f.balance(f.buyer.Identity()) != before {
		t.Fatalf("duplicate create charged the buyer")
	}
}

func TestCreateTopsUpPrefundedAddress(t *testing.T) {
	f := newFixture(t)
	addr, _, err := DeriveDealAddress(f.buyer.Identity(), f.seller.Identity(), 3)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	f.setBalance(addr, 100)
	f.create(10, 3)
	if got := f.balance(addr); got != f.reserve {
		t.Fatalf("custody %d, expected reserve", got)
	}
	if got := f.balance(f.buyer.Identity()); got != startingBalance-(f.reserve-100) {
		t.Fatalf("buyer paid %d", startingBalance-got)
	}
}

func TestCreateRequiresBuyerSignature(t *testing.T) {
	f := newFixture(t)
	ix, _, err := NewCreateDealInstruction(f.buyer.Identity(), f.seller.Identity(), 1, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// Dropping the signer flag gets past the runtime; the program must refuse.
	ix.Accounts[0].Signer = false
	if err := f.submit(ix); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestCreateRejectsNonCanonicalAddress(t *testing.T) {
	f := newFixture(t)
	ix, _, err := NewCreateDealInstruction(f.buyer.Identity(), f.seller.Identity(), 1, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	other, _, err := DeriveDealAddress(f.buyer.Identity(), f.seller.Identity(), 2)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	ix.Accounts[2].Key = other
	if err := f.submit(ix, f.buyer); !errors.Is(err, ErrAddressMismatch) {
		t.Fatalf("expected ErrAddressMismatch, got %v", err)
	}
}

func TestCreateBuyerCannotAffordReserve(t *testing.T) {
	f := newFixture(t)
	f.setBalance(f.buyer.Identity(), f.reserve-1)
	ix, _, err := NewCreateDealInstruction(f.buyer.Identity(), f.seller.Identity(), 1, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := f.submit(ix, f.buyer); !errors.Is(err, ErrInsufficientBuyerBalance) {
		t.Fatalf("expected ErrInsufficientBuyerBalance, got %v", err)
	}
}

func TestFundInsufficientBuyerBalance(t *testing.T) {
	f := newFixture(t)
	addr := f.create(startingBalance, 1)
	if err := f.fund(addr); !errors.Is(err, ErrInsufficientBuyerBalance) {
		t.Fatalf("expected ErrInsufficientBuyerBalance, got %v", err)
	}
	if f.deal(addr).State != DealCreated {
		t.Fatalf("state changed by failed fund")
	}
	if got := f.balance(addr); got != f.reserve {
		t.Fatalf("custody changed by failed fund: %d", got)
	}
}

func TestUnauthorizedBuyer(t *testing.T) {
	f := newFixture(t)
	addr := f.create(1000, 1)
	mallory := mustKey(t)
	f.setBalance(mallory.Identity(), startingBalance)

	err := f.submit(NewFundEscrowInstruction(mallory.Identity(), f.seller.Identity(), addr), mallory)
	if !errors.Is(err, ErrUnauthorizedBuyer) {
		t.Fatalf("expected ErrUnauthorizedBuyer on fund, got %v", err)
	}
	if err := f.fund(addr); err != nil {
		t.Fatalf("fund: %v", err)
	}
	err = f.submit(NewReleaseEscrowInstruction(mallory.Identity(), f.seller.Identity(), addr), mallory)
	if !errors.Is(err, ErrUnauthorizedBuyer) {
		t.Fatalf("expected ErrUnauthorizedBuyer on release, got %v", err)
	}
	if f.balance(mallory.Identity()) != startingBalance || f.balance(f.seller.Identity()) != 0 {
		t.Fatalf("balances changed by unauthorized calls")
	}
	if f.deal(addr).State != DealFunded {
		t.Fatalf("state changed by unauthorized release")
	}
}

func TestFundUnknownDeal(t *testing.T) {
	f := newFixture(t)
	addr, _, err := DeriveDealAddress(f.buyer.Identity(), f.seller.Identity(), 99)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if err := f.fund(addr); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("expected ErrDealNotFound, got %v", err)
	}
	if err := f.release(addr); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("expected ErrDealNotFound, got %v", err)
	}
}

func TestReleaseGuardsReserve(t *testing.T) {
	f := newFixture(t)
	addr := f.create(1000, 1)
	if err := f.fund(addr); err != nil {
		t.Fatalf("fund: %v", err)
	}
	// Simulate storage rent being drawn from the custody balance.
	f.setBalance(addr, f.reserve+999)
	if err := f.release(addr); !errors.Is(err, ErrInsufficientEscrowBalance) {
		t.Fatalf("expected ErrInsufficientEscrowBalance, got %v", err)
	}
	f.setBalance(addr, 500)
	if err := f.release(addr); !errors.Is(err, ErrInsufficientEscrowBalance) {
		t.Fatalf("expected ErrInsufficientEscrowBalance below reserve, got %v", err)
	}
	if f.balance(f.seller.Identity()) != 0 {
		t.Fatalf("seller paid despite reserve guard")
	}
}

func TestZeroAmountDeal(t *testing.T) {
	f := newFixture(t)
	addr := f.create(0, 1)
	if err := f.fund(addr); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := f.release(addr); err != nil {
		t.Fatalf("release: %v", err)
	}
	if f.balance(addr) != f.reserve || f.balance(f.seller.Identity()) != 0 {
		t.Fatalf("zero amount deal moved funds")
	}
}

func TestDistinctDealIDsAreIndependent(t *testing.T) {
	f := newFixture(t)
	first := f.create(100, 1)
	second := f.create(200, 2)
	if first == second {
		t.Fatalf("deal ids collided")
	}
	if err := f.fund(first); err != nil {
		t.Fatalf("fund first: %v", err)
	}
	if f.deal(second).State != DealCreated {
		t.Fatalf("funding one deal touched the other")
	}
}

func TestParallelDeals(t *testing.T) {
	f := newFixture(t)
	const deals = 16
	addrs := make([]crypto.Identity, deals)
	for i := range addrs {
		addrs[i] = f.create(10, uint64(i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, deals*2)
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr crypto.Identity) {
			defer wg.Done()
			if err := f.fund(addr); err != nil {
				errs <- err
				return
			}
			if err := f.release(addr); err != nil {
				errs <- err
			}
		}(addr)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("parallel deal failed: %v", err)
	}
	if got := f.balance(f.seller.Identity()); got != deals*10 {
		t.Fatalf("seller balance %d, expected %d", got, deals*10)
	}
	for _, addr := range addrs {
		if f.deal(addr).State != DealReleased {
			t.Fatalf("deal %s not released", addr)
		}
	}
}

func TestConcurrentDoubleFundOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	addr := f.create(1000, 1)
	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.fund(addr)
		}()
	}
	wg.Wait()
	close(results)
	successes := 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case !errors.Is(err, ErrAlreadyFunded):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful fund, got %d", successes)
	}
	if got := f.balance(addr); got != f.reserve+1000 {
		t.Fatalf("custody %d after concurrent funds", got)
	}
}

func TestOutcomeLabels(t *testing.T) {
	e := NewEngine()
	if got := e.Outcome(VerifyDealAddress(crypto.Identity{}, crypto.Identity{}, crypto.Identity{}, 0, 0)); got != "address_mismatch" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := e.Outcome(ErrAlreadyFunded); got != "already_funded" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := e.Outcome(errors.New("other")); got != "" {
		t.Fatalf("unexpected label %q", got)
	}
}
