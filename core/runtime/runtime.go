package runtime

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"shopchain/core/events"
	"shopchain/core/state"
	"shopchain/core/types"
	"shopchain/crypto"
	"shopchain/observability"
)

var (
	ErrUnknownProgram        = errors.New("runtime: unknown program")
	ErrProgramRegistered     = errors.New("runtime: program already registered")
	ErrMissingSignature      = errors.New("runtime: missing required signature")
	ErrInvalidSignature      = errors.New("runtime: invalid signature")
	ErrReadonlyModified      = errors.New("runtime: readonly account modified")
	ErrUnbalancedTransaction = errors.New("runtime: lamports not conserved")
	ErrReplayedTransaction   = errors.New("runtime: transaction already processed")
)

// Receipt describes a committed transaction.
type Receipt struct {
	TxHash  [32]byte
	Program crypto.Identity
	Events  []*types.Event
}

// TxHashHex renders the transaction hash with a 0x prefix.
func (r *Receipt) TxHashHex() string { return "0x" + hex.EncodeToString(r.TxHash[:]) }

// Runtime verifies, dispatches and atomically commits transactions.
// Transactions that touch disjoint accounts execute in parallel.
type Runtime struct {
	state   *state.Manager
	locker  *state.Locker
	rent    state.Rent
	emitter events.Emitter
	logger  *slog.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	txCount metric.Int64Counter

	mu       sync.RWMutex
	programs map[crypto.Identity]Program
}

// Option customises a Runtime.
type Option func(*Runtime)

func WithRent(rent state.Rent) Option { return func(r *Runtime) { r.rent = rent } }

func WithLocker(locker *state.Locker) Option { return func(r *Runtime) { r.locker = locker } }

// WithEmitter sets the sink for committed events. Nil restores the no-op
// emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(r *Runtime) {
		if emitter == nil {
			emitter = events.NoopEmitter{}
		}
		r.emitter = emitter
	}
}

// WithMeterProvider overrides the global otel meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(r *Runtime) {
		if provider != nil {
			r.meter = provider.Meter("shopchain/runtime")
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a runtime over manager. The tracer comes from the global otel
// provider so telemetry configured at startup is picked up automatically.
func New(manager *state.Manager, opts ...Option) *Runtime {
	r := &Runtime{
		state:    manager,
		locker:   state.NewLocker(0),
		rent:     state.DefaultRent(),
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("shopchain/runtime"),
		meter:    otel.Meter("shopchain/runtime"),
		programs: make(map[crypto.Identity]Program),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runtime")
	counter, err := r.meter.Int64Counter("shopchain.runtime.transactions",
		metric.WithDescription("Submitted transactions by program and outcome."),
		metric.WithUnit("{transaction}"))
	if err != nil {
		r.logger.Warn("otel transaction counter unavailable", "error", err)
	}
	r.txCount = counter
	return r
}

func (r *Runtime) countTransaction(ctx context.Context, program, outcome string) {
	if r.txCount == nil {
		return
	}
	r.txCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("program", program),
		attribute.String("outcome", outcome),
	))
}

// Register makes a program callable.
func (r *Runtime) Register(p Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.programs[p.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrProgramRegistered, p.Name())
	}
	r.programs[p.ID()] = p
	return nil
}

func (r *Runtime) program(id crypto.Identity) (Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[id]
	return p, ok
}

// Rent returns the storage pricing used for reserve checks.
func (r *Runtime) Rent() state.Rent { return r.rent }

// Account reads committed state for id.
func (r *Runtime) Account(id crypto.Identity) (*types.Account, error) {
	return r.state.GetAccount(id)
}

// Submit verifies tx, executes it, and commits all of its writes or none.
func (r *Runtime) Submit(ctx context.Context, tx *types.Transaction) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	hash, err := tx.Hash()
	if err != nil {
		return nil, err
	}
	ctx, span := r.tracer.Start(ctx, "runtime.Submit", trace.WithAttributes(
		attribute.String("tx.hash", "0x"+hex.EncodeToString(hash[:])),
		attribute.String("program.id", tx.Instruction.ProgramID.String()),
	))
	defer span.End()

	start := time.Now()
	programName := "unknown"
	var program Program
	receipt, err := func() (*Receipt, error) {
		signers, digest, err := r.verifySignatures(tx)
		if err != nil {
			return nil, err
		}
		var ok bool
		program, ok = r.program(tx.Instruction.ProgramID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProgram, tx.Instruction.ProgramID)
		}
		programName = program.Name()
		span.SetAttributes(attribute.String("program.name", programName))
		return r.execute(ctx, program, tx, signers, digest, hash)
	}()

	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome := outcomeLabel(program, err)
		observability.Ledger().ObserveTransaction(programName, outcome, elapsed)
		r.countTransaction(ctx, programName, outcome)
		r.logger.Warn("transaction rejected",
			"tx", "0x"+hex.EncodeToString(hash[:]),
			"program", programName,
			"error", err)
		return nil, err
	}
	observability.Ledger().ObserveTransaction(programName, "", elapsed)
	r.countTransaction(ctx, programName, "ok")
	r.logger.Info("transaction committed",
		"tx", receipt.TxHashHex(),
		"program", programName,
		"events", len(receipt.Events),
		"elapsed", elapsed)
	return receipt, nil
}

func (r *Runtime) verifySignatures(tx *types.Transaction) ([]crypto.Identity, []byte, error) {
	digest, err := tx.SigningDigest()
	if err != nil {
		return nil, nil, err
	}
	recovered := make(map[crypto.Identity]struct{}, len(tx.Signatures))
	signers := make([]crypto.Identity, 0, len(tx.Signatures))
	for i, sig := range tx.Signatures {
		id, err := crypto.RecoverIdentity(digest, sig)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: signature %d: %v", ErrInvalidSignature, i, err)
		}
		if _, dup := recovered[id]; dup {
			continue
		}
		recovered[id] = struct{}{}
		signers = append(signers, id)
	}
	for _, required := range tx.RequiredSigners() {
		if _, ok := recovered[required]; !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingSignature, required)
		}
	}
	return signers, digest, nil
}

func (r *Runtime) execute(ctx context.Context, program Program, tx *types.Transaction, signers []crypto.Identity, digest []byte, hash [32]byte) (*Receipt, error) {
	keys := make([]crypto.Identity, 0, len(tx.Instruction.Accounts))
	for _, meta := range tx.Instruction.Accounts {
		keys = append(keys, meta.Key)
	}
	unlock := r.locker.Lock(keys...)
	defer unlock()

	txn := r.state.Begin()
	if err := txn.MarkProcessed(digest); err != nil {
		txn.Discard()
		if errors.Is(err, state.ErrAlreadyProcessed) {
			return nil, fmt.Errorf("%w: digest 0x%x", ErrReplayedTransaction, digest)
		}
		return nil, err
	}
	ictx := NewInvokeContext(ctx, txn, &tx.Instruction, signers, r.rent)
	if err := program.Execute(ictx); err != nil {
		txn.Discard()
		return nil, err
	}
	for _, meta := range tx.Instruction.Accounts {
		if !ictx.IsWritable(meta.Key) && txn.Modified(meta.Key) {
			txn.Discard()
			return nil, fmt.Errorf("%w: %s", ErrReadonlyModified, meta.Key)
		}
	}
	if before, after := txn.LamportTotals(); !before.Eq(after) {
		txn.Discard()
		return nil, fmt.Errorf("%w: before %s after %s", ErrUnbalancedTransaction, before.Dec(), after.Dec())
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("runtime: commit: %w", err)
	}

	receipt := &Receipt{TxHash: hash, Program: program.ID()}
	for _, evt := range ictx.Events() {
		committed := events.Committed{Inner: evt, TxHash: hash}
		r.emitter.Emit(committed)
		observability.Ledger().RecordEvent(evt.EventType())
		if payload := committed.Event(); payload != nil {
			receipt.Events = append(receipt.Events, payload)
		}
	}
	return receipt, nil
}

// OutcomeLabeler is implemented by programs that name their own failures for
// metrics.
type OutcomeLabeler interface {
	Outcome(error) string
}

func outcomeLabel(program Program, err error) string {
	if labeler, ok := program.(OutcomeLabeler); ok {
		if label := labeler.Outcome(err); label != "" {
			return label
		}
	}
	switch {
	case errors.Is(err, ErrUnknownProgram):
		return "unknown_program"
	case errors.Is(err, ErrMissingSignature), errors.Is(err, ErrInvalidSignature):
		return "bad_signature"
	case errors.Is(err, ErrReadonlyModified), errors.Is(err, ErrUnbalancedTransaction):
		return "invariant"
	case errors.Is(err, types.ErrMalformedTransaction):
		return "malformed"
	case errors.Is(err, ErrReplayedTransaction):
		return "replayed"
	default:
		return "error"
	}
}
