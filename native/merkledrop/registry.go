package merkledrop

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"merkledrop/core/events"
	nativecommon "merkledrop/native/common"
	"merkledrop/observability/metrics"
)

type moduleState interface {
	TokenExists(symbol string) bool
	IsPaused(module string) bool
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Snapshot() int
	RevertToSnapshot(id int) error
	DiscardSnapshot(id int)
}

// Registry stores the write-once round roots of every channel and owns the
// lock that serialises every registry and ledger access to the shared state.
type Registry struct {
	sem         chan struct{}
	dispatching atomic.Int32

	st       moduleState
	dispatch Dispatcher
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	limits   Limits
	metrics  *metrics.MerkledropMetrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewRegistry creates a registry backed by the provided state manager. The
// dispatcher receives the pull-transfer of every registered round.
func NewRegistry(st moduleState, dispatch Dispatcher) *Registry {
	return &Registry{
		sem:      make(chan struct{}, 1),
		st:       st,
		dispatch: dispatch,
		emitter:  events.NoopEmitter{},
		pauses:   st,
		limits:   DefaultLimits(),
		tracer:   otel.Tracer("merkledrop"),
		logger:   slog.Default(),
	}
}

// SetEmitter configures the event emitter used to broadcast registry and
// ledger events. Passing nil resets the emitter to a no-op implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetPauses overrides where pause switches are read from. Nil disables the
// pause guard.
func (r *Registry) SetPauses(p nativecommon.PauseView) {
	r.pauses = p
}

// SetLimits overrides the batch, proof and range limits. Zero fields keep
// their defaults.
func (r *Registry) SetLimits(l Limits) {
	r.limits = l.withDefaults()
}

// SetMetrics attaches the metrics registry. Nil disables metrics.
func (r *Registry) SetMetrics(m *metrics.MerkledropMetrics) {
	r.metrics = m
}

// SetTracer replaces the tracer used for registry and ledger spans.
func (r *Registry) SetTracer(tracer trace.Tracer) {
	if tracer == nil {
		tracer = otel.Tracer("merkledrop")
	}
	r.tracer = tracer
}

// SetLogger configures the logger. Nil falls back to slog.Default.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.logger = logger
}

// RegisterRound commits root as round roundID of the (asset, distributor)
// channel and pulls total from the distributor into custody. A round can be
// registered once; later attempts fail with ErrDuplicateRound and leave the
// stored root untouched.
func (r *Registry) RegisterRound(ctx context.Context, distributor [20]byte, asset string, roundID uint64, root [32]byte, total *big.Int) (err error) {
	start := time.Now()
	ch := NewChannel(asset, distributor)
	ctx, span := r.tracer.Start(ctx, "merkledrop.register_round", trace.WithAttributes(
		attribute.String("asset", ch.Asset),
		attribute.Int64("round", int64(roundID)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.logger.Warn("merkledrop: round registration rejected",
				slog.String("asset", ch.Asset),
				slog.String("distributor", hex.EncodeToString(distributor[:])),
				slog.Uint64("round", roundID),
				slog.String("reason", ErrorReason(err)))
		}
		span.End()
		r.metrics.ObserveOperation("register_round", time.Since(start), ErrorReason(err))
	}()

	if roundID == 0 {
		return ErrInvalidRound
	}
	if root == ([32]byte{}) {
		return ErrInvalidRoot
	}
	if !validAmount(total) {
		return ErrInvalidAmount
	}

	ctx, tx, err := r.begin(ctx)
	if err != nil {
		return err
	}
	if err := r.registerRound(ctx, tx, ch, roundID, root, total); err != nil {
		return tx.abort(err)
	}
	outermost := tx.outermost()
	tx.commit()
	if !outermost {
		return nil
	}

	r.metrics.ObserveRoundRegistered(ch.Asset)
	r.logger.Info("merkledrop: round registered",
		slog.String("asset", ch.Asset),
		slog.String("distributor", hex.EncodeToString(distributor[:])),
		slog.Uint64("round", roundID),
		slog.String("total", total.String()))
	return nil
}

func (r *Registry) registerRound(ctx context.Context, tx *stateTx, ch Channel, roundID uint64, root [32]byte, total *big.Int) error {
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return err
	}
	if !r.st.TokenExists(ch.Asset) {
		return fmt.Errorf("%w: %q", ErrUnknownAsset, ch.Asset)
	}
	_, found, err := r.round(ch, roundID)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s round %d", ErrDuplicateRound, ch.Asset, roundID)
	}
	amount := new(big.Int).Set(total)
	if err := r.st.KVPut(roundKey(ch, roundID), &Round{Root: root, Total: amount}); err != nil {
		return err
	}
	if err := r.creditChannel(ch, amount); err != nil {
		return err
	}
	err = r.dispatchCall(func() error {
		return r.dispatch.PullInto(ctx, ch.Asset, new(big.Int).Set(amount), ch.Distributor)
	})
	if err != nil {
		return fmt.Errorf("%w: pull %s %s: %w", ErrDispatchFailure, amount, ch.Asset, err)
	}
	tx.emit(events.RoundRegistered{
		Asset:       ch.Asset,
		Distributor: ch.Distributor,
		Round:       roundID,
		Root:        root,
		Amount:      new(big.Int).Set(amount),
	})
	return nil
}

// round loads a round record. A record with an empty root counts as absent.
func (r *Registry) round(ch Channel, roundID uint64) (*Round, bool, error) {
	stored := new(Round)
	found, err := r.st.KVGet(roundKey(ch, roundID), stored)
	if err != nil {
		return nil, false, err
	}
	if !found || stored.Root == ([32]byte{}) {
		return nil, false, nil
	}
	if stored.Total == nil {
		stored.Total = big.NewInt(0)
	}
	return stored, true, nil
}

// Round returns the stored record of a round.
func (r *Registry) Round(ctx context.Context, ch Channel, roundID uint64) (*Round, bool, error) {
	unlock, err := r.read(ctx)
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	return r.round(NewChannel(ch.Asset, ch.Distributor), roundID)
}

// Root returns the committed root of a round or ErrUnknownRound.
func (r *Registry) Root(ctx context.Context, ch Channel, roundID uint64) ([32]byte, error) {
	round, found, err := r.Round(ctx, ch, roundID)
	if err != nil {
		return [32]byte{}, err
	}
	if !found {
		return [32]byte{}, fmt.Errorf("%w: %s round %d", ErrUnknownRound, normalizeAsset(ch.Asset), roundID)
	}
	return round.Root, nil
}

// Roots returns the roots of rounds from..to inclusive. Rounds that have not
// been registered yield the zero hash at their position.
func (r *Registry) Roots(ctx context.Context, ch Channel, from, to uint64) ([][32]byte, error) {
	if err := r.checkRange(from, to); err != nil {
		return nil, err
	}
	ch = NewChannel(ch.Asset, ch.Distributor)
	unlock, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([][32]byte, 0, to-from+1)
	for id := from; ; id++ {
		round, found, err := r.round(ch, id)
		if err != nil {
			return nil, err
		}
		var root [32]byte
		if found {
			root = round.Root
		}
		out = append(out, root)
		if id == to {
			break
		}
	}
	return out, nil
}

// RemainingBalance reports how much of the channel's registered totals has
// not been claimed yet.
func (r *Registry) RemainingBalance(ctx context.Context, ch Channel) (*big.Int, error) {
	unlock, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.remaining(NewChannel(ch.Asset, ch.Distributor))
}

func (r *Registry) checkRange(from, to uint64) error {
	if from == 0 || from > to {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, from, to)
	}
	if to-from >= r.limits.MaxRangeSpan {
		return fmt.Errorf("%w: span %d exceeds %d", ErrInvalidRange, to-from+1, r.limits.MaxRangeSpan)
	}
	return nil
}

func (r *Registry) remaining(ch Channel) (*big.Int, error) {
	amount := new(big.Int)
	if _, err := r.st.KVGet(remainingKey(ch), amount); err != nil {
		return nil, err
	}
	return amount, nil
}

func (r *Registry) creditChannel(ch Channel, amount *big.Int) error {
	current, err := r.remaining(ch)
	if err != nil {
		return err
	}
	return r.st.KVPut(remainingKey(ch), current.Add(current, amount))
}

func (r *Registry) debitChannel(ch Channel, amount *big.Int) error {
	current, err := r.remaining(ch)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s remaining %s, claim %s", ErrChannelExhausted, ch.Asset, current, amount)
	}
	return r.st.KVPut(remainingKey(ch), current.Sub(current, amount))
}

// Atomic runs fn under the registry lock against a state snapshot. An error
// from fn reverts every write it made. Custody operations that touch the same
// state outside a claim, such as credit withdrawals, must go through Atomic.
func (r *Registry) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, tx, err := r.begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return tx.abort(err)
	}
	tx.commit()
	return nil
}

// ErrorReason maps module errors to stable metric and log labels.
func ErrorReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateRound):
		return "duplicate_round"
	case errors.Is(err, ErrUnknownRound):
		return "unknown_round"
	case errors.Is(err, ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrUnauthorizedClaimant):
		return "unauthorized"
	case errors.Is(err, ErrDispatchFailure):
		return "dispatch_failure"
	case errors.Is(err, ErrChannelExhausted):
		return "channel_exhausted"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	case errors.Is(err, ErrLedgerBusy), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "busy"
	case errors.Is(err, ErrInvalidRound), errors.Is(err, ErrInvalidRoot), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrUnknownAsset), errors.Is(err, ErrInvalidRange), errors.Is(err, ErrEmptyBatch),
		errors.Is(err, ErrBatchTooLarge), errors.Is(err, ErrInvalidDelivery):
		return "invalid_request"
	default:
		return "internal"
	}
}
