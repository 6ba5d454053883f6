package merkledrop

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"merkledrop/core/events"
	nativecommon "merkledrop/native/common"
)

const roundsPerWord = 256

// Ledger tracks which (channel, round, recipient) claims have been paid and
// settles claim batches against the roots held by its registry.
type Ledger struct {
	reg        *Registry
	newBatchID func() string
}

// NewLedger creates a claim ledger sharing state, lock, dispatcher and
// emitter with the registry.
func NewLedger(reg *Registry) *Ledger {
	return &Ledger{reg: reg, newBatchID: uuid.NewString}
}

// Registry returns the registry backing the ledger.
func (l *Ledger) Registry() *Registry {
	return l.reg
}

// IsClaimed reports whether recipient has claimed roundID of the channel.
func (l *Ledger) IsClaimed(ctx context.Context, ch Channel, roundID uint64, recipient [20]byte) (bool, error) {
	unlock, err := l.reg.read(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	word, err := l.loadWord(NewChannel(ch.Asset, ch.Distributor), recipient, roundID/roundsPerWord)
	if err != nil {
		return false, err
	}
	return bitSet(word, roundID%roundsPerWord), nil
}

// ClaimStatus returns the claimed flag of every round in from..to inclusive,
// in range order.
func (l *Ledger) ClaimStatus(ctx context.Context, recipient [20]byte, ch Channel, from, to uint64) ([]bool, error) {
	if err := l.reg.checkRange(from, to); err != nil {
		return nil, err
	}
	ch = NewChannel(ch.Asset, ch.Distributor)
	unlock, err := l.reg.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]bool, 0, to-from+1)
	var (
		word    *uint256.Int
		wordIdx uint64
	)
	for id := from; ; id++ {
		if word == nil || id/roundsPerWord != wordIdx {
			wordIdx = id / roundsPerWord
			loaded, err := l.loadWord(ch, recipient, wordIdx)
			if err != nil {
				return nil, err
			}
			word = loaded
		}
		out = append(out, bitSet(word, id%roundsPerWord))
		if id == to {
			break
		}
	}
	return out, nil
}

// VerifyClaim reports whether balance for beneficiary is a member of the
// round's tree. It never mutates state; unknown rounds and malformed
// balances report false.
func (l *Ledger) VerifyClaim(ctx context.Context, ch Channel, beneficiary [20]byte, roundID uint64, balance *big.Int, proof [][32]byte) bool {
	if len(proof) > l.reg.limits.MaxProofDepth {
		return false
	}
	round, found, err := l.reg.Round(ctx, ch, roundID)
	if err != nil || !found {
		return false
	}
	leaf, err := Leaf(beneficiary, balance)
	if err != nil {
		return false
	}
	return VerifyProof(leaf, proof, round.Root)
}

// SettleClaims verifies every request for beneficiary, marks them claimed and
// dispatches one aggregated amount per asset. The batch is all-or-nothing:
// any failure, including a dispatcher error, reverts every flag and custody
// movement made by the call and no events are emitted.
//
// Claimed flags are written before any dispatch, so a callback that re-enters
// the ledger with the context it was given observes them as claimed.
func (l *Ledger) SettleClaims(ctx context.Context, caller, beneficiary [20]byte, requests []ClaimRequest, delivery Delivery) (payouts []Payout, err error) {
	start := time.Now()
	batchID := l.newBatchID()
	ctx, span := l.reg.tracer.Start(ctx, "merkledrop.settle_claims", trace.WithAttributes(
		attribute.String("batch", batchID),
		attribute.Int("requests", len(requests)),
		attribute.String("delivery", delivery.Mode.String()),
	))
	logger := l.reg.logger.With(
		slog.String("batch", batchID),
		slog.String("beneficiary", hex.EncodeToString(beneficiary[:])),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn("merkledrop: claim batch rejected", slog.String("reason", ErrorReason(err)), slog.Any("error", err))
		}
		span.End()
		l.reg.metrics.ObserveOperation("settle_claims", time.Since(start), ErrorReason(err))
	}()

	if caller != beneficiary {
		return nil, ErrUnauthorizedClaimant
	}
	if len(requests) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(requests) > l.reg.limits.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d requests, limit %d", ErrBatchTooLarge, len(requests), l.reg.limits.MaxBatchSize)
	}
	if err := delivery.validate(); err != nil {
		return nil, err
	}

	ctx, tx, err := l.reg.begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(l.reg.pauses, moduleName); err != nil {
		return nil, tx.abort(err)
	}
	payouts, counts, err := l.settle(ctx, tx, batchID, beneficiary, requests, delivery)
	if err != nil {
		return nil, tx.abort(err)
	}
	outermost := tx.outermost()
	tx.commit()
	// A nested batch is only final once the enclosing one commits.
	if !outermost {
		return payouts, nil
	}

	for _, payout := range payouts {
		l.reg.metrics.ObserveClaimsSettled(payout.Asset, counts[payout.Asset])
		l.reg.metrics.ObserveDispatched(payout.Asset, delivery.Mode.String(), payout.Amount)
		logger.Info("merkledrop: claims settled",
			slog.String("asset", payout.Asset),
			slog.String("amount", payout.Amount.String()),
			slog.Int("claims", counts[payout.Asset]),
			slog.String("delivery", delivery.Mode.String()))
	}
	return payouts, nil
}

func (l *Ledger) settle(ctx context.Context, tx *stateTx, batchID string, beneficiary [20]byte, requests []ClaimRequest, delivery Delivery) ([]Payout, map[string]int, error) {
	totals := make(map[string]*big.Int)
	counts := make(map[string]int)
	order := make([]string, 0, 1)

	for i, req := range requests {
		ch := req.Channel()
		if !validAmount(req.Balance) {
			return nil, nil, fmt.Errorf("%w: request %d", ErrInvalidAmount, i)
		}
		if len(req.Proof) > l.reg.limits.MaxProofDepth {
			return nil, nil, fmt.Errorf("%w: request %d proof depth %d exceeds %d", ErrInvalidProof, i, len(req.Proof), l.reg.limits.MaxProofDepth)
		}
		round, found, err := l.reg.round(ch, req.RoundID)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			return nil, nil, fmt.Errorf("%w: request %d references %s round %d", ErrUnknownRound, i, ch.Asset, req.RoundID)
		}
		leaf, err := Leaf(beneficiary, req.Balance)
		if err != nil {
			return nil, nil, fmt.Errorf("request %d: %w", i, err)
		}
		if !VerifyProof(leaf, req.Proof, round.Root) {
			return nil, nil, fmt.Errorf("%w: request %d for %s round %d", ErrInvalidProof, i, ch.Asset, req.RoundID)
		}
		claimed, err := l.testAndSet(ch, beneficiary, req.RoundID)
		if err != nil {
			return nil, nil, err
		}
		if claimed {
			return nil, nil, fmt.Errorf("%w: request %d for %s round %d", ErrAlreadyClaimed, i, ch.Asset, req.RoundID)
		}
		if err := l.reg.debitChannel(ch, req.Balance); err != nil {
			return nil, nil, fmt.Errorf("request %d: %w", i, err)
		}

		total, ok := totals[ch.Asset]
		if !ok {
			total = new(big.Int)
			totals[ch.Asset] = total
			order = append(order, ch.Asset)
		}
		total.Add(total, req.Balance)
		counts[ch.Asset]++
		tx.emit(events.ClaimSettled{
			BatchID:     batchID,
			Beneficiary: beneficiary,
			Distributor: ch.Distributor,
			Asset:       ch.Asset,
			Round:       req.RoundID,
			Amount:      new(big.Int).Set(req.Balance),
		})
	}

	payouts := make([]Payout, 0, len(order))
	for _, asset := range order {
		amount := totals[asset]
		err := l.reg.dispatchCall(func() error {
			return l.reg.dispatch.Push(ctx, asset, new(big.Int).Set(amount), beneficiary, delivery)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: push %s %s: %w", ErrDispatchFailure, amount, asset, err)
		}
		if delivery.Mode == DeliveryCallback {
			tx.emit(events.CallbackInvoked{
				BatchID:     batchID,
				Target:      delivery.Target,
				Beneficiary: beneficiary,
				Asset:       asset,
				Amount:      new(big.Int).Set(amount),
			})
		}
		payouts = append(payouts, Payout{Asset: asset, Amount: new(big.Int).Set(amount)})
	}
	return payouts, counts, nil
}

// testAndSet returns the previous claimed flag and sets it.
func (l *Ledger) testAndSet(ch Channel, recipient [20]byte, roundID uint64) (bool, error) {
	wordIdx := roundID / roundsPerWord
	word, err := l.loadWord(ch, recipient, wordIdx)
	if err != nil {
		return false, err
	}
	bit := roundID % roundsPerWord
	if bitSet(word, bit) {
		return true, nil
	}
	word[bit/64] |= 1 << (bit % 64)
	raw := word.Bytes32()
	if err := l.reg.st.KVPut(claimedWordKey(ch, recipient, wordIdx), raw); err != nil {
		return false, err
	}
	return false, nil
}

func (l *Ledger) loadWord(ch Channel, recipient [20]byte, wordIdx uint64) (*uint256.Int, error) {
	var raw [32]byte
	found, err := l.reg.st.KVGet(claimedWordKey(ch, recipient, wordIdx), &raw)
	if err != nil {
		return nil, err
	}
	word := new(uint256.Int)
	if found {
		word.SetBytes32(raw[:])
	}
	return word, nil
}

func bitSet(word *uint256.Int, bit uint64) bool {
	return word[bit/64]&(1<<(bit%64)) != 0
}
