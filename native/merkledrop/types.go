package merkledrop

import (
	"math/big"
	"strings"
	"time"
)

const moduleName = "merkledrop"

// ModuleName is the identifier used for pause switches and metrics.
const ModuleName = moduleName

// Channel namespaces rounds by asset and distributor.
type Channel struct {
	Asset       string
	Distributor [20]byte
}

// NewChannel returns a channel with a normalised asset symbol.
func NewChannel(asset string, distributor [20]byte) Channel {
	return Channel{Asset: normalizeAsset(asset), Distributor: distributor}
}

// Round is the committed allocation snapshot for one round of a channel.
type Round struct {
	Root  [32]byte
	Total *big.Int
}

// ClaimRequest references one leaf of one round. A batch may mix rounds,
// distributors and assets.
type ClaimRequest struct {
	RoundID     uint64
	Balance     *big.Int
	Distributor [20]byte
	Asset       string
	Proof       [][32]byte
}

// Channel returns the channel the request is made against.
func (r ClaimRequest) Channel() Channel {
	return NewChannel(r.Asset, r.Distributor)
}

// Payout is the aggregated amount dispatched for one asset.
type Payout struct {
	Asset  string
	Amount *big.Int
}

// Limits bounds the work a single call may request.
type Limits struct {
	MaxBatchSize  int
	MaxProofDepth int
	MaxRangeSpan  uint64
	// DispatchWait bounds how long a caller waits for the lock while the
	// holder is inside a dispatcher call.
	DispatchWait time.Duration
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxBatchSize:  256,
		MaxProofDepth: 64,
		MaxRangeSpan:  4096,
		DispatchWait:  2 * time.Second,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxBatchSize <= 0 {
		l.MaxBatchSize = def.MaxBatchSize
	}
	if l.MaxProofDepth <= 0 {
		l.MaxProofDepth = def.MaxProofDepth
	}
	if l.MaxRangeSpan == 0 {
		l.MaxRangeSpan = def.MaxRangeSpan
	}
	if l.DispatchWait <= 0 {
		l.DispatchWait = def.DispatchWait
	}
	return l
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
