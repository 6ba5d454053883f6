package events

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"merkledrop/core/types"
	"merkledrop/crypto"
)

const (
	TypeRoundRegistered = "merkledrop.round_registered"
	TypeClaimSettled    = "merkledrop.claim_settled"
	TypeCallbackInvoked = "merkledrop.callback_invoked"
)

// RoundRegistered is emitted once a distributor commits a new round root and
// the allocated total has been pulled into custody.
type RoundRegistered struct {
	Asset       string
	Distributor [20]byte
	Round       uint64
	Root        [32]byte
	Amount      *big.Int
}

func (RoundRegistered) EventType() string { return TypeRoundRegistered }

func (e RoundRegistered) Event() *types.Event {
	return &types.Event{
		Type: TypeRoundRegistered,
		Attributes: map[string]string{
			"asset":       normalizeAsset(e.Asset),
			"distributor": crypto.FormatAddress(e.Distributor),
			"round":       strconv.FormatUint(e.Round, 10),
			"root":        "0x" + hex.EncodeToString(e.Root[:]),
			"amount":      formatAmount(e.Amount),
		},
	}
}

// ClaimSettled records a single paid claim request.
type ClaimSettled struct {
	BatchID     string
	Beneficiary [20]byte
	Distributor [20]byte
	Asset       string
	Round       uint64
	Amount      *big.Int
}

func (ClaimSettled) EventType() string { return TypeClaimSettled }

func (e ClaimSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeClaimSettled,
		Attributes: map[string]string{
			"batch":       e.BatchID,
			"beneficiary": crypto.FormatAddress(e.Beneficiary),
			"distributor": crypto.FormatAddress(e.Distributor),
			"asset":       normalizeAsset(e.Asset),
			"round":       strconv.FormatUint(e.Round, 10),
			"amount":      formatAmount(e.Amount),
		},
	}
}

// CallbackInvoked is emitted for every aggregated dispatch delivered to a
// callback target.
type CallbackInvoked struct {
	BatchID     string
	Target      [20]byte
	Beneficiary [20]byte
	Asset       string
	Amount      *big.Int
}

func (CallbackInvoked) EventType() string { return TypeCallbackInvoked }

func (e CallbackInvoked) Event() *types.Event {
	return &types.Event{
		Type: TypeCallbackInvoked,
		Attributes: map[string]string{
			"batch":       e.BatchID,
			"target":      crypto.FormatAddress(e.Target),
			"beneficiary": crypto.FormatAddress(e.Beneficiary),
			"asset":       normalizeAsset(e.Asset),
			"amount":      formatAmount(e.Amount),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
