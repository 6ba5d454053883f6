package merkledrop

import (
	"context"
	"fmt"
	"math/big"
)

// DeliveryMode selects where settled claims are sent.
type DeliveryMode uint8

const (
	// DeliveryExternal credits the beneficiary's spendable balance.
	DeliveryExternal DeliveryMode = iota
	// DeliveryInternal credits the beneficiary's internal credit balance.
	DeliveryInternal
	// DeliveryCallback credits the target and then invokes it with Data.
	DeliveryCallback
)

func (m DeliveryMode) String() string {
	switch m {
	case DeliveryExternal:
		return "external"
	case DeliveryInternal:
		return "internal"
	case DeliveryCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// ParseDeliveryMode converts the String form back into a mode.
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch s {
	case "external", "":
		return DeliveryExternal, nil
	case "internal":
		return DeliveryInternal, nil
	case "callback":
		return DeliveryCallback, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidDelivery, s)
	}
}

// Delivery describes how a settlement is handed to its destination. Target
// and Data are only meaningful for DeliveryCallback.
type Delivery struct {
	Mode   DeliveryMode
	Target [20]byte
	Data   []byte
}

// ToExternal delivers to the beneficiary's spendable balance.
func ToExternal() Delivery { return Delivery{Mode: DeliveryExternal} }

// ToInternal delivers to the beneficiary's internal credit.
func ToInternal() Delivery { return Delivery{Mode: DeliveryInternal} }

// ToCallback delivers to target and invokes it with data.
func ToCallback(target [20]byte, data []byte) Delivery {
	return Delivery{Mode: DeliveryCallback, Target: target, Data: append([]byte(nil), data...)}
}

func (d Delivery) validate() error {
	switch d.Mode {
	case DeliveryExternal, DeliveryInternal:
		return nil
	case DeliveryCallback:
		if d.Target == ([20]byte{}) {
			return fmt.Errorf("%w: callback delivery requires a target", ErrInvalidDelivery)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidDelivery, d.Mode)
	}
}

// Dispatcher moves assets in and out of custody on behalf of the ledger. The
// ledger treats every returned error as fatal for the whole call.
type Dispatcher interface {
	// PullInto moves amount of asset from the distributor into custody.
	PullInto(ctx context.Context, asset string, amount *big.Int, from [20]byte) error
	// Push moves amount of asset out of custody according to delivery.
	// Callback deliveries must invoke the target after the transfer.
	Push(ctx context.Context, asset string, amount *big.Int, beneficiary [20]byte, delivery Delivery) error
}
