// Package vault implements merkledrop asset custody on top of the state
// manager's token balances.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"merkledrop/core/state"
	"merkledrop/native/merkledrop"
)

var (
	ErrInvalidAmount    = errors.New("vault: amount must be positive")
	ErrUnknownAsset     = errors.New("vault: asset not registered")
	ErrInsufficientFund = errors.New("vault: insufficient funds")
	ErrUnknownReceiver  = errors.New("vault: no receiver registered for target")
)

var creditPrefix = []byte("merkledrop/vault/credit/")

type ledgerState interface {
	TokenExists(symbol string) bool
	Balance(addr []byte, symbol string) (*big.Int, error)
	AddBalance(addr []byte, symbol string, amount *big.Int) error
	SubBalance(addr []byte, symbol string, amount *big.Int) error
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Callback is handed to a Receiver after its target has been credited.
type Callback struct {
	Target      [20]byte
	Beneficiary [20]byte
	Asset       string
	Amount      *big.Int
	Data        []byte
}

// Receiver is the code behind a callback delivery target. The context passed
// to OnRewardsClaimed belongs to the settling call; re-entering the ledger
// with it observes the batch's claimed flags.
type Receiver interface {
	OnRewardsClaimed(ctx context.Context, cb Callback) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, cb Callback) error

func (f ReceiverFunc) OnRewardsClaimed(ctx context.Context, cb Callback) error {
	return f(ctx, cb)
}

// Vault holds pulled round totals in a per-asset custody account and pays
// them out according to the delivery mode. It does no locking of its own:
// state mutations are expected to run inside a registry operation or
// merkledrop.Registry.Atomic.
type Vault struct {
	st ledgerState

	mu        sync.RWMutex
	receivers map[[20]byte]Receiver
}

var _ merkledrop.Dispatcher = (*Vault)(nil)

// New creates a vault over st.
func New(st ledgerState) *Vault {
	return &Vault{st: st, receivers: make(map[[20]byte]Receiver)}
}

// CustodyAccount derives the account holding custody of asset.
func CustodyAccount(asset string) [20]byte {
	var addr [20]byte
	hash := ethcrypto.Keccak256([]byte("merkledrop/vault/" + state.NormalizeSymbol(asset)))
	copy(addr[:], hash[12:])
	return addr
}

// RegisterReceiver binds target to recv. Passing nil removes the binding.
func (v *Vault) RegisterReceiver(target [20]byte, recv Receiver) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if recv == nil {
		delete(v.receivers, target)
		return
	}
	v.receivers[target] = recv
}

func (v *Vault) receiver(target [20]byte) (Receiver, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	recv, ok := v.receivers[target]
	return recv, ok
}

// PullInto moves amount of asset from the distributor into custody.
func (v *Vault) PullInto(_ context.Context, asset string, amount *big.Int, from [20]byte) error {
	if err := v.check(asset, amount); err != nil {
		return err
	}
	custody := CustodyAccount(asset)
	if err := v.debit(from[:], asset, amount); err != nil {
		return err
	}
	return v.st.AddBalance(custody[:], asset, amount)
}

// Push pays amount of asset out of custody. External deliveries credit the
// beneficiary's balance, internal ones its credit ledger, and callback ones
// credit the target's credit ledger before invoking its receiver.
func (v *Vault) Push(ctx context.Context, asset string, amount *big.Int, beneficiary [20]byte, delivery merkledrop.Delivery) error {
	if err := v.check(asset, amount); err != nil {
		return err
	}
	var recv Receiver
	if delivery.Mode == merkledrop.DeliveryCallback {
		var ok bool
		if recv, ok = v.receiver(delivery.Target); !ok {
			return fmt.Errorf("%w: %x", ErrUnknownReceiver, delivery.Target)
		}
	}
	custody := CustodyAccount(asset)
	if err := v.debit(custody[:], asset, amount); err != nil {
		return err
	}
	switch delivery.Mode {
	case merkledrop.DeliveryExternal:
		return v.st.AddBalance(beneficiary[:], asset, amount)
	case merkledrop.DeliveryInternal:
		return v.addCredit(asset, beneficiary, amount)
	case merkledrop.DeliveryCallback:
		if err := v.addCredit(asset, delivery.Target, amount); err != nil {
			return err
		}
		return recv.OnRewardsClaimed(ctx, Callback{
			Target:      delivery.Target,
			Beneficiary: beneficiary,
			Asset:       state.NormalizeSymbol(asset),
			Amount:      new(big.Int).Set(amount),
			Data:        append([]byte(nil), delivery.Data...),
		})
	default:
		return fmt.Errorf("vault: unsupported delivery mode %s", delivery.Mode)
	}
}

// Custody returns the amount of asset currently held in custody.
func (v *Vault) Custody(asset string) (*big.Int, error) {
	custody := CustodyAccount(asset)
	return v.st.Balance(custody[:], asset)
}

// Credit returns the internal credit of account in asset.
func (v *Vault) Credit(asset string, account [20]byte) (*big.Int, error) {
	amount := new(big.Int)
	if _, err := v.st.KVGet(creditKey(asset, account), amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// WithdrawCredit moves amount of account's internal credit to its spendable
// balance.
func (v *Vault) WithdrawCredit(asset string, account [20]byte, amount *big.Int) error {
	if err := v.check(asset, amount); err != nil {
		return err
	}
	current, err := v.Credit(asset, account)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: credit %s, withdraw %s", ErrInsufficientFund, current, amount)
	}
	if err := v.st.KVPut(creditKey(asset, account), current.Sub(current, amount)); err != nil {
		return err
	}
	return v.st.AddBalance(account[:], asset, amount)
}

func (v *Vault) addCredit(asset string, account [20]byte, amount *big.Int) error {
	current, err := v.Credit(asset, account)
	if err != nil {
		return err
	}
	return v.st.KVPut(creditKey(asset, account), current.Add(current, amount))
}

func (v *Vault) debit(addr []byte, asset string, amount *big.Int) error {
	if err := v.st.SubBalance(addr, asset, amount); err != nil {
		if errors.Is(err, state.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %w", ErrInsufficientFund, err)
		}
		return err
	}
	return nil
}

func (v *Vault) check(asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !v.st.TokenExists(asset) {
		return fmt.Errorf("%w: %q", ErrUnknownAsset, asset)
	}
	return nil
}

func creditKey(asset string, account [20]byte) []byte {
	symbol := state.NormalizeSymbol(asset)
	key := make([]byte, 0, len(creditPrefix)+1+len(symbol)+len(account))
	key = append(key, creditPrefix...)
	key = append(key, byte(len(symbol)))
	key = append(key, symbol...)
	return append(key, account[:]...)
}
