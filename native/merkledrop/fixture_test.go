package merkledrop_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"merkledrop/core/events"
	"merkledrop/core/state"
	"merkledrop/native/merkledrop"
	"merkledrop/native/merkledrop/merkletree"
	"merkledrop/native/vault"
	"merkledrop/storage"
	"merkledrop/storage/trie"
)

type fixture struct {
	st       *state.Manager
	vault    *vault.Vault
	registry *merkledrop.Registry
	ledger   *merkledrop.Ledger
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test wrap the vault's dispatcher.
func newFixtureWith(t *testing.T, wrap func(merkledrop.Dispatcher) merkledrop.Dispatcher) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tr, err := trie.NewTrie(db, nil)
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	st := state.NewManager(tr)
	for _, symbol := range []string{"DROP", "GOV"} {
		if err := st.RegisterToken(symbol, symbol+" token", 18); err != nil {
			t.Fatalf("register token %s: %v", symbol, err)
		}
	}
	v := vault.New(st)
	var dispatch merkledrop.Dispatcher = v
	if wrap != nil {
		dispatch = wrap(v)
	}
	reg := merkledrop.NewRegistry(st, dispatch)
	rec := &events.Recorder{}
	reg.SetEmitter(rec)
	return &fixture{st: st, vault: v, registry: reg, ledger: merkledrop.NewLedger(reg), recorder: rec}
}

func addr(b byte) [20]byte {
	var a [20]byte
	a[0] = 0xd0
	a[19] = b
	return a
}

var (
	distributor = addr(1)
	user1       = addr(10)
	user2       = addr(11)
	user3       = addr(12)
)

func (f *fixture) fund(t *testing.T, account [20]byte, asset string, amount int64) {
	t.Helper()
	current, err := f.st.Balance(account[:], asset)
	require.NoError(t, err)
	require.NoError(t, f.st.SetBalance(account[:], asset, current.Add(current, big.NewInt(amount))))
}

func (f *fixture) balance(t *testing.T, account [20]byte, asset string) int64 {
	t.Helper()
	bal, err := f.st.Balance(account[:], asset)
	require.NoError(t, err)
	return bal.Int64()
}

// publish builds a distribution, funds the distributor with its total and
// registers it.
func (f *fixture) publish(t *testing.T, asset string, from [20]byte, round uint64, allocs ...merkletree.Allocation) *merkletree.Distribution {
	t.Helper()
	dist, err := merkletree.BuildDistribution(allocs)
	require.NoError(t, err)
	f.fund(t, from, asset, dist.Total().Int64())
	require.NoError(t, f.registry.RegisterRound(context.Background(), from, asset, round, dist.Root(), dist.Total()))
	return dist
}

func alloc(account [20]byte, amount int64) merkletree.Allocation {
	return merkletree.Allocation{Account: account, Balance: big.NewInt(amount)}
}

func request(t *testing.T, dist *merkletree.Distribution, asset string, from [20]byte, round uint64, account [20]byte) merkledrop.ClaimRequest {
	t.Helper()
	balance, proof, err := dist.ProofFor(account)
	require.NoError(t, err)
	return merkledrop.ClaimRequest{
		RoundID:     round,
		Balance:     balance,
		Distributor: from,
		Asset:       asset,
		Proof:       proof,
	}
}
