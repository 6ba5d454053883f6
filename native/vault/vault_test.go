package vault

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"merkledrop/core/state"
	"merkledrop/native/merkledrop"
	"merkledrop/storage"
	"merkledrop/storage/trie"
)

func newTestState(t *testing.T) *state.Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tr, err := trie.NewTrie(db, nil)
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	st := state.NewManager(tr)
	require.NoError(t, st.RegisterToken("DROP", "Drop", 18))
	return st
}

func addr(b byte) [20]byte {
	var a [20]byte
	a[0] = b
	return a
}

func TestPullAndPushExternal(t *testing.T) {
	st := newTestState(t)
	v := New(st)
	distributor, beneficiary := addr(1), addr(2)
	require.NoError(t, st.SetBalance(distributor[:], "DROP", big.NewInt(500)))

	require.NoError(t, v.PullInto(context.Background(), "drop", big.NewInt(300), distributor))
	custody, err := v.Custody("DROP")
	require.NoError(t, err)
	require.Equal(t, "300", custody.String())

	require.NoError(t, v.Push(context.Background(), "DROP", big.NewInt(120), beneficiary, merkledrop.ToExternal()))
	bal, err := st.Balance(beneficiary[:], "DROP")
	require.NoError(t, err)
	require.Equal(t, "120", bal.String())
	custody, err = v.Custody("DROP")
	require.NoError(t, err)
	require.Equal(t, "180", custody.String())
}

func TestPullInsufficientFunds(t *testing.T) {
	st := newTestState(t)
	v := New(st)
	err := v.PullInto(context.Background(), "DROP", big.NewInt(1), addr(1))
	require.ErrorIs(t, err, ErrInsufficientFund)

	err = v.PullInto(context.Background(), "NOPE", big.NewInt(1), addr(1))
	require.ErrorIs(t, err, ErrUnknownAsset)

	err = v.PullInto(context.Background(), "DROP", big.NewInt(0), addr(1))
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPushInternalAndWithdraw(t *testing.T) {
	st := newTestState(t)
	v := New(st)
	custody := CustodyAccount("DROP")
	require.NoError(t, st.SetBalance(custody[:], "DROP", big.NewInt(100)))
	beneficiary := addr(3)

	require.NoError(t, v.Push(context.Background(), "DROP", big.NewInt(60), beneficiary, merkledrop.ToInternal()))
	credit, err := v.Credit("DROP", beneficiary)
	require.NoError(t, err)
	require.Equal(t, "60", credit.String())
	bal, err := st.Balance(beneficiary[:], "DROP")
	require.NoError(t, err)
	require.Zero(t, bal.Sign())

	require.ErrorIs(t, v.WithdrawCredit("DROP", beneficiary, big.NewInt(61)), ErrInsufficientFund)
	require.NoError(t, v.WithdrawCredit("DROP", beneficiary, big.NewInt(40)))
	credit, err = v.Credit("DROP", beneficiary)
	require.NoError(t, err)
	require.Equal(t, "20", credit.String())
	bal, err = st.Balance(beneficiary[:], "DROP")
	require.NoError(t, err)
	require.Equal(t, "40", bal.String())
}

func TestPushCallbackInvokesReceiver(t *testing.T) {
	st := newTestState(t)
	v := New(st)
	custody := CustodyAccount("DROP")
	require.NoError(t, st.SetBalance(custody[:], "DROP", big.NewInt(100)))
	target, beneficiary := addr(9), addr(4)

	err := v.Push(context.Background(), "DROP", big.NewInt(10), beneficiary, merkledrop.ToCallback(target, nil))
	require.ErrorIs(t, err, ErrUnknownReceiver)

	var got []Callback
	v.RegisterReceiver(target, ReceiverFunc(func(_ context.Context, cb Callback) error {
		got = append(got, cb)
		return nil
	}))
	require.NoError(t, v.Push(context.Background(), "drop", big.NewInt(10), beneficiary, merkledrop.ToCallback(target, []byte("stake"))))
	require.Len(t, got, 1)
	require.Equal(t, beneficiary, got[0].Beneficiary)
	require.Equal(t, "DROP", got[0].Asset)
	require.Equal(t, "10", got[0].Amount.String())
	require.Equal(t, []byte("stake"), got[0].Data)

	credit, err := v.Credit("DROP", target)
	require.NoError(t, err)
	require.Equal(t, "10", credit.String())

	v.RegisterReceiver(target, ReceiverFunc(func(context.Context, Callback) error {
		return errors.New("rejected")
	}))
	require.Error(t, v.Push(context.Background(), "DROP", big.NewInt(10), beneficiary, merkledrop.ToCallback(target, nil)))

	v.RegisterReceiver(target, nil)
	require.ErrorIs(t, v.Push(context.Background(), "DROP", big.NewInt(1), beneficiary, merkledrop.ToCallback(target, nil)), ErrUnknownReceiver)
}

func TestCustodyAccountsDifferPerAsset(t *testing.T) {
	require.Equal(t, CustodyAccount("drop"), CustodyAccount(" DROP "))
	require.NotEqual(t, CustodyAccount("DROP"), CustodyAccount("GOV"))
}
