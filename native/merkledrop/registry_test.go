package merkledrop_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"merkledrop/core/events"
	nativecommon "merkledrop/native/common"
	"merkledrop/native/merkledrop"
)

func TestRegisterRoundStoresRootAndPullsTotal(t *testing.T) {
	f := newFixture(t)
	dist := f.publish(t, "drop", distributor, 1, alloc(user1, 9876))

	ch := merkledrop.NewChannel("DROP", distributor)
	root, err := f.registry.Root(context.Background(), ch, 1)
	require.NoError(t, err)
	require.Equal(t, dist.Root(), root)

	require.Zero(t, f.balance(t, distributor, "DROP"))
	custody, err := f.vault.Custody("DROP")
	require.NoError(t, err)
	require.Equal(t, "9876", custody.String())

	remaining, err := f.registry.RemainingBalance(context.Background(), ch)
	require.NoError(t, err)
	require.Equal(t, "9876", remaining.String())

	registered := f.recorder.OfType(events.TypeRoundRegistered)
	require.Len(t, registered, 1)
	evt := registered[0].Event()
	require.Equal(t, "DROP", evt.Attributes["asset"])
	require.Equal(t, "1", evt.Attributes["round"])
	require.Equal(t, "9876", evt.Attributes["amount"])
}

func TestRegisterRoundDuplicateKeepsOriginal(t *testing.T) {
	f := newFixture(t)
	dist := f.publish(t, "DROP", distributor, 1, alloc(user1, 100))
	f.fund(t, distributor, "DROP", 50)

	err := f.registry.RegisterRound(context.Background(), distributor, "DROP", 1, [32]byte{0xaa}, big.NewInt(50))
	if !errors.Is(err, merkledrop.ErrDuplicateRound) {
		t.Fatalf("expected duplicate round, got %v", err)
	}
	root, err := f.registry.Root(context.Background(), merkledrop.NewChannel("DROP", distributor), 1)
	require.NoError(t, err)
	require.Equal(t, dist.Root(), root)
	require.Equal(t, int64(50), f.balance(t, distributor, "DROP"))
	require.Len(t, f.recorder.OfType(events.TypeRoundRegistered), 1)
}

func TestRegisterRoundChannelsAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "DROP", distributor, 1, alloc(user1, 100))
	f.publish(t, "GOV", distributor, 1, alloc(user1, 100))
	f.publish(t, "DROP", addr(2), 1, alloc(user1, 100))

	_, err := f.registry.Root(context.Background(), merkledrop.NewChannel("GOV", addr(2)), 1)
	require.ErrorIs(t, err, merkledrop.ErrUnknownRound)
}

func TestRegisterRoundValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := [32]byte{1}
	f.fund(t, distributor, "DROP", 10)

	cases := []struct {
		name  string
		asset string
		round uint64
		root  [32]byte
		total *big.Int
		want  error
	}{
		{"unknown asset", "NOPE", 1, root, big.NewInt(1), merkledrop.ErrUnknownAsset},
		{"zero round", "DROP", 0, root, big.NewInt(1), merkledrop.ErrInvalidRound},
		{"empty root", "DROP", 1, [32]byte{}, big.NewInt(1), merkledrop.ErrInvalidRoot},
		{"zero total", "DROP", 1, root, big.NewInt(0), merkledrop.ErrInvalidAmount},
		{"nil total", "DROP", 1, root, nil, merkledrop.ErrInvalidAmount},
		{"unfunded", "DROP", 1, root, big.NewInt(11), merkledrop.ErrDispatchFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.registry.RegisterRound(ctx, distributor, tc.asset, tc.round, tc.root, tc.total)
			require.ErrorIs(t, err, tc.want)
		})
	}

	// the failed pull left nothing behind
	_, found, err := f.registry.Round(ctx, merkledrop.NewChannel("DROP", distributor), 1)
	require.NoError(t, err)
	require.False(t, found)
	remaining, err := f.registry.RemainingBalance(ctx, merkledrop.NewChannel("DROP", distributor))
	require.NoError(t, err)
	require.Zero(t, remaining.Sign())
	require.Empty(t, f.recorder.Events)
}

func TestRegisterRoundConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	f.fund(t, distributor, "DROP", 1000)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		dupes     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			root := [32]byte{byte(i + 1)}
			err := f.registry.RegisterRound(context.Background(), distributor, "DROP", 7, root, big.NewInt(100))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, merkledrop.ErrDuplicateRound):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, succeeded)
	require.Equal(t, workers-1, dupes)
	require.Equal(t, int64(900), f.balance(t, distributor, "DROP"))
}

func TestConcurrentRegisterAndSettle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dist := f.publish(t, "DROP", distributor, 1, alloc(user1, 100), alloc(user2, 200), alloc(user3, 300))
	f.fund(t, distributor, "DROP", 16*10)

	const registrations = 16
	errs := make(chan error, registrations+3)
	var wg sync.WaitGroup
	for i := 0; i < registrations; i++ {
		wg.Add(1)
		go func(round uint64) {
			defer wg.Done()
			errs <- f.registry.RegisterRound(ctx, distributor, "DROP", round, [32]byte{byte(round)}, big.NewInt(10))
		}(uint64(i + 2))
	}
	for _, user := range [][20]byte{user1, user2, user3} {
		req := request(t, dist, "DROP", distributor, 1, user)
		wg.Add(1)
		go func(user [20]byte, req merkledrop.ClaimRequest) {
			defer wg.Done()
			_, err := f.ledger.SettleClaims(ctx, user, user, []merkledrop.ClaimRequest{req}, merkledrop.ToExternal())
			errs <- err
		}(user, req)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	ch := merkledrop.NewChannel("DROP", distributor)
	roots, err := f.registry.Roots(ctx, ch, 2, registrations+1)
	require.NoError(t, err)
	for i, root := range roots {
		require.Equal(t, [32]byte{byte(i + 2)}, root)
	}
	remaining, err := f.registry.RemainingBalance(ctx, ch)
	require.NoError(t, err)
	require.Equal(t, "160", remaining.String())
	require.Zero(t, f.balance(t, distributor, "DROP"))
	require.Equal(t, int64(300), f.balance(t, user3, "DROP"))
	require.Len(t, f.recorder.OfType(events.TypeClaimSettled), 3)
}

func TestRootsReportsGapsAsZero(t *testing.T) {
	f := newFixture(t)
	d1 := f.publish(t, "DROP", distributor, 1, alloc(user1, 10))
	d3 := f.publish(t, "DROP", distributor, 3, alloc(user1, 30))
	ch := merkledrop.NewChannel("drop", distributor)

	roots, err := f.registry.Roots(context.Background(), ch, 1, 4)
	require.NoError(t, err)
	require.Equal(t, [][32]byte{d1.Root(), {}, d3.Root(), {}}, roots)

	roots, err = f.registry.Roots(context.Background(), ch, 3, 3)
	require.NoError(t, err)
	require.Equal(t, [][32]byte{d3.Root()}, roots)

	_, err = f.registry.Roots(context.Background(), ch, 4, 3)
	require.ErrorIs(t, err, merkledrop.ErrInvalidRange)
	_, err = f.registry.Roots(context.Background(), ch, 0, 3)
	require.ErrorIs(t, err, merkledrop.ErrInvalidRange)

	f.registry.SetLimits(merkledrop.Limits{MaxRangeSpan: 2})
	_, err = f.registry.Roots(context.Background(), ch, 1, 3)
	require.ErrorIs(t, err, merkledrop.ErrInvalidRange)
	_, err = f.registry.Roots(context.Background(), ch, 2, 3)
	require.NoError(t, err)
}

func TestRegisterRoundPaused(t *testing.T) {
	f := newFixture(t)
	f.fund(t, distributor, "DROP", 10)
	require.NoError(t, f.st.SetPaused(merkledrop.ModuleName, true))

	err := f.registry.RegisterRound(context.Background(), distributor, "DROP", 1, [32]byte{1}, big.NewInt(10))
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	require.Equal(t, "paused", merkledrop.ErrorReason(err))

	require.NoError(t, f.st.SetPaused(merkledrop.ModuleName, false))
	require.NoError(t, f.registry.RegisterRound(context.Background(), distributor, "DROP", 1, [32]byte{1}, big.NewInt(10)))
}

func TestErrorReason(t *testing.T) {
	require.Equal(t, "", merkledrop.ErrorReason(nil))
	require.Equal(t, "invalid_proof", merkledrop.ErrorReason(merkledrop.ErrInvalidProof))
	require.Equal(t, "invalid_request", merkledrop.ErrorReason(merkledrop.ErrBatchTooLarge))
	require.Equal(t, "internal", merkledrop.ErrorReason(errors.New("boom")))
}

func TestOperationsRecordSpans(t *testing.T) {
	f := newFixture(t)
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	f.registry.SetTracer(provider.Tracer("merkledrop"))

	dist := f.publish(t, "DROP", distributor, 1, alloc(user1, 100))
	err := f.registry.RegisterRound(context.Background(), distributor, "DROP", 1, [32]byte{0xaa}, big.NewInt(1))
	require.ErrorIs(t, err, merkledrop.ErrDuplicateRound)
	req := request(t, dist, "DROP", distributor, 1, user1)
	_, err = f.ledger.SettleClaims(context.Background(), user1, user1, []merkledrop.ClaimRequest{req}, merkledrop.ToExternal())
	require.NoError(t, err)

	ended := spans.Ended()
	require.Len(t, ended, 3)
	require.Equal(t, "merkledrop.register_round", ended[0].Name())
	require.Equal(t, codes.Unset, ended[0].Status().Code)
	require.Equal(t, "merkledrop.register_round", ended[1].Name())
	require.Equal(t, codes.Error, ended[1].Status().Code)
	require.Equal(t, "merkledrop.settle_claims", ended[2].Name())
	require.Equal(t, codes.Unset, ended[2].Status().Code)
}
