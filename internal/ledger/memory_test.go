package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = catalog.VariantKey{ProductID: "p1", SizeML: 10}

func TestReserveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	l.SetStock(key, 10)

	require.NoError(t, l.Reserve(ctx, "alice", key, 4))
	require.NoError(t, l.Reserve(ctx, "alice", key, 4))

	rs, err := l.Reservations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, 4, rs[0].Quantity)

	av, err := l.Check(ctx, key, 7, "bob")
	require.NoError(t, err)
	assert.False(t, av.Available)
	assert.Equal(t, 6, av.MaxQuantity)
}

func TestReserveOwnClaimDoesNotCount(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	l.SetStock(key, 5)

	require.NoError(t, l.Reserve(ctx, "alice", key, 3))
	require.NoError(t, l.Reserve(ctx, "alice", key, 5), "raising own claim up to stock")
	require.NoError(t, l.Reserve(ctx, "alice", key, 1), "lowering own claim")

	rs, _ := l.Reservations(ctx, "alice")
	assert.Equal(t, 1, rs[0].Quantity)
}

func TestReserveInsufficientStock(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	l.SetStock(key, 5)
	require.NoError(t, l.Reserve(ctx, "alice", key, 3))

	err := l.Reserve(ctx, "bob", key, 3)
	ise, ok := AsInsufficientStock(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 2, ise.Available)
	assert.Equal(t, 3, ise.Requested)

	rs, _ := l.Reservations(ctx, "bob")
	assert.Empty(t, rs, "failed reserve must not leave a row")
}

func TestReserveUnknownVariantHasNoStock(t *testing.T) {
	err := NewMemory().Reserve(context.Background(), "alice", key, 1)
	ise, ok := AsInsufficientStock(err)
	require.True(t, ok)
	assert.Equal(t, 0, ise.Available)
}

func TestReleaseFreesQuantity(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	l.SetStock(key, 4)
	require.NoError(t, l.Reserve(ctx, "alice", key, 4))

	av, _ := l.Check(ctx, key, 1, "bob")
	assert.False(t, av.Available)

	require.NoError(t, l.Release(ctx, "alice", key))
	av, _ = l.Check(ctx, key, 4, "bob")
	assert.True(t, av.Available)
	assert.Equal(t, 4, av.StockRemaining)

	require.NoError(t, l.Release(ctx, "alice", key), "releasing twice is fine")
}

func TestReserveZeroReleases(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	l.SetStock(key, 4)
	require.NoError(t, l.Reserve(ctx, "alice", key, 2))
	require.NoError(t, l.Reserve(ctx, "alice", key, 0))

	rs, _ := l.Reservations(ctx, "alice")
	assert.Empty(t, rs)
}

func TestReleaseAll(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	other := catalog.VariantKey{ProductID: "p2", SizeML: 5}
	l.SetStock(key, 4)
	l.SetStock(other, 4)
	require.NoError(t, l.Reserve(ctx, "alice", key, 2))
	require.NoError(t, l.Reserve(ctx, "alice", other, 2))
	require.NoError(t, l.Reserve(ctx, "bob", other, 1))

	require.NoError(t, l.ReleaseAll(ctx, "alice"))

	rs, _ := l.Reservations(ctx, "alice")
	assert.Empty(t, rs)
	rs, _ = l.Reservations(ctx, "bob")
	assert.Len(t, rs, 1)
}

func TestCommitDecrementsStock(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	l.SetStock(key, 10)
	require.NoError(t, l.Reserve(ctx, "alice", key, 3))

	require.NoError(t, l.Commit(ctx, "alice", []Claim{{Key: key, Quantity: 3}}))
	assert.Equal(t, 7, l.Stock(key))
	rs, _ := l.Reservations(ctx, "alice")
	assert.Empty(t, rs)

	err := l.Commit(ctx, "alice", []Claim{{Key: key, Quantity: 8}})
	assert.ErrorIs(t, err, ErrOversold)
	assert.Equal(t, 7, l.Stock(key))
}

func TestCommitLeavesOtherShoppersClaims(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	l.SetStock(key, 5)
	require.NoError(t, l.Reserve(ctx, "alice", key, 1))
	require.NoError(t, l.Reserve(ctx, "bob", key, 4))

	err := l.Commit(ctx, "alice", []Claim{{Key: key, Quantity: 3}})
	assert.ErrorIs(t, err, ErrOversold)
	assert.Equal(t, 5, l.Stock(key))

	require.NoError(t, l.Commit(ctx, "alice", []Claim{{Key: key, Quantity: 1}}))
	assert.Equal(t, 4, l.Stock(key))
	av, err := l.Check(ctx, key, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 0, av.StockRemaining)
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprint(round), func(t *testing.T) {
			ctx := context.Background()
			l := NewMemory()
			stock := 5 + rand.Intn(20)
			l.SetStock(key, stock)

			var wg sync.WaitGroup
			var granted atomic.Int64
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(shopper string) {
					defer wg.Done()
					q := 1 + rand.Intn(4)
					if err := l.Reserve(ctx, shopper, key, q); err == nil {
						granted.Add(int64(q))
					} else if _, ok := AsInsufficientStock(err); !ok {
						t.Errorf("unexpected error: %v", err)
					}
				}(fmt.Sprintf("shopper-%d", i))
			}
			wg.Wait()

			assert.LessOrEqual(t, granted.Load(), int64(stock))
			av, err := l.Check(ctx, key, 0, "")
			require.NoError(t, err)
			assert.Equal(t, stock-int(granted.Load()), av.StockRemaining)
		})
	}
}
