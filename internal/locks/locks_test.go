package locks_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rajivgeraev/flippy-trades/internal/db"
	"github.com/rajivgeraev/flippy-trades/internal/locks"
	"github.com/rajivgeraev/flippy-trades/internal/models"
	"github.com/rajivgeraev/flippy-trades/internal/store"
)

type lockEnv struct {
	store   *db.SQLiteStore
	manager *locks.Manager
}

func newLockEnv(t *testing.T) *lockEnv {
	t.Helper()
	st, err := db.NewSQLiteStore("file::memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &lockEnv{store: st, manager: locks.NewManager(zap.NewNop())}
}

func (e *lockEnv) listing(t *testing.T, owner uuid.UUID, mutate ...func(*models.Listing)) uuid.UUID {
	t.Helper()
	l := &models.Listing{
		ID: uuid.New(), UserID: owner, Title: "lot",
		Price: decimal.NewFromInt(10), AllowTrade: true, Status: models.ListingStatusActive,
	}
	for _, m := range mutate {
		m(l)
	}
	require.NoError(t, e.store.SaveListing(context.Background(), l))
	return l.ID
}

func (e *lockEnv) tx(t *testing.T, fn func(tx store.Tx) error) error {
	t.Helper()
	return e.store.InTx(context.Background(), fn)
}

func (e *lockEnv) holders(t *testing.T, ids ...uuid.UUID) map[uuid.UUID]uuid.UUID {
	t.Helper()
	var out map[uuid.UUID]uuid.UUID
	require.NoError(t, e.tx(t, func(tx store.Tx) error {
		var err error
		out, err = tx.LockHolders(context.Background(), ids)
		return err
	}))
	return out
}

func TestTryLockAllOrNothing(t *testing.T) {
	e := newLockEnv(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	a1, a2, b1 := e.listing(t, alice), e.listing(t, alice), e.listing(t, bob)
	first, second := uuid.New(), uuid.New()

	require.NoError(t, e.tx(t, func(tx store.Tx) error {
		listings, err := e.manager.TryLock(ctx, tx, first, []locks.Claim{
			{ListingID: a1, OwnerID: alice},
			{ListingID: b1, OwnerID: bob},
		})
		assert.Len(t, listings, 2)
		return err
	}))

	// a2 свободен, но b1 уже занят: не блокируется ничего
	err := e.tx(t, func(tx store.Tx) error {
		_, err := e.manager.TryLock(ctx, tx, second, []locks.Claim{
			{ListingID: a2, OwnerID: alice},
			{ListingID: b1, OwnerID: bob},
		})
		return err
	})
	assert.ErrorIs(t, err, models.ErrItemUnavailable)
	assert.Equal(t, map[uuid.UUID]uuid.UUID{a1: first, b1: first}, e.holders(t, a1, a2, b1))
}

func TestTryLockChecksListings(t *testing.T) {
	e := newLockEnv(t)
	ctx := context.Background()
	alice := uuid.New()

	hidden := e.listing(t, alice, func(l *models.Listing) { l.AllowTrade = false })
	sold := e.listing(t, alice, func(l *models.Listing) { l.Status = "sold" })
	own := e.listing(t, alice)

	tests := []struct {
		name  string
		claim []locks.Claim
		want  error
	}{
		{"обмен запрещен", []locks.Claim{{ListingID: hidden, OwnerID: alice}}, models.ErrItemUnavailable},
		{"объявление продано", []locks.Claim{{ListingID: sold, OwnerID: alice}}, models.ErrItemUnavailable},
		{"чужой владелец", []locks.Claim{{ListingID: own, OwnerID: uuid.New()}}, models.ErrItemUnavailable},
		{"нет объявления", []locks.Claim{{ListingID: uuid.New(), OwnerID: alice}}, models.ErrItemUnavailable},
		{"дубликат", []locks.Claim{{ListingID: own, OwnerID: alice}, {ListingID: own, OwnerID: alice}}, models.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.tx(t, func(tx store.Tx) error {
				_, err := e.manager.TryLock(ctx, tx, uuid.New(), tt.claim)
				return err
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, e.holders(t, hidden, sold, own))
}

func TestTransferKeepsAddsAndDrops(t *testing.T) {
	e := newLockEnv(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	kept, dropped, added := e.listing(t, alice), e.listing(t, alice), e.listing(t, bob)
	from, to := uuid.New(), uuid.New()

	require.NoError(t, e.tx(t, func(tx store.Tx) error {
		_, err := e.manager.TryLock(ctx, tx, from, []locks.Claim{
			{ListingID: kept, OwnerID: alice},
			{ListingID: dropped, OwnerID: alice},
		})
		return err
	}))

	require.NoError(t, e.tx(t, func(tx store.Tx) error {
		_, err := e.manager.Transfer(ctx, tx, from, to, []locks.Claim{
			{ListingID: kept, OwnerID: alice},
			{ListingID: added, OwnerID: bob},
		})
		return err
	}))

	assert.Equal(t, map[uuid.UUID]uuid.UUID{kept: to, added: to}, e.holders(t, kept, dropped, added))
}

func TestTransferRollsBackOnConflict(t *testing.T) {
	e := newLockEnv(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	a1, busy := e.listing(t, alice), e.listing(t, bob)
	from, other, to := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, e.tx(t, func(tx store.Tx) error {
		if _, err := e.manager.TryLock(ctx, tx, from, []locks.Claim{{ListingID: a1, OwnerID: alice}}); err != nil {
			return err
		}
		_, err := e.manager.TryLock(ctx, tx, other, []locks.Claim{{ListingID: busy, OwnerID: bob}})
		return err
	}))

	err := e.tx(t, func(tx store.Tx) error {
		_, err := e.manager.Transfer(ctx, tx, from, to, []locks.Claim{
			{ListingID: a1, OwnerID: alice},
			{ListingID: busy, OwnerID: bob},
		})
		return err
	})
	assert.ErrorIs(t, err, models.ErrItemUnavailable)
	assert.Equal(t, map[uuid.UUID]uuid.UUID{a1: from, busy: other}, e.holders(t, a1, busy))
}

func TestReleaseAll(t *testing.T) {
	e := newLockEnv(t)
	ctx := context.Background()
	alice := uuid.New()
	a1, a2 := e.listing(t, alice), e.listing(t, alice)
	tradeID := uuid.New()

	require.NoError(t, e.tx(t, func(tx store.Tx) error {
		_, err := e.manager.TryLock(ctx, tx, tradeID, []locks.Claim{
			{ListingID: a1, OwnerID: alice},
			{ListingID: a2, OwnerID: alice},
		})
		return err
	}))

	var released []uuid.UUID
	require.NoError(t, e.tx(t, func(tx store.Tx) error {
		var err error
		released, err = e.manager.ReleaseAll(ctx, tx, tradeID)
		return err
	}))
	assert.ElementsMatch(t, []uuid.UUID{a1, a2}, released)
	assert.Empty(t, e.holders(t, a1, a2))

	// Повторное снятие ничего не делает
	require.NoError(t, e.tx(t, func(tx store.Tx) error {
		var err error
		released, err = e.manager.ReleaseAll(ctx, tx, tradeID)
		return err
	}))
	assert.Empty(t, released)
}
