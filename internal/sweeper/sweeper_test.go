package sweeper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rajivgeraev/flippy-trades/internal/config"
	"github.com/rajivgeraev/flippy-trades/internal/db"
	"github.com/rajivgeraev/flippy-trades/internal/models"
	"github.com/rajivgeraev/flippy-trades/internal/notify"
	"github.com/rajivgeraev/flippy-trades/internal/services/trade"
	"github.com/rajivgeraev/flippy-trades/internal/store"
	"github.com/rajivgeraev/flippy-trades/internal/sweeper"
)

var start = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

type countingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *countingPublisher) Publish(_ context.Context, e notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type env struct {
	store     *db.SQLiteStore
	engine    *trade.Engine
	publisher *countingPublisher
}

func setup(t *testing.T) *env {
	t.Helper()
	st, err := db.NewSQLiteStore("file::memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.TradeConfig{
		ResponseWindow:    72 * time.Hour,
		MaxResponseWindow: 30 * 24 * time.Hour,
		MaxItemsPerSide:   10,
	}
	engine := trade.NewEngine(st, st, notify.Nop{}, cfg, zap.NewNop()).
		WithClock(func() time.Time { return start })
	return &env{store: st, engine: engine, publisher: &countingPublisher{}}
}

// proposeWithDeadline создает pending обмен со сроком ответа start+after
func (e *env) proposeWithDeadline(t *testing.T, after time.Duration) *models.Trade {
	t.Helper()
	ctx := context.Background()
	from, to := uuid.New(), uuid.New()
	var listingIDs []uuid.UUID
	for _, owner := range []uuid.UUID{from, to} {
		l := &models.Listing{
			ID: uuid.New(), UserID: owner, Title: "lot",
			Price: decimal.NewFromInt(25), AllowTrade: true, Status: models.ListingStatusActive,
		}
		require.NoError(t, e.store.SaveListing(ctx, l))
		listingIDs = append(listingIDs, l.ID)
	}

	deadline := start.Add(after)
	tr, err := e.engine.ProposeTrade(ctx, trade.ProposeInput{
		InitiatorID:         from,
		ReceiverID:          to,
		OfferedListingIDs:   listingIDs[:1],
		RequestedListingIDs: listingIDs[1:],
		ResponseDeadline:    &deadline,
	})
	require.NoError(t, err)
	return tr
}

func (e *env) sweeper(batch int, now time.Time) *sweeper.Sweeper {
	return sweeper.New(e.store, e.publisher, config.SweeperConfig{Interval: 10 * time.Millisecond, BatchSize: batch}, zap.NewNop()).
		WithClock(func() time.Time { return now })
}

func (e *env) locksOf(t *testing.T, tradeID uuid.UUID) []uuid.UUID {
	t.Helper()
	var held []uuid.UUID
	require.NoError(t, e.store.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		held, err = tx.LocksOf(context.Background(), tradeID)
		return err
	}))
	return held
}

func TestSweepDeadlineBoundary(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	soon := e.proposeWithDeadline(t, time.Hour)
	later := e.proposeWithDeadline(t, 2*time.Hour+time.Second)

	// Срок soon прошел секунду назад, до срока later еще час
	now := start.Add(time.Hour + time.Second)
	require.Equal(t, now.Add(time.Hour), later.ResponseDeadline)

	n, err := e.sweeper(10, now).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.store.GetTrade(ctx, soon.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.CancelReasonExpired, got.CancelReason)
	require.NotNil(t, got.CancelledAt)
	assert.Empty(t, e.locksOf(t, soon.ID))

	got, err = e.store.GetTrade(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Len(t, e.locksOf(t, later.ID), 2)
}

func TestSweepIsIdempotent(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	tr := e.proposeWithDeadline(t, time.Hour)
	sw := e.sweeper(10, start.Add(2*time.Hour))

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := e.store.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 1, e.publisher.count())
}

func TestConcurrentSweepersCancelOnce(t *testing.T) {
	e := setup(t)
	for i := 0; i < 5; i++ {
		e.proposeWithDeadline(t, time.Hour)
	}
	now := start.Add(2 * time.Hour)

	var wg sync.WaitGroup
	counts := make([]int, 3)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := e.sweeper(2, now).SweepOnce(context.Background())
			assert.NoError(t, err)
			counts[i] = n
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, counts[0]+counts[1]+counts[2])
	assert.Equal(t, 5, e.publisher.count())
}

func TestSweepProcessesAllBatches(t *testing.T) {
	e := setup(t)
	for i := 0; i < 7; i++ {
		e.proposeWithDeadline(t, time.Duration(i+1)*time.Minute)
	}

	n, err := e.sweeper(3, start.Add(time.Hour)).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	e := setup(t)
	e.proposeWithDeadline(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.sweeper(10, start.Add(time.Hour)).Run(ctx) }()

	require.Eventually(t, func() bool { return e.publisher.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper не остановился после отмены контекста")
	}
}
