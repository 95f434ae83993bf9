package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rajivgeraev/flippy-trades/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestNewTradeEventExcludesActor(t *testing.T) {
	trade := &models.Trade{
		ID:          uuid.New(),
		TradeNumber: "TR-01J0000000-ABCDEF",
		InitiatorID: uuid.New(),
		ReceiverID:  uuid.New(),
		Status:      models.StatusAccepted,
	}
	now := time.Now().UTC()

	e := NewTradeEvent(EventAccepted, trade, trade.ReceiverID, now)
	assert.Equal(t, []uuid.UUID{trade.InitiatorID}, e.RecipientIDs)
	require.NotNil(t, e.ActorID)
	assert.Equal(t, trade.ReceiverID, *e.ActorID)

	e = NewTradeEvent(EventExpired, trade, uuid.Nil, now)
	assert.Len(t, e.RecipientIDs, 2)
	assert.Nil(t, e.ActorID)
}

func TestDispatcherDeliversToAllSinks(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("недоступен")}
	d := NewDispatcher(8, 2, zap.NewNop(), ok, failing)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- d.Run(ctx) }()

	for i := 0; i < 3; i++ {
		d.Publish(context.Background(), Event{Type: EventProposed, TradeID: uuid.New()})
	}

	assert.Eventually(t, func() bool { return ok.count() == 3 && failing.count() == 3 }, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// после остановки события молча отбрасываются
	d.Publish(context.Background(), Event{Type: EventProposed})
	assert.Equal(t, 3, ok.count())
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(2, 1, zap.NewNop(), sink)

	// воркеры еще не запущены: в очередь помещаются только два события
	for i := 0; i < 5; i++ {
		d.Publish(context.Background(), Event{Type: EventShipped, TradeID: uuid.New()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 2, sink.count())
}

func TestWebhookSink(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var got Event
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, string(EventCompleted), r.Header.Get("X-Event-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		e := Event{Type: EventCompleted, TradeID: uuid.New(), Status: models.StatusConfirmed}
		err := NewWebhookSink(server.URL, zap.NewNop()).Send(context.Background(), e)
		require.NoError(t, err)
		assert.Equal(t, e.TradeID, got.TradeID)
		assert.Equal(t, models.StatusConfirmed, got.Status)
	})

	t.Run("ServerError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		err := NewWebhookSink(server.URL, zap.NewNop()).Send(context.Background(), Event{Type: EventProposed})
		assert.ErrorContains(t, err, "502")
	})
}
