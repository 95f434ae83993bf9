package models

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewTradeNumber(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	a := NewTradeNumber(now)
	b := NewTradeNumber(now)

	parts := strings.Split(a, "-")
	assert.Len(t, parts, 3)
	assert.Equal(t, TradeNumberPrefix, parts[0])
	assert.Len(t, parts[1], 10)
	assert.Len(t, parts[2], 6)
	// Метка времени одинакова, суффикс случайный
	assert.Equal(t, parts[1], strings.Split(b, "-")[1])
	assert.NotEqual(t, a, b)
}

func TestTradeErrorIs(t *testing.T) {
	err := fmt.Errorf("обертка: %w", NewError(KindStaleState, "версия %d устарела", 3))

	assert.True(t, errors.Is(err, ErrStaleState))
	assert.False(t, errors.Is(err, ErrExpired))
	assert.Equal(t, KindStaleState, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("boom")))

	var te *TradeError
	assert.True(t, errors.As(err, &te))
	assert.True(t, te.Retryable())
	assert.False(t, ErrExpired.Retryable())
}

func TestStatusTerminal(t *testing.T) {
	for _, st := range ActiveStatuses {
		assert.False(t, st.IsTerminal(), st)
	}
	for _, st := range []TradeStatus{StatusConfirmed, StatusRejected, StatusCancelled, StatusSuperseded} {
		assert.True(t, st.IsTerminal(), st)
	}
	assert.False(t, TradeStatus("shipped").Valid())
}

func TestTradeSides(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	trade := &Trade{InitiatorID: alice, ReceiverID: bob}

	side, ok := trade.SideOf(bob)
	assert.True(t, ok)
	assert.Equal(t, SideReceiver, side)
	assert.Equal(t, SideInitiator, side.Other())
	assert.Equal(t, alice, trade.Participant(side.Other()))

	_, ok = trade.SideOf(uuid.New())
	assert.False(t, ok)

	now := time.Now()
	trade.MarkShipped(SideInitiator, now, Tracking{Provider: "aras", Number: "ARAS123"})
	assert.Equal(t, StatusInitiatorShipped, trade.Status)
	assert.False(t, trade.BothShipped())
	assert.True(t, trade.AnyShipped())

	trade.MarkShipped(SideReceiver, now, Tracking{Provider: "yurtici", Number: "Y1"})
	assert.True(t, trade.BothShipped())
	assert.Equal(t, StatusReceiverShipped, trade.Status)

	trade.MarkDelivered(SideInitiator, now)
	trade.MarkDelivered(SideReceiver, now)
	assert.True(t, trade.BothDelivered())
	assert.Equal(t, StatusReceiverDelivered, trade.Status)
}
