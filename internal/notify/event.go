// Package notify доставляет события об обменах после фиксации транзакции.
// Доставка best-effort: ошибка уведомления никогда не влияет на сам обмен.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-trades/internal/models"
)

// EventType - тип события об обмене
type EventType string

const (
	EventProposed        EventType = "trade.proposed"
	EventCountered       EventType = "trade.countered"
	EventAccepted        EventType = "trade.accepted"
	EventRejected        EventType = "trade.rejected"
	EventShipped         EventType = "trade.shipped"
	EventDelivered       EventType = "trade.delivered"
	EventCompleted       EventType = "trade.completed"
	EventCancelled       EventType = "trade.cancelled"
	EventCancelRequested EventType = "trade.cancel_requested"
	EventExpired         EventType = "trade.expired"
)

// Event - уведомление о переходе обмена
type Event struct {
	Type         EventType          `json:"type"`
	TradeID      uuid.UUID          `json:"trade_id"`
	TradeNumber  string             `json:"trade_number"`
	Status       models.TradeStatus `json:"status"`
	ActorID      *uuid.UUID         `json:"actor_id,omitempty"`
	RecipientIDs []uuid.UUID        `json:"recipient_ids"`
	OccurredAt   time.Time          `json:"occurred_at"`
}

// Publisher принимает события; реализация не должна блокировать вызывающего
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Sink - конечный канал доставки (websocket, webhook)
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// NewTradeEvent строит событие по ревизии обмена. Получатели - оба участника,
// кроме actor, если он указан. Sweeper передает uuid.Nil.
func NewTradeEvent(typ EventType, t *models.Trade, actorID uuid.UUID, at time.Time) Event {
	e := Event{
		Type:        typ,
		TradeID:     t.ID,
		TradeNumber: t.TradeNumber,
		Status:      t.Status,
		OccurredAt:  at,
	}
	if actorID != uuid.Nil {
		e.ActorID = &actorID
	}
	for _, id := range []uuid.UUID{t.InitiatorID, t.ReceiverID} {
		if id != actorID {
			e.RecipientIDs = append(e.RecipientIDs, id)
		}
	}
	return e
}

// Nop отбрасывает все события
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
