package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeStatus описывает состояние обмена
type TradeStatus string

const (
	StatusPending            TradeStatus = "pending"
	StatusAccepted           TradeStatus = "accepted"
	StatusRejected           TradeStatus = "rejected"
	StatusInitiatorShipped   TradeStatus = "initiator_shipped"
	StatusReceiverShipped    TradeStatus = "receiver_shipped"
	StatusInitiatorDelivered TradeStatus = "initiator_delivered"
	StatusReceiverDelivered  TradeStatus = "receiver_delivered"
	StatusConfirmed          TradeStatus = "confirmed"
	StatusCancelled          TradeStatus = "cancelled"
	StatusSuperseded         TradeStatus = "superseded"
)

// AllStatuses перечисляет все допустимые статусы (для валидации фильтров)
var AllStatuses = []TradeStatus{
	StatusPending, StatusAccepted, StatusRejected,
	StatusInitiatorShipped, StatusReceiverShipped,
	StatusInitiatorDelivered, StatusReceiverDelivered,
	StatusConfirmed, StatusCancelled, StatusSuperseded,
}

// ActiveStatuses - статусы, в которых обмен удерживает блокировки объявлений
var ActiveStatuses = []TradeStatus{
	StatusPending, StatusAccepted,
	StatusInitiatorShipped, StatusReceiverShipped,
	StatusInitiatorDelivered, StatusReceiverDelivered,
}

// IsTerminal возвращает true для финальных статусов
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusCancelled, StatusSuperseded:
		return true
	}
	return false
}

// Valid проверяет, что статус известен
func (s TradeStatus) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Причины перевода обмена в cancelled/rejected/superseded
const (
	CancelReasonRejected   = "rejected"
	CancelReasonExpired    = "expired"
	CancelReasonCancelled  = "cancelled"
	CancelReasonMutual     = "mutual"
	CancelReasonSuperseded = "superseded"
)

// Tracking - данные перевозчика для одной стороны обмена
type Tracking struct {
	Provider string `json:"provider"`
	Number   string `json:"tracking_number"`
}

// Trade представляет одну ревизию предложения обмена.
// Встречное предложение создает новую ревизию со ссылкой SupersedesTradeID.
type Trade struct {
	ID                uuid.UUID       `json:"id"`
	TradeNumber       string          `json:"trade_number"`
	RootTradeID       uuid.UUID       `json:"root_trade_id"`
	SupersedesTradeID *uuid.UUID      `json:"supersedes_trade_id,omitempty"`
	Revision          int             `json:"revision"`
	InitiatorID       uuid.UUID       `json:"initiator_id"`
	ReceiverID        uuid.UUID       `json:"receiver_id"`
	Status            TradeStatus     `json:"status"`
	CashAmount        decimal.Decimal `json:"cash_amount"`
	CashPayerID       *uuid.UUID      `json:"cash_payer_id,omitempty"`
	InitiatorMessage  string          `json:"initiator_message,omitempty"`
	ResponseDeadline  time.Time       `json:"response_deadline"`

	AcceptedAt           *time.Time `json:"accepted_at,omitempty"`
	InitiatorShippedAt   *time.Time `json:"initiator_shipped_at,omitempty"`
	ReceiverShippedAt    *time.Time `json:"receiver_shipped_at,omitempty"`
	InitiatorDeliveredAt *time.Time `json:"initiator_delivered_at,omitempty"`
	ReceiverDeliveredAt  *time.Time `json:"receiver_delivered_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`

	InitiatorTracking *Tracking  `json:"initiator_tracking,omitempty"`
	ReceiverTracking  *Tracking  `json:"receiver_tracking,omitempty"`
	CancelReason      string     `json:"cancel_reason,omitempty"`
	RejectionNote     string     `json:"rejection_note,omitempty"`
	CancelRequestedBy *uuid.UUID `json:"cancel_requested_by,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Items []TradeItem `json:"items"`
}

// TradeItem - объявление, включенное в ревизию обмена.
// ValueAtTrade фиксирует цену объявления на момент предложения.
type TradeItem struct {
	TradeID      uuid.UUID       `json:"trade_id"`
	ListingID    uuid.UUID       `json:"listing_id"`
	Side         Side            `json:"side"`
	ValueAtTrade decimal.Decimal `json:"value_at_trade"`
}

// IsParticipant проверяет, участвует ли пользователь в обмене
func (t *Trade) IsParticipant(userID uuid.UUID) bool {
	return t.InitiatorID == userID || t.ReceiverID == userID
}

// SideOf возвращает сторону пользователя в обмене
func (t *Trade) SideOf(userID uuid.UUID) (Side, bool) {
	switch userID {
	case t.InitiatorID:
		return SideInitiator, true
	case t.ReceiverID:
		return SideReceiver, true
	}
	return "", false
}

// Participant возвращает ID пользователя, представляющего сторону
func (t *Trade) Participant(side Side) uuid.UUID {
	if side == SideInitiator {
		return t.InitiatorID
	}
	return t.ReceiverID
}

// ItemsOf возвращает предметы одной стороны
func (t *Trade) ItemsOf(side Side) []TradeItem {
	var items []TradeItem
	for _, item := range t.Items {
		if item.Side == side {
			items = append(items, item)
		}
	}
	return items
}

// ListingIDs возвращает ID всех объявлений ревизии
func (t *Trade) ListingIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(t.Items))
	for _, item := range t.Items {
		ids = append(ids, item.ListingID)
	}
	return ids
}

// ShippedAt возвращает отметку отправки для стороны
func (t *Trade) ShippedAt(side Side) *time.Time {
	if side == SideInitiator {
		return t.InitiatorShippedAt
	}
	return t.ReceiverShippedAt
}

// DeliveredAt возвращает отметку подтверждения доставки отправления стороны
func (t *Trade) DeliveredAt(side Side) *time.Time {
	if side == SideInitiator {
		return t.InitiatorDeliveredAt
	}
	return t.ReceiverDeliveredAt
}

// MarkShipped фиксирует отправку стороны вместе с трек-номером
func (t *Trade) MarkShipped(side Side, at time.Time, tracking Tracking) {
	if side == SideInitiator {
		t.InitiatorShippedAt = &at
		t.InitiatorTracking = &tracking
		t.Status = StatusInitiatorShipped
		return
	}
	t.ReceiverShippedAt = &at
	t.ReceiverTracking = &tracking
	t.Status = StatusReceiverShipped
}

// MarkDelivered фиксирует получение отправления стороны
func (t *Trade) MarkDelivered(side Side, at time.Time) {
	if side == SideInitiator {
		t.InitiatorDeliveredAt = &at
		t.Status = StatusInitiatorDelivered
		return
	}
	t.ReceiverDeliveredAt = &at
	t.Status = StatusReceiverDelivered
}

// BothShipped - обе стороны отправили свои предметы
func (t *Trade) BothShipped() bool {
	return t.InitiatorShippedAt != nil && t.ReceiverShippedAt != nil
}

// AnyShipped - хотя бы одна сторона отправила предметы
func (t *Trade) AnyShipped() bool {
	return t.InitiatorShippedAt != nil || t.ReceiverShippedAt != nil
}

// BothDelivered - обе доставки подтверждены получателями
func (t *Trade) BothDelivered() bool {
	return t.InitiatorDeliveredAt != nil && t.ReceiverDeliveredAt != nil
}

// TradeFilter описывает выборку обменов пользователя
type TradeFilter struct {
	UserID     uuid.UUID
	Role       string // all, incoming, outgoing
	Status     TradeStatus
	ActiveOnly bool
	Limit      int
	Offset     int
}
