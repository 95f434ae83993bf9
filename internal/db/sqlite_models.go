package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rajivgeraev/flippy-trades/internal/models"
)

// Модели gorm для встроенного режима (SQLite). Схема совпадает с schema.go,
// кроме deadline_us: SQLite хранит время строкой, поэтому срок ответа
// дублируется в микросекундах для сравнений. Поля без default: gorm не пишет
// нулевые значения полей с default при создании строки.

type listingRecord struct {
	ID         uuid.UUID       `gorm:"primaryKey;type:varchar(36)"`
	UserID     uuid.UUID       `gorm:"index;type:varchar(36);not null"`
	Title      string          `gorm:"not null;default:''"`
	Price      decimal.Decimal `gorm:"type:varchar(32);not null"`
	AllowTrade bool            `gorm:"not null"`
	Status     string          `gorm:"not null"`
	CreatedAt  time.Time       `gorm:"autoCreateTime:false"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime:false"`
}

func (listingRecord) TableName() string { return "listings" }

type tradeRecord struct {
	ID                uuid.UUID       `gorm:"primaryKey;type:varchar(36)"`
	TradeNumber       string          `gorm:"uniqueIndex;not null"`
	RootTradeID       uuid.UUID       `gorm:"index;type:varchar(36);not null"`
	SupersedesTradeID *uuid.UUID      `gorm:"type:varchar(36)"`
	Revision          int             `gorm:"not null"`
	InitiatorID       uuid.UUID       `gorm:"index;type:varchar(36);not null"`
	ReceiverID        uuid.UUID       `gorm:"index;type:varchar(36);not null"`
	Status            string          `gorm:"index;not null"`
	CashAmount        decimal.Decimal `gorm:"type:varchar(32);not null"`
	CashPayerID       *uuid.UUID      `gorm:"type:varchar(36)"`
	InitiatorMessage  string
	ResponseDeadline  time.Time `gorm:"not null"`
	DeadlineUs        int64     `gorm:"index;not null"`

	AcceptedAt           *time.Time
	InitiatorShippedAt   *time.Time
	ReceiverShippedAt    *time.Time
	InitiatorDeliveredAt *time.Time
	ReceiverDeliveredAt  *time.Time
	CompletedAt          *time.Time
	CancelledAt          *time.Time

	InitiatorTrackingProvider string
	InitiatorTrackingNumber   string
	ReceiverTrackingProvider  string
	ReceiverTrackingNumber    string

	CancelReason      string
	RejectionNote     string
	CancelRequestedBy *uuid.UUID `gorm:"type:varchar(36)"`

	Version   int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (tradeRecord) TableName() string { return "trades" }

type tradeItemRecord struct {
	TradeID      uuid.UUID       `gorm:"primaryKey;type:varchar(36)"`
	ListingID    uuid.UUID       `gorm:"primaryKey;type:varchar(36);index"`
	Side         string          `gorm:"not null"`
	ValueAtTrade decimal.Decimal `gorm:"type:varchar(32);not null"`
}

func (tradeItemRecord) TableName() string { return "trade_items" }

type lockRecord struct {
	ListingID uuid.UUID `gorm:"primaryKey;type:varchar(36)"`
	TradeID   uuid.UUID `gorm:"index;type:varchar(36);not null"`
	LockedAt  time.Time `gorm:"autoCreateTime:false"`
}

func (lockRecord) TableName() string { return "trade_item_locks" }

func newTradeRecord(t *models.Trade) tradeRecord {
	rec := tradeRecord{
		ID:                   t.ID,
		TradeNumber:          t.TradeNumber,
		RootTradeID:          t.RootTradeID,
		SupersedesTradeID:    t.SupersedesTradeID,
		Revision:             t.Revision,
		InitiatorID:          t.InitiatorID,
		ReceiverID:           t.ReceiverID,
		Status:               string(t.Status),
		CashAmount:           t.CashAmount,
		CashPayerID:          t.CashPayerID,
		InitiatorMessage:     t.InitiatorMessage,
		ResponseDeadline:     t.ResponseDeadline,
		DeadlineUs:           t.ResponseDeadline.UnixMicro(),
		AcceptedAt:           t.AcceptedAt,
		InitiatorShippedAt:   t.InitiatorShippedAt,
		ReceiverShippedAt:    t.ReceiverShippedAt,
		InitiatorDeliveredAt: t.InitiatorDeliveredAt,
		ReceiverDeliveredAt:  t.ReceiverDeliveredAt,
		CompletedAt:          t.CompletedAt,
		CancelledAt:          t.CancelledAt,
		CancelReason:         t.CancelReason,
		RejectionNote:        t.RejectionNote,
		CancelRequestedBy:    t.CancelRequestedBy,
		Version:              t.Version,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
	if t.InitiatorTracking != nil {
		rec.InitiatorTrackingProvider = t.InitiatorTracking.Provider
		rec.InitiatorTrackingNumber = t.InitiatorTracking.Number
	}
	if t.ReceiverTracking != nil {
		rec.ReceiverTrackingProvider = t.ReceiverTracking.Provider
		rec.ReceiverTrackingNumber = t.ReceiverTracking.Number
	}
	return rec
}

func (r tradeRecord) toModel() models.Trade {
	t := models.Trade{
		ID:                   r.ID,
		TradeNumber:          r.TradeNumber,
		RootTradeID:          r.RootTradeID,
		SupersedesTradeID:    r.SupersedesTradeID,
		Revision:             r.Revision,
		InitiatorID:          r.InitiatorID,
		ReceiverID:           r.ReceiverID,
		Status:               models.TradeStatus(r.Status),
		CashAmount:           r.CashAmount,
		CashPayerID:          r.CashPayerID,
		InitiatorMessage:     r.InitiatorMessage,
		ResponseDeadline:     r.ResponseDeadline.UTC(),
		AcceptedAt:           utcPtr(r.AcceptedAt),
		InitiatorShippedAt:   utcPtr(r.InitiatorShippedAt),
		ReceiverShippedAt:    utcPtr(r.ReceiverShippedAt),
		InitiatorDeliveredAt: utcPtr(r.InitiatorDeliveredAt),
		ReceiverDeliveredAt:  utcPtr(r.ReceiverDeliveredAt),
		CompletedAt:          utcPtr(r.CompletedAt),
		CancelledAt:          utcPtr(r.CancelledAt),
		CancelReason:         r.CancelReason,
		RejectionNote:        r.RejectionNote,
		CancelRequestedBy:    r.CancelRequestedBy,
		Version:              r.Version,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
	t.InitiatorTracking = trackingOf(r.InitiatorTrackingProvider, r.InitiatorTrackingNumber)
	t.ReceiverTracking = trackingOf(r.ReceiverTrackingProvider, r.ReceiverTrackingNumber)
	return t
}

func (r listingRecord) toModel() models.Listing {
	return models.Listing{
		ID:         r.ID,
		UserID:     r.UserID,
		Title:      r.Title,
		Price:      r.Price,
		AllowTrade: r.AllowTrade,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

func trackingOf(provider, number string) *models.Tracking {
	if provider == "" && number == "" {
		return nil
	}
	return &models.Tracking{Provider: provider, Number: number}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
