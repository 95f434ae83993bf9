package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ListingStatusActive - единственный статус объявления, допускающий обмен
const ListingStatusActive = "active"

// Listing представляет объявление в том объеме, который нужен движку обменов
type Listing struct {
	ID         uuid.UUID       `json:"id"`
	UserID     uuid.UUID       `json:"user_id"`
	Title      string          `json:"title"`
	Price      decimal.Decimal `json:"price"`
	AllowTrade bool            `json:"allow_trade"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Tradeable проверяет, можно ли предложить объявление к обмену
func (l *Listing) Tradeable() bool {
	return l.AllowTrade && l.Status == ListingStatusActive
}
