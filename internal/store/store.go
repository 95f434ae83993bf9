// Package store описывает транзакционный контракт хранилища обменов.
// Реализации: db.PostgresStore (pgx) и db.SQLiteStore (gorm).
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-trades/internal/locks"
	"github.com/rajivgeraev/flippy-trades/internal/models"
)

// Store - хранилище обменов. Любой переход состояния выполняется в InTx:
// изменение статуса, отметки времени и блокировок фиксируются одной транзакцией.
type Store interface {
	// InTx выполняет fn в транзакции; ошибка fn откатывает все изменения
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetTrade(ctx context.Context, id uuid.UUID) (*models.Trade, error)
	ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.Trade, error)
	// TradeChain возвращает все ревизии цепочки по возрастанию номера ревизии
	TradeChain(ctx context.Context, rootTradeID uuid.UUID) ([]models.Trade, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx - операции внутри транзакции перехода состояния
type Tx interface {
	locks.Tx

	// GetTrade читает ревизию вместе с предметами; ErrNotFound если ее нет
	GetTrade(ctx context.Context, id uuid.UUID) (*models.Trade, error)
	InsertTrade(ctx context.Context, t *models.Trade) error
	// UpdateTrade сохраняет ревизию, только если версия в хранилище равна t.Version.
	// При успехе t.Version увеличивается, иначе возвращается ErrStaleState.
	UpdateTrade(ctx context.Context, t *models.Trade) error
	// ClaimExpired условным обновлением переводит просроченные pending обмены
	// в cancelled и возвращает только те, что были захвачены этим вызовом.
	ClaimExpired(ctx context.Context, now time.Time, limit int) ([]models.Trade, error)
}
