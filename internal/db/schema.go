package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema - таблицы движка обменов. Таблица listings принадлежит сервису
// объявлений и создается здесь только если ее еще нет (локальный запуск).
const schema = `
CREATE TABLE IF NOT EXISTS listings (
    id          UUID PRIMARY KEY,
    user_id     UUID NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    price       NUMERIC(12,2) NOT NULL DEFAULT 0,
    allow_trade BOOLEAN NOT NULL DEFAULT TRUE,
    status      TEXT NOT NULL DEFAULT 'active',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE listings ADD COLUMN IF NOT EXISTS price NUMERIC(12,2) NOT NULL DEFAULT 0;

CREATE TABLE IF NOT EXISTS trades (
    id                          UUID PRIMARY KEY,
    trade_number                TEXT NOT NULL UNIQUE,
    root_trade_id               UUID NOT NULL,
    supersedes_trade_id         UUID REFERENCES trades(id),
    revision                    INT NOT NULL DEFAULT 1,
    initiator_id                UUID NOT NULL,
    receiver_id                 UUID NOT NULL,
    status                      TEXT NOT NULL,
    cash_amount                 NUMERIC(12,2) NOT NULL DEFAULT 0 CHECK (cash_amount >= 0),
    cash_payer_id               UUID,
    initiator_message           TEXT NOT NULL DEFAULT '',
    response_deadline           TIMESTAMPTZ NOT NULL,
    accepted_at                 TIMESTAMPTZ,
    initiator_shipped_at        TIMESTAMPTZ,
    receiver_shipped_at         TIMESTAMPTZ,
    initiator_delivered_at      TIMESTAMPTZ,
    receiver_delivered_at       TIMESTAMPTZ,
    completed_at                TIMESTAMPTZ,
    cancelled_at                TIMESTAMPTZ,
    initiator_tracking_provider TEXT NOT NULL DEFAULT '',
    initiator_tracking_number   TEXT NOT NULL DEFAULT '',
    receiver_tracking_provider  TEXT NOT NULL DEFAULT '',
    receiver_tracking_number    TEXT NOT NULL DEFAULT '',
    cancel_reason               TEXT NOT NULL DEFAULT '',
    rejection_note              TEXT NOT NULL DEFAULT '',
    cancel_requested_by         UUID,
    version                     BIGINT NOT NULL DEFAULT 0,
    created_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (initiator_id <> receiver_id),
    CHECK (completed_at IS NULL OR cancelled_at IS NULL)
);

CREATE INDEX IF NOT EXISTS idx_trades_initiator ON trades (initiator_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_receiver ON trades (receiver_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_root ON trades (root_trade_id, revision);
CREATE INDEX IF NOT EXISTS idx_trades_pending_deadline ON trades (response_deadline) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS trade_items (
    trade_id       UUID NOT NULL REFERENCES trades(id),
    listing_id     UUID NOT NULL,
    side           TEXT NOT NULL CHECK (side IN ('initiator', 'receiver')),
    value_at_trade NUMERIC(12,2) NOT NULL,
    PRIMARY KEY (trade_id, listing_id)
);

CREATE INDEX IF NOT EXISTS idx_trade_items_listing ON trade_items (listing_id);

CREATE TABLE IF NOT EXISTS trade_item_locks (
    listing_id UUID PRIMARY KEY,
    trade_id   UUID NOT NULL,
    locked_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_trade_item_locks_trade ON trade_item_locks (trade_id);
`

// Migrate создает таблицы движка обменов, если их нет
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ошибка применения схемы: %w", err)
	}
	return nil
}
