// Package sweeper отменяет pending обмены с истекшим сроком ответа.
// Sweeper - единственный писатель отмен по сроку: захват идет условным
// обновлением, поэтому несколько экземпляров не отменят обмен дважды.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rajivgeraev/flippy-trades/internal/config"
	"github.com/rajivgeraev/flippy-trades/internal/locks"
	"github.com/rajivgeraev/flippy-trades/internal/models"
	"github.com/rajivgeraev/flippy-trades/internal/notify"
	"github.com/rajivgeraev/flippy-trades/internal/store"
)

// Sweeper периодически отменяет просроченные предложения
type Sweeper struct {
	store     store.Store
	locks     *locks.Manager
	publisher notify.Publisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

// New создает sweeper
func New(st store.Store, publisher notify.Publisher, cfg config.SweeperConfig, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     st,
		locks:     locks.NewManager(logger),
		publisher: publisher,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		logger:    logger,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

// WithClock подменяет источник времени
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run выполняет проход сразу и затем каждые interval до отмены ctx.
// Ошибка прохода логируется, следующий тик повторит попытку.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Sweeper запущен",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Ошибка отмены просроченных обменов", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper остановлен")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce отменяет все обмены, просроченные на текущий момент, пачками по batchSize.
// Каждая пачка - отдельная транзакция: смена статуса и снятие блокировок вместе.
// Возвращает число отмененных этим вызовом обменов.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	total := 0

	for {
		var claimed []models.Trade
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			claimed, err = tx.ClaimExpired(ctx, now, s.batchSize)
			if err != nil {
				return err
			}
			for _, t := range claimed {
				if _, err := s.locks.ReleaseAll(ctx, tx, t.ID); err != nil {
					return fmt.Errorf("обмен %s: %w", t.ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}

		for i := range claimed {
			t := &claimed[i]
			s.logger.Info("Обмен отменен по истечении срока ответа",
				zap.Stringer("trade_id", t.ID),
				zap.String("trade_number", t.TradeNumber),
				zap.Time("response_deadline", t.ResponseDeadline),
			)
			s.publisher.Publish(ctx, notify.NewTradeEvent(notify.EventExpired, t, uuid.Nil, now))
		}

		total += len(claimed)
		if len(claimed) < s.batchSize {
			return total, nil
		}
	}
}
