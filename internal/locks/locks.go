// Package locks гарантирует, что объявление участвует не более чем в одном
// активном обмене. Все изменения таблицы блокировок идут через Manager и
// выполняются внутри транзакции перехода состояния.
package locks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rajivgeraev/flippy-trades/internal/models"
)

// Tx - операции хранилища над объявлениями и таблицей блокировок в рамках транзакции
type Tx interface {
	// GetListings возвращает найденные объявления; отсутствующие просто пропускаются
	GetListings(ctx context.Context, ids []uuid.UUID) ([]models.Listing, error)
	// LockHolders возвращает listingID -> tradeID для заблокированных объявлений
	LockHolders(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]uuid.UUID, error)
	// InsertLocks добавляет блокировки, пропуская уже существующие, и возвращает число вставленных
	InsertLocks(ctx context.Context, tradeID uuid.UUID, ids []uuid.UUID) (int64, error)
	// DeleteLocks снимает блокировки обмена; пустой ids означает все блокировки обмена
	DeleteLocks(ctx context.Context, tradeID uuid.UUID, ids []uuid.UUID) (int64, error)
	// ReassignLocks переносит блокировки с одного обмена на другой
	ReassignLocks(ctx context.Context, fromTradeID, toTradeID uuid.UUID, ids []uuid.UUID) (int64, error)
	// LocksOf возвращает объявления, заблокированные обменом
	LocksOf(ctx context.Context, tradeID uuid.UUID) ([]uuid.UUID, error)
}

// Claim - заявка стороны на использование объявления в обмене
type Claim struct {
	ListingID uuid.UUID
	OwnerID   uuid.UUID
}

// Manager управляет блокировками объявлений
type Manager struct {
	logger *zap.Logger
}

// NewManager создает менеджер блокировок
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// TryLock блокирует все объявления за обменом tradeID или не блокирует ни одного.
// Возвращает объявления по ID, чтобы вызывающий мог зафиксировать их цену.
func (m *Manager) TryLock(ctx context.Context, tx Tx, tradeID uuid.UUID, claims []Claim) (map[uuid.UUID]models.Listing, error) {
	listings, err := m.check(ctx, tx, uuid.Nil, claims)
	if err != nil {
		return nil, err
	}

	ids := claimIDs(claims)
	inserted, err := tx.InsertLocks(ctx, tradeID, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки объявлений: %w", err)
	}
	// Параллельный обмен успел занять объявление между проверкой и вставкой
	if inserted != int64(len(ids)) {
		return nil, models.NewError(models.KindItemUnavailable, "одно из объявлений уже участвует в другом обмене")
	}

	m.logger.Debug("Объявления заблокированы", zap.Stringer("trade_id", tradeID), zap.Int("count", len(ids)))
	return listings, nil
}

// Release снимает блокировки обмена с указанных объявлений
func (m *Manager) Release(ctx context.Context, tx Tx, tradeID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := tx.DeleteLocks(ctx, tradeID, ids); err != nil {
		return fmt.Errorf("ошибка снятия блокировок: %w", err)
	}
	return nil
}

// ReleaseAll снимает все блокировки обмена и возвращает освобожденные объявления
func (m *Manager) ReleaseAll(ctx context.Context, tx Tx, tradeID uuid.UUID) ([]uuid.UUID, error) {
	held, err := tx.LocksOf(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения блокировок обмена: %w", err)
	}
	if len(held) == 0 {
		return nil, nil
	}
	if _, err := tx.DeleteLocks(ctx, tradeID, nil); err != nil {
		return nil, fmt.Errorf("ошибка снятия блокировок: %w", err)
	}

	m.logger.Debug("Блокировки обмена сняты", zap.Stringer("trade_id", tradeID), zap.Int("count", len(held)))
	return held, nil
}

// Transfer переводит набор объявлений со старой ревизии на новую: оставшиеся
// в предложении переносятся, новые блокируются, исключенные освобождаются.
func (m *Manager) Transfer(ctx context.Context, tx Tx, fromTradeID, toTradeID uuid.UUID, claims []Claim) (map[uuid.UUID]models.Listing, error) {
	listings, err := m.check(ctx, tx, fromTradeID, claims)
	if err != nil {
		return nil, err
	}

	held, err := tx.LocksOf(ctx, fromTradeID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения блокировок обмена: %w", err)
	}
	heldSet := make(map[uuid.UUID]bool, len(held))
	for _, id := range held {
		heldSet[id] = true
	}

	var kept, fresh []uuid.UUID
	wanted := make(map[uuid.UUID]bool, len(claims))
	for _, c := range claims {
		wanted[c.ListingID] = true
		if heldSet[c.ListingID] {
			kept = append(kept, c.ListingID)
		} else {
			fresh = append(fresh, c.ListingID)
		}
	}
	var dropped []uuid.UUID
	for _, id := range held {
		if !wanted[id] {
			dropped = append(dropped, id)
		}
	}

	if len(dropped) > 0 {
		if _, err := tx.DeleteLocks(ctx, fromTradeID, dropped); err != nil {
			return nil, fmt.Errorf("ошибка снятия блокировок: %w", err)
		}
	}
	if len(kept) > 0 {
		moved, err := tx.ReassignLocks(ctx, fromTradeID, toTradeID, kept)
		if err != nil {
			return nil, fmt.Errorf("ошибка переноса блокировок: %w", err)
		}
		if moved != int64(len(kept)) {
			return nil, models.NewError(models.KindStaleState, "блокировки предыдущей ревизии изменились")
		}
	}
	if len(fresh) > 0 {
		inserted, err := tx.InsertLocks(ctx, toTradeID, fresh)
		if err != nil {
			return nil, fmt.Errorf("ошибка блокировки объявлений: %w", err)
		}
		if inserted != int64(len(fresh)) {
			return nil, models.NewError(models.KindItemUnavailable, "одно из объявлений уже участвует в другом обмене")
		}
	}

	m.logger.Debug("Блокировки перенесены на новую ревизию",
		zap.Stringer("from_trade_id", fromTradeID),
		zap.Stringer("to_trade_id", toTradeID),
		zap.Int("kept", len(kept)),
		zap.Int("fresh", len(fresh)),
		zap.Int("dropped", len(dropped)),
	)
	return listings, nil
}

// check проверяет заявки: объявление существует, принадлежит заявленной стороне,
// доступно для обмена и не заблокировано другим обменом (кроме allowedHolder).
func (m *Manager) check(ctx context.Context, tx Tx, allowedHolder uuid.UUID, claims []Claim) (map[uuid.UUID]models.Listing, error) {
	if len(claims) == 0 {
		return map[uuid.UUID]models.Listing{}, nil
	}

	ids := claimIDs(claims)
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, models.NewError(models.KindValidation, "объявление %s указано несколько раз", id)
		}
		seen[id] = true
	}

	found, err := tx.GetListings(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения объявлений: %w", err)
	}
	listings := make(map[uuid.UUID]models.Listing, len(found))
	for _, l := range found {
		listings[l.ID] = l
	}

	holders, err := tx.LockHolders(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки блокировок: %w", err)
	}

	for _, c := range claims {
		l, ok := listings[c.ListingID]
		if !ok {
			return nil, models.NewError(models.KindItemUnavailable, "объявление %s не найдено", c.ListingID)
		}
		if l.UserID != c.OwnerID {
			return nil, models.NewError(models.KindItemUnavailable, "объявление %s не принадлежит стороне обмена", c.ListingID)
		}
		if !l.Tradeable() {
			return nil, models.NewError(models.KindItemUnavailable, "объявление %s недоступно для обмена", c.ListingID)
		}
		if holder, locked := holders[c.ListingID]; locked && holder != allowedHolder {
			return nil, models.NewError(models.KindItemUnavailable, "объявление %s уже участвует в другом обмене", c.ListingID)
		}
	}

	return listings, nil
}

func claimIDs(claims []Claim) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(claims))
	for _, c := range claims {
		ids = append(ids, c.ListingID)
	}
	return ids
}
