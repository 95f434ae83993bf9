package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rajivgeraev/flippy-trades/internal/inventory"
	"github.com/rajivgeraev/flippy-trades/internal/models"
	"github.com/rajivgeraev/flippy-trades/internal/store"
)

// Проверки реализации интерфейсов на этапе компиляции
var _ store.Store = (*SQLiteStore)(nil)
var _ store.Tx = (*sqliteTx)(nil)
var _ inventory.Transferer = (*SQLiteStore)(nil)

// SQLiteStore - встроенное хранилище обменов на gorm + SQLite.
// Используется для локального запуска и в тестах.
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteStore открывает базу SQLite и создает таблицы
func NewSQLiteStore(dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к SQLite: %w", err)
	}

	// SQLite сериализует запись; одно соединение также сохраняет базу в памяти между запросами
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("ошибка получения соединения SQLite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := gdb.AutoMigrate(&listingRecord{}, &tradeRecord{}, &tradeItemRecord{}, &lockRecord{}); err != nil {
		return nil, fmt.Errorf("ошибка миграции SQLite: %w", err)
	}

	logger.Info("SQLite хранилище готово", zap.String("dsn", dsn))
	return &SQLiteStore{db: gdb, logger: logger}, nil
}

// InTx выполняет fn в транзакции gorm
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&sqliteTx{db: gtx})
	})
}

// GetTrade возвращает ревизию обмена с предметами
func (s *SQLiteStore) GetTrade(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	return (&sqliteTx{db: s.db.WithContext(ctx)}).GetTrade(ctx, id)
}

// ListTrades возвращает обмены пользователя по фильтру
func (s *SQLiteStore) ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.Trade, error) {
	q := s.db.WithContext(ctx).Model(&tradeRecord{})

	switch filter.Role {
	case "incoming":
		q = q.Where("receiver_id = ?", filter.UserID)
	case "outgoing":
		q = q.Where("initiator_id = ?", filter.UserID)
	default:
		q = q.Where("(initiator_id = ? OR receiver_id = ?)", filter.UserID, filter.UserID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.ActiveOnly {
		q = q.Where("status IN ?", statusStrings(models.ActiveStatuses))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var records []tradeRecord
	if err := q.Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("ошибка запроса обменов: %w", err)
	}
	return s.withItems(ctx, records)
}

// TradeChain возвращает все ревизии цепочки встречных предложений
func (s *SQLiteStore) TradeChain(ctx context.Context, rootTradeID uuid.UUID) ([]models.Trade, error) {
	var records []tradeRecord
	err := s.db.WithContext(ctx).
		Where("root_trade_id = ?", rootTradeID).
		Order("revision ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса ревизий обмена: %w", err)
	}
	return s.withItems(ctx, records)
}

// TransferOwnership передает объявление новому владельцу в той же базе
func (s *SQLiteStore) TransferOwnership(ctx context.Context, listingID, newOwnerID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&listingRecord{}).
		Where("id = ?", listingID).
		Updates(map[string]any{
			"user_id":    newOwnerID,
			"status":     "traded",
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("ошибка передачи объявления %s: %w", listingID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("объявление %s не найдено", listingID)
	}
	return nil
}

// SaveListing создает или обновляет объявление (наполнение встроенной базы)
func (s *SQLiteStore) SaveListing(ctx context.Context, l *models.Listing) error {
	rec := listingRecord{
		ID:         l.ID,
		UserID:     l.UserID,
		Title:      l.Title,
		Price:      l.Price,
		AllowTrade: l.AllowTrade,
		Status:     l.Status,
		CreatedAt:  l.CreatedAt,
		UpdatedAt:  l.UpdatedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
		rec.UpdatedAt = rec.CreatedAt
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("ошибка сохранения объявления: %w", err)
	}
	return nil
}

// GetListing возвращает объявление по ID
func (s *SQLiteStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	var rec listingRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewError(models.KindNotFound, "объявление %s не найдено", id)
		}
		return nil, fmt.Errorf("ошибка получения объявления: %w", err)
	}
	l := rec.toModel()
	return &l, nil
}

// Ping проверяет соединение с базой
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close закрывает соединение с базой
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) withItems(ctx context.Context, records []tradeRecord) ([]models.Trade, error) {
	return loadItems(s.db.WithContext(ctx), records)
}

// sqliteTx реализует store.Tx поверх транзакции gorm
type sqliteTx struct {
	db *gorm.DB
}

func (t *sqliteTx) GetTrade(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	var rec tradeRecord
	if err := t.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewError(models.KindNotFound, "обмен %s не найден", id)
		}
		return nil, fmt.Errorf("ошибка получения обмена: %w", err)
	}
	trades, err := loadItems(t.db.WithContext(ctx), []tradeRecord{rec})
	if err != nil {
		return nil, err
	}
	return &trades[0], nil
}

func (t *sqliteTx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	rec := newTradeRecord(trade)
	if err := t.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("ошибка создания обмена: %w", err)
	}

	if len(trade.Items) == 0 {
		return nil
	}
	items := make([]tradeItemRecord, 0, len(trade.Items))
	for _, item := range trade.Items {
		items = append(items, tradeItemRecord{
			TradeID:      trade.ID,
			ListingID:    item.ListingID,
			Side:         string(item.Side),
			ValueAtTrade: item.ValueAtTrade,
		})
	}
	if err := t.db.WithContext(ctx).Create(&items).Error; err != nil {
		return fmt.Errorf("ошибка сохранения предметов обмена: %w", err)
	}
	return nil
}

func (t *sqliteTx) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	rec := newTradeRecord(trade)
	rec.Version = trade.Version + 1

	res := t.db.WithContext(ctx).Model(&tradeRecord{}).
		Where("id = ? AND version = ?", trade.ID, trade.Version).
		Select("*").Omit("id", "trade_number", "created_at").
		Updates(&rec)
	if res.Error != nil {
		return fmt.Errorf("ошибка обновления обмена: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewError(models.KindStaleState, "обмен %s изменен параллельным запросом", trade.ID)
	}
	trade.Version = rec.Version
	return nil
}

func (t *sqliteTx) ClaimExpired(ctx context.Context, now time.Time, limit int) ([]models.Trade, error) {
	nowUs := now.UnixMicro()

	var candidates []tradeRecord
	err := t.db.WithContext(ctx).
		Where("status = ? AND deadline_us <= ?", string(models.StatusPending), nowUs).
		Order("deadline_us ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска просроченных обменов: %w", err)
	}

	claimed := make([]models.Trade, 0, len(candidates))
	for _, rec := range candidates {
		// Условное обновление: захватываем только строки, которые все еще pending
		res := t.db.WithContext(ctx).Model(&tradeRecord{}).
			Where("id = ? AND status = ? AND deadline_us <= ?", rec.ID, string(models.StatusPending), nowUs).
			Updates(map[string]any{
				"status":        string(models.StatusCancelled),
				"cancelled_at":  now,
				"cancel_reason": models.CancelReasonExpired,
				"version":       gorm.Expr("version + 1"),
				"updated_at":    now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("ошибка отмены просроченного обмена %s: %w", rec.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}

		trade := rec.toModel()
		trade.Status = models.StatusCancelled
		trade.CancelledAt = &now
		trade.CancelReason = models.CancelReasonExpired
		trade.Version++
		trade.UpdatedAt = now
		claimed = append(claimed, trade)
	}
	return claimed, nil
}

func (t *sqliteTx) GetListings(ctx context.Context, ids []uuid.UUID) ([]models.Listing, error) {
	var records []listingRecord
	if err := t.db.WithContext(ctx).Where("id IN ?", ids).Find(&records).Error; err != nil {
		return nil, err
	}
	listings := make([]models.Listing, 0, len(records))
	for _, r := range records {
		listings = append(listings, r.toModel())
	}
	return listings, nil
}

func (t *sqliteTx) LockHolders(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	var records []lockRecord
	if err := t.db.WithContext(ctx).Where("listing_id IN ?", ids).Find(&records).Error; err != nil {
		return nil, err
	}
	holders := make(map[uuid.UUID]uuid.UUID, len(records))
	for _, r := range records {
		holders[r.ListingID] = r.TradeID
	}
	return holders, nil
}

func (t *sqliteTx) InsertLocks(ctx context.Context, tradeID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	records := make([]lockRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, lockRecord{ListingID: id, TradeID: tradeID, LockedAt: now})
	}
	res := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&records)
	return res.RowsAffected, res.Error
}

func (t *sqliteTx) DeleteLocks(ctx context.Context, tradeID uuid.UUID, ids []uuid.UUID) (int64, error) {
	q := t.db.WithContext(ctx).Where("trade_id = ?", tradeID)
	if len(ids) > 0 {
		q = q.Where("listing_id IN ?", ids)
	}
	res := q.Delete(&lockRecord{})
	return res.RowsAffected, res.Error
}

func (t *sqliteTx) ReassignLocks(ctx context.Context, fromTradeID, toTradeID uuid.UUID, ids []uuid.UUID) (int64, error) {
	res := t.db.WithContext(ctx).Model(&lockRecord{}).
		Where("trade_id = ? AND listing_id IN ?", fromTradeID, ids).
		Updates(map[string]any{"trade_id": toTradeID, "locked_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

func (t *sqliteTx) LocksOf(ctx context.Context, tradeID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := t.db.WithContext(ctx).Model(&lockRecord{}).
		Where("trade_id = ?", tradeID).
		Order("listing_id").
		Pluck("listing_id", &ids).Error
	return ids, err
}

// loadItems подгружает предметы для набора ревизий одним запросом
func loadItems(gdb *gorm.DB, records []tradeRecord) ([]models.Trade, error) {
	trades := make([]models.Trade, 0, len(records))
	if len(records) == 0 {
		return trades, nil
	}

	ids := make([]uuid.UUID, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}

	var items []tradeItemRecord
	if err := gdb.Where("trade_id IN ?", ids).Order("side, listing_id").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("ошибка получения предметов обмена: %w", err)
	}
	byTrade := make(map[uuid.UUID][]models.TradeItem, len(records))
	for _, it := range items {
		byTrade[it.TradeID] = append(byTrade[it.TradeID], models.TradeItem{
			TradeID:      it.TradeID,
			ListingID:    it.ListingID,
			Side:         models.Side(it.Side),
			ValueAtTrade: it.ValueAtTrade,
		})
	}

	for _, r := range records {
		t := r.toModel()
		t.Items = byTrade[r.ID]
		trades = append(trades, t)
	}
	return trades, nil
}

func statusStrings(statuses []models.TradeStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}
