package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rajivgeraev/flippy-trades/internal/inventory"
	"github.com/rajivgeraev/flippy-trades/internal/models"
	"github.com/rajivgeraev/flippy-trades/internal/store"
)

var _ store.Store = (*PostgresStore)(nil)
var _ store.Tx = (*pgTx)(nil)
var _ inventory.Transferer = (*PostgresStore)(nil)

// Денежные колонки читаются как text, чтобы не терять точность NUMERIC
const tradeColumns = `
    t.id, t.trade_number, t.root_trade_id, t.supersedes_trade_id, t.revision,
    t.initiator_id, t.receiver_id, t.status, t.cash_amount::text, t.cash_payer_id,
    t.initiator_message, t.response_deadline,
    t.accepted_at, t.initiator_shipped_at, t.receiver_shipped_at,
    t.initiator_delivered_at, t.receiver_delivered_at, t.completed_at, t.cancelled_at,
    t.initiator_tracking_provider, t.initiator_tracking_number,
    t.receiver_tracking_provider, t.receiver_tracking_number,
    t.cancel_reason, t.rejection_note, t.cancel_requested_by,
    t.version, t.created_at, t.updated_at`

// querier - общие методы pgxpool.Pool и pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore - основное хранилище обменов на PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore создает хранилище поверх пула соединений
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// InTx выполняет fn в транзакции: ошибка fn или коммита откатывает все изменения
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка при начале транзакции: %w", err)
	}
	defer tx.Rollback(ctx) // Откатываем транзакцию в случае ошибки

	if err := fn(&pgTx{q: tx}); err != nil {
		if isSerializationFailure(err) {
			return models.NewError(models.KindStaleState, "конфликт параллельных изменений, повторите запрос")
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return models.NewError(models.KindStaleState, "конфликт параллельных изменений, повторите запрос")
		}
		return fmt.Errorf("ошибка при фиксации транзакции: %w", err)
	}
	return nil
}

// GetTrade возвращает ревизию обмена с предметами
func (s *PostgresStore) GetTrade(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	return (&pgTx{q: s.pool}).GetTrade(ctx, id)
}

// ListTrades возвращает обмены пользователя по фильтру
func (s *PostgresStore) ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.Trade, error) {
	var conds []string
	args := []any{filter.UserID}

	switch filter.Role {
	case "incoming":
		conds = append(conds, "t.receiver_id = $1")
	case "outgoing":
		conds = append(conds, "t.initiator_id = $1")
	default:
		conds = append(conds, "(t.initiator_id = $1 OR t.receiver_id = $1)")
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("t.status = $%d", len(args)))
	}
	if filter.ActiveOnly {
		args = append(args, statusStrings(models.ActiveStatuses))
		conds = append(conds, fmt.Sprintf("t.status = ANY($%d)", len(args)))
	}

	query := "SELECT " + tradeColumns + " FROM trades t WHERE " + strings.Join(conds, " AND ") + " ORDER BY t.created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	trades, err := queryTrades(ctx, s.pool, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса обменов: %w", err)
	}
	return trades, attachItems(ctx, s.pool, trades)
}

// TradeChain возвращает все ревизии цепочки встречных предложений
func (s *PostgresStore) TradeChain(ctx context.Context, rootTradeID uuid.UUID) ([]models.Trade, error) {
	trades, err := queryTrades(ctx, s.pool,
		"SELECT "+tradeColumns+" FROM trades t WHERE t.root_trade_id = $1 ORDER BY t.revision ASC", rootTradeID)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса ревизий обмена: %w", err)
	}
	return trades, attachItems(ctx, s.pool, trades)
}

// TransferOwnership передает объявление новому владельцу, когда объявления живут в той же базе
func (s *PostgresStore) TransferOwnership(ctx context.Context, listingID, newOwnerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE listings
        SET user_id = $2, status = 'traded', updated_at = NOW()
        WHERE id = $1
    `, listingID, newOwnerID)
	if err != nil {
		return fmt.Errorf("ошибка передачи объявления %s: %w", listingID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("объявление %s не найдено", listingID)
	}
	return nil
}

// Ping проверяет соединение с базой
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close закрывает пул соединений
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgTx реализует store.Tx; q - транзакция или пул для чтения вне транзакции
type pgTx struct {
	q querier
}

func (t *pgTx) GetTrade(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	trade, err := scanTrade(t.q.QueryRow(ctx, "SELECT "+tradeColumns+" FROM trades t WHERE t.id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NewError(models.KindNotFound, "обмен %s не найден", id)
		}
		return nil, fmt.Errorf("ошибка получения обмена: %w", err)
	}

	trades := []models.Trade{*trade}
	if err := attachItems(ctx, t.q, trades); err != nil {
		return nil, err
	}
	return &trades[0], nil
}

func (t *pgTx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	initProvider, initNumber := trackingColumns(trade.InitiatorTracking)
	recvProvider, recvNumber := trackingColumns(trade.ReceiverTracking)

	_, err := t.q.Exec(ctx, `
        INSERT INTO trades (
            id, trade_number, root_trade_id, supersedes_trade_id, revision,
            initiator_id, receiver_id, status, cash_amount, cash_payer_id,
            initiator_message, response_deadline,
            initiator_tracking_provider, initiator_tracking_number,
            receiver_tracking_provider, receiver_tracking_number,
            version, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
    `,
		trade.ID, trade.TradeNumber, trade.RootTradeID, trade.SupersedesTradeID, trade.Revision,
		trade.InitiatorID, trade.ReceiverID, string(trade.Status), trade.CashAmount.StringFixed(2), trade.CashPayerID,
		trade.InitiatorMessage, trade.ResponseDeadline,
		initProvider, initNumber, recvProvider, recvNumber,
		trade.Version, trade.CreatedAt, trade.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка создания обмена: %w", err)
	}

	for _, item := range trade.Items {
		_, err = t.q.Exec(ctx, `
            INSERT INTO trade_items (trade_id, listing_id, side, value_at_trade)
            VALUES ($1, $2, $3, $4::text::numeric)
        `, trade.ID, item.ListingID, string(item.Side), item.ValueAtTrade.StringFixed(2))
		if err != nil {
			return fmt.Errorf("ошибка сохранения предметов обмена: %w", err)
		}
	}
	return nil
}

func (t *pgTx) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	initProvider, initNumber := trackingColumns(trade.InitiatorTracking)
	recvProvider, recvNumber := trackingColumns(trade.ReceiverTracking)

	// Условное обновление по версии: проигравший параллельный запрос получит 0 строк
	tag, err := t.q.Exec(ctx, `
        UPDATE trades SET
            status = $3,
            accepted_at = $4,
            initiator_shipped_at = $5,
            receiver_shipped_at = $6,
            initiator_delivered_at = $7,
            receiver_delivered_at = $8,
            completed_at = $9,
            cancelled_at = $10,
            initiator_tracking_provider = $11,
            initiator_tracking_number = $12,
            receiver_tracking_provider = $13,
            receiver_tracking_number = $14,
            cancel_reason = $15,
            rejection_note = $16,
            cancel_requested_by = $17,
            updated_at = $18,
            version = version + 1
        WHERE id = $1 AND version = $2
    `,
		trade.ID, trade.Version, string(trade.Status),
		trade.AcceptedAt, trade.InitiatorShippedAt, trade.ReceiverShippedAt,
		trade.InitiatorDeliveredAt, trade.ReceiverDeliveredAt,
		trade.CompletedAt, trade.CancelledAt,
		initProvider, initNumber, recvProvider, recvNumber,
		trade.CancelReason, trade.RejectionNote, trade.CancelRequestedBy,
		trade.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления обмена: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NewError(models.KindStaleState, "обмен %s изменен параллельным запросом", trade.ID)
	}
	trade.Version++
	return nil
}

func (t *pgTx) ClaimExpired(ctx context.Context, now time.Time, limit int) ([]models.Trade, error) {
	// Один оператор захватывает строки: SKIP LOCKED разводит параллельные экземпляры,
	// повторная проверка статуса в UPDATE исключает двойную отмену
	trades, err := queryTrades(ctx, t.q, `
        WITH due AS (
            SELECT id FROM trades
            WHERE status = 'pending' AND response_deadline <= $1
            ORDER BY response_deadline
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        )
        UPDATE trades t SET
            status = 'cancelled',
            cancelled_at = $1,
            cancel_reason = $3,
            updated_at = $1,
            version = t.version + 1
        FROM due
        WHERE t.id = due.id AND t.status = 'pending'
        RETURNING `+tradeColumns, now, limit, models.CancelReasonExpired)
	if err != nil {
		return nil, fmt.Errorf("ошибка отмены просроченных обменов: %w", err)
	}
	return trades, nil
}

func (t *pgTx) GetListings(ctx context.Context, ids []uuid.UUID) ([]models.Listing, error) {
	// FOR SHARE не дает сервису объявлений изменить владельца до конца транзакции
	rows, err := t.q.Query(ctx, `
        SELECT id, user_id, title, price::text, allow_trade, status, created_at, updated_at
        FROM listings
        WHERE id = ANY($1)
        FOR SHARE
    `, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		var l models.Listing
		var price string
		if err := rows.Scan(&l.ID, &l.UserID, &l.Title, &price, &l.AllowTrade, &l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		if l.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("неверная цена объявления %s: %w", l.ID, err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (t *pgTx) LockHolders(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	rows, err := t.q.Query(ctx, `
        SELECT listing_id, trade_id FROM trade_item_locks WHERE listing_id = ANY($1)
    `, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	holders := make(map[uuid.UUID]uuid.UUID)
	for rows.Next() {
		var listingID, tradeID uuid.UUID
		if err := rows.Scan(&listingID, &tradeID); err != nil {
			return nil, err
		}
		holders[listingID] = tradeID
	}
	return holders, rows.Err()
}

func (t *pgTx) InsertLocks(ctx context.Context, tradeID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	// Первичный ключ по listing_id - источник истины: параллельная вставка дождется
	// фиксации соперника и ничего не вставит
	tag, err := t.q.Exec(ctx, `
        INSERT INTO trade_item_locks (listing_id, trade_id, locked_at)
        SELECT listing_id, $2, NOW() FROM unnest($1::uuid[]) AS listing_id
        ON CONFLICT (listing_id) DO NOTHING
    `, ids, tradeID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) DeleteLocks(ctx context.Context, tradeID uuid.UUID, ids []uuid.UUID) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if len(ids) == 0 {
		tag, err = t.q.Exec(ctx, `DELETE FROM trade_item_locks WHERE trade_id = $1`, tradeID)
	} else {
		tag, err = t.q.Exec(ctx, `DELETE FROM trade_item_locks WHERE trade_id = $1 AND listing_id = ANY($2)`, tradeID, ids)
	}
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) ReassignLocks(ctx context.Context, fromTradeID, toTradeID uuid.UUID, ids []uuid.UUID) (int64, error) {
	tag, err := t.q.Exec(ctx, `
        UPDATE trade_item_locks
        SET trade_id = $2, locked_at = NOW()
        WHERE trade_id = $1 AND listing_id = ANY($3)
    `, fromTradeID, toTradeID, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) LocksOf(ctx context.Context, tradeID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := t.q.Query(ctx, `
        SELECT listing_id FROM trade_item_locks WHERE trade_id = $1 ORDER BY listing_id
    `, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func queryTrades(ctx context.Context, q querier, sql string, args ...any) ([]models.Trade, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

// scanTrade читает строку в порядке tradeColumns
func scanTrade(row pgx.Row) (*models.Trade, error) {
	var t models.Trade
	var status, cash string
	var initProvider, initNumber, recvProvider, recvNumber string
	err := row.Scan(
		&t.ID, &t.TradeNumber, &t.RootTradeID, &t.SupersedesTradeID, &t.Revision,
		&t.InitiatorID, &t.ReceiverID, &status, &cash, &t.CashPayerID,
		&t.InitiatorMessage, &t.ResponseDeadline,
		&t.AcceptedAt, &t.InitiatorShippedAt, &t.ReceiverShippedAt,
		&t.InitiatorDeliveredAt, &t.ReceiverDeliveredAt, &t.CompletedAt, &t.CancelledAt,
		&initProvider, &initNumber, &recvProvider, &recvNumber,
		&t.CancelReason, &t.RejectionNote, &t.CancelRequestedBy,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = models.TradeStatus(status)
	if t.CashAmount, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("неверная сумма доплаты: %w", err)
	}
	t.InitiatorTracking = trackingOf(initProvider, initNumber)
	t.ReceiverTracking = trackingOf(recvProvider, recvNumber)
	return &t, nil
}

// attachItems подгружает предметы для набора ревизий одним запросом
func attachItems(ctx context.Context, q querier, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(trades))
	index := make(map[uuid.UUID]int, len(trades))
	for i, t := range trades {
		ids = append(ids, t.ID)
		index[t.ID] = i
	}

	rows, err := q.Query(ctx, `
        SELECT trade_id, listing_id, side, value_at_trade::text
        FROM trade_items
        WHERE trade_id = ANY($1)
        ORDER BY side, listing_id
    `, ids)
	if err != nil {
		return fmt.Errorf("ошибка получения предметов обмена: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.TradeItem
		var side, value string
		if err := rows.Scan(&item.TradeID, &item.ListingID, &side, &value); err != nil {
			return fmt.Errorf("ошибка сканирования предмета обмена: %w", err)
		}
		item.Side = models.Side(side)
		if item.ValueAtTrade, err = decimal.NewFromString(value); err != nil {
			return fmt.Errorf("неверная стоимость предмета: %w", err)
		}
		i := index[item.TradeID]
		trades[i].Items = append(trades[i].Items, item)
	}
	return rows.Err()
}

func trackingColumns(t *models.Tracking) (string, string) {
	if t == nil {
		return "", ""
	}
	return t.Provider, t.Number
}

// isSerializationFailure - конфликт сериализации или взаимоблокировка в PostgreSQL
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
