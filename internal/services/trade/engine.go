package trade

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rajivgeraev/flippy-trades/internal/config"
	"github.com/rajivgeraev/flippy-trades/internal/inventory"
	"github.com/rajivgeraev/flippy-trades/internal/locks"
	"github.com/rajivgeraev/flippy-trades/internal/models"
	"github.com/rajivgeraev/flippy-trades/internal/notify"
	"github.com/rajivgeraev/flippy-trades/internal/store"
	"github.com/rajivgeraev/flippy-trades/internal/valuation"
)

const (
	maxMessageLength = 1000
	defaultListLimit = 50
	maxListLimit     = 200
)

// ProposeInput - параметры нового предложения обмена
type ProposeInput struct {
	InitiatorID         uuid.UUID
	ReceiverID          uuid.UUID
	OfferedListingIDs   []uuid.UUID
	RequestedListingIDs []uuid.UUID
	CashAmount          decimal.Decimal
	CashPayerID         *uuid.UUID
	Message             string
	ResponseDeadline    *time.Time
}

// CounterInput - параметры встречного предложения. Offered - объявления
// автора встречного предложения, Requested - объявления другой стороны.
type CounterInput struct {
	TradeID             uuid.UUID
	ActorID             uuid.UUID
	OfferedListingIDs   []uuid.UUID
	RequestedListingIDs []uuid.UUID
	CashAmount          decimal.Decimal
	CashPayerID         *uuid.UUID
	Message             string
}

// Engine - конечный автомат обменов. Единственный писатель статусов и отметок
// времени; каждый переход вместе с блокировками фиксируется одной транзакцией.
type Engine struct {
	store      store.Store
	locks      *locks.Manager
	calc       *valuation.Calculator
	publisher  notify.Publisher
	transferer inventory.Transferer
	cfg        config.TradeConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewEngine создает движок обменов
func NewEngine(st store.Store, transferer inventory.Transferer, publisher notify.Publisher, cfg config.TradeConfig, logger *zap.Logger) *Engine {
	return &Engine{
		store:      st,
		locks:      locks.NewManager(logger),
		calc:       valuation.NewCalculator(cfg.ImbalanceThresholdPct),
		publisher:  publisher,
		transferer: transferer,
		cfg:        cfg,
		logger:     logger,
		now:        Now,
	}
}

// Now - текущее время в UTC с точностью хранилища
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// WithClock подменяет источник времени
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Summarize возвращает сводку стоимости ревизии
func (e *Engine) Summarize(t *models.Trade) valuation.Summary {
	return e.calc.Summarize(t)
}

// ProposeTrade создает первую ревизию обмена и блокирует объявления обеих сторон
func (e *Engine) ProposeTrade(ctx context.Context, in ProposeInput) (*models.Trade, error) {
	now := e.now()

	if in.InitiatorID == uuid.Nil || in.ReceiverID == uuid.Nil {
		return nil, models.NewError(models.KindValidation, "не указаны участники обмена")
	}
	if in.InitiatorID == in.ReceiverID {
		return nil, models.NewError(models.KindInvalidParticipant, "нельзя предложить обмен самому себе")
	}
	message, err := e.validateTerms(in.OfferedListingIDs, in.RequestedListingIDs, in.CashAmount, in.CashPayerID, in.InitiatorID, in.ReceiverID, in.Message)
	if err != nil {
		return nil, err
	}
	deadline, err := e.resolveDeadline(now, in.ResponseDeadline)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	t := &models.Trade{
		ID:               id,
		TradeNumber:      models.NewTradeNumber(now),
		RootTradeID:      id,
		Revision:         1,
		InitiatorID:      in.InitiatorID,
		ReceiverID:       in.ReceiverID,
		Status:           models.StatusPending,
		CashAmount:       in.CashAmount.Round(valuation.MoneyScale),
		CashPayerID:      cashPayer(in.CashAmount, in.CashPayerID),
		InitiatorMessage: message,
		ResponseDeadline: deadline,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		claims := buildClaims(t.InitiatorID, in.OfferedListingIDs, t.ReceiverID, in.RequestedListingIDs)
		listings, err := e.locks.TryLock(ctx, tx, t.ID, claims)
		if err != nil {
			return err
		}
		t.Items = buildItems(t.ID, in.OfferedListingIDs, in.RequestedListingIDs, listings)
		return tx.InsertTrade(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Создано предложение обмена",
		zap.Stringer("trade_id", t.ID),
		zap.String("trade_number", t.TradeNumber),
		zap.Stringer("initiator_id", t.InitiatorID),
		zap.Stringer("receiver_id", t.ReceiverID),
		zap.Int("items", len(t.Items)),
	)
	e.warnIfImbalanced(t)
	e.publish(ctx, notify.EventProposed, t, t.InitiatorID)
	return t, nil
}

// CounterOffer заменяет pending ревизию новой с другими условиями.
// Автор встречного предложения становится инициатором новой ревизии.
func (e *Engine) CounterOffer(ctx context.Context, in CounterInput) (*models.Trade, error) {
	now := e.now()
	var next *models.Trade

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		prev, err := e.loadForAction(ctx, tx, in.TradeID, in.ActorID)
		if err != nil {
			return err
		}
		if err := requireStatus(prev, models.StatusPending); err != nil {
			return err
		}
		if prev.ReceiverID != in.ActorID {
			return models.NewError(models.KindInvalidParticipant, "встречное предложение может сделать только получатель")
		}

		initiatorID, receiverID := in.ActorID, prev.InitiatorID
		message, err := e.validateTerms(in.OfferedListingIDs, in.RequestedListingIDs, in.CashAmount, in.CashPayerID, initiatorID, receiverID, in.Message)
		if err != nil {
			return err
		}

		id := uuid.New()
		supersedes := prev.ID
		next = &models.Trade{
			ID:                id,
			TradeNumber:       models.NewTradeNumber(now),
			RootTradeID:       prev.RootTradeID,
			SupersedesTradeID: &supersedes,
			Revision:          prev.Revision + 1,
			InitiatorID:       initiatorID,
			ReceiverID:        receiverID,
			Status:            models.StatusPending,
			CashAmount:        in.CashAmount.Round(valuation.MoneyScale),
			CashPayerID:       cashPayer(in.CashAmount, in.CashPayerID),
			InitiatorMessage:  message,
			ResponseDeadline:  now.Add(e.cfg.ResponseWindow),
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		claims := buildClaims(initiatorID, in.OfferedListingIDs, receiverID, in.RequestedListingIDs)
		listings, err := e.locks.Transfer(ctx, tx, prev.ID, next.ID, claims)
		if err != nil {
			return err
		}
		next.Items = buildItems(next.ID, in.OfferedListingIDs, in.RequestedListingIDs, listings)
		if err := tx.InsertTrade(ctx, next); err != nil {
			return err
		}

		prev.Status = models.StatusSuperseded
		prev.CancelledAt = &now
		prev.CancelReason = models.CancelReasonSuperseded
		prev.UpdatedAt = now
		return tx.UpdateTrade(ctx, prev)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Создано встречное предложение",
		zap.Stringer("trade_id", next.ID),
		zap.Stringer("supersedes_trade_id", in.TradeID),
		zap.Int("revision", next.Revision),
	)
	e.warnIfImbalanced(next)
	e.publish(ctx, notify.EventCountered, next, in.ActorID)
	return next, nil
}

// AcceptTrade принимает предложение. Истекший, но еще не обработанный
// sweeper'ом обмен принимается: отменой по сроку занимается только sweeper.
func (e *Engine) AcceptTrade(ctx context.Context, tradeID, actorID uuid.UUID) (*models.Trade, error) {
	return e.transition(ctx, tradeID, actorID, func(tx store.Tx, t *models.Trade, now time.Time) (notify.EventType, error) {
		if err := requireStatus(t, models.StatusPending); err != nil {
			return "", err
		}
		if t.ReceiverID != actorID {
			return "", models.NewError(models.KindInvalidParticipant, "принять предложение может только получатель")
		}

		t.Status = models.StatusAccepted
		t.AcceptedAt = &now
		return notify.EventAccepted, nil
	})
}

// RejectTrade отклоняет pending предложение любой из сторон и снимает блокировки
func (e *Engine) RejectTrade(ctx context.Context, tradeID, actorID uuid.UUID, reason string) (*models.Trade, error) {
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) > maxMessageLength {
		return nil, models.NewError(models.KindValidation, "причина отказа длиннее %d символов", maxMessageLength)
	}

	return e.transition(ctx, tradeID, actorID, func(tx store.Tx, t *models.Trade, now time.Time) (notify.EventType, error) {
		if err := requireStatus(t, models.StatusPending); err != nil {
			return "", err
		}

		t.Status = models.StatusRejected
		t.CancelledAt = &now
		t.CancelReason = models.CancelReasonRejected
		t.RejectionNote = reason
		if _, err := e.locks.ReleaseAll(ctx, tx, t.ID); err != nil {
			return "", err
		}
		return notify.EventRejected, nil
	})
}

// ShipTrade фиксирует отправку предметов стороной actor
func (e *Engine) ShipTrade(ctx context.Context, tradeID, actorID uuid.UUID, trackingNumber, provider string) (*models.Trade, error) {
	tracking := models.Tracking{
		Provider: strings.TrimSpace(provider),
		Number:   strings.TrimSpace(trackingNumber),
	}
	if tracking.Provider == "" || tracking.Number == "" {
		return nil, models.NewError(models.KindValidation, "необходимо указать перевозчика и трек-номер")
	}

	return e.transition(ctx, tradeID, actorID, func(tx store.Tx, t *models.Trade, now time.Time) (notify.EventType, error) {
		if err := requireStatus(t, models.StatusAccepted, models.StatusInitiatorShipped, models.StatusReceiverShipped,
			models.StatusInitiatorDelivered, models.StatusReceiverDelivered); err != nil {
			return "", err
		}
		side, _ := t.SideOf(actorID)
		if t.ShippedAt(side) != nil {
			return "", models.NewError(models.KindAlreadyActed, "отправка этой стороны уже зарегистрирована")
		}

		t.MarkShipped(side, now, tracking)
		// После второй отправки запрос на взаимную отмену больше не может быть завершен
		if t.BothShipped() {
			t.CancelRequestedBy = nil
		}
		return notify.EventShipped, nil
	})
}

// ConfirmDelivery подтверждает получение отправления другой стороны.
// Подтвердить можно только чужое отправление и только после отправки обеих сторон.
// Когда подтверждены обе доставки, обмен завершается и владение передается.
func (e *Engine) ConfirmDelivery(ctx context.Context, tradeID, actorID uuid.UUID) (*models.Trade, error) {
	t, err := e.transition(ctx, tradeID, actorID, func(tx store.Tx, t *models.Trade, now time.Time) (notify.EventType, error) {
		if err := requireStatus(t, models.StatusInitiatorShipped, models.StatusReceiverShipped,
			models.StatusInitiatorDelivered, models.StatusReceiverDelivered); err != nil {
			return "", err
		}
		side, _ := t.SideOf(actorID)
		leg := side.Other()
		if !t.BothShipped() {
			return "", models.NewError(models.KindInvalidStateTransition, "подтверждение доставки возможно после отправки обеими сторонами")
		}
		if t.DeliveredAt(leg) != nil {
			return "", models.NewError(models.KindAlreadyActed, "получение этого отправления уже подтверждено")
		}

		t.MarkDelivered(leg, now)
		if !t.BothDelivered() {
			return notify.EventDelivered, nil
		}

		t.Status = models.StatusConfirmed
		t.CompletedAt = &now
		if _, err := e.locks.ReleaseAll(ctx, tx, t.ID); err != nil {
			return "", err
		}
		return notify.EventCompleted, nil
	})
	if err != nil {
		return nil, err
	}

	if t.Status == models.StatusConfirmed {
		e.transferOwnership(ctx, t)
	}
	return t, nil
}

// CancelTrade отменяет обмен по правилам текущей стадии:
// pending - только инициатор отзывает предложение;
// accepted - любая сторона в одностороннем порядке;
// отправлена одна сторона - нужна взаимная отмена, первый вызов только фиксирует запрос;
// отправлены обе стороны - отмена невозможна.
func (e *Engine) CancelTrade(ctx context.Context, tradeID, actorID uuid.UUID) (*models.Trade, error) {
	return e.transition(ctx, tradeID, actorID, func(tx store.Tx, t *models.Trade, now time.Time) (notify.EventType, error) {
		if t.Status.IsTerminal() {
			return "", terminalError(t)
		}
		if t.BothShipped() {
			return "", models.NewError(models.KindInvalidStateTransition, "обе стороны уже отправили предметы, отмена невозможна")
		}

		reason := models.CancelReasonCancelled
		switch {
		case t.Status == models.StatusPending:
			if actorID != t.InitiatorID {
				return "", models.NewError(models.KindInvalidStateTransition, "получатель отклоняет предложение, а не отменяет его")
			}
		case t.AnyShipped():
			switch {
			case t.CancelRequestedBy == nil:
				requester := actorID
				t.CancelRequestedBy = &requester
				return notify.EventCancelRequested, nil
			case *t.CancelRequestedBy == actorID:
				return "", models.NewError(models.KindAlreadyActed, "запрос на отмену уже отправлен, ожидается согласие другой стороны")
			}
			reason = models.CancelReasonMutual
		}

		t.Status = models.StatusCancelled
		t.CancelledAt = &now
		t.CancelReason = reason
		if _, err := e.locks.ReleaseAll(ctx, tx, t.ID); err != nil {
			return "", err
		}
		return notify.EventCancelled, nil
	})
}

// GetTrade возвращает ревизию обмена участнику
func (e *Engine) GetTrade(ctx context.Context, tradeID, actorID uuid.UUID) (*models.Trade, error) {
	t, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(actorID) {
		return nil, models.NewError(models.KindInvalidParticipant, "вы не участвуете в этом обмене")
	}
	return t, nil
}

// TradeHistory возвращает все ревизии цепочки, к которой относится обмен
func (e *Engine) TradeHistory(ctx context.Context, tradeID, actorID uuid.UUID) ([]models.Trade, error) {
	t, err := e.GetTrade(ctx, tradeID, actorID)
	if err != nil {
		return nil, err
	}
	return e.store.TradeChain(ctx, t.RootTradeID)
}

// ListTrades возвращает обмены пользователя с фильтрами
func (e *Engine) ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.Trade, error) {
	if filter.UserID == uuid.Nil {
		return nil, models.NewError(models.KindValidation, "не указан пользователь")
	}
	switch filter.Role {
	case "":
		filter.Role = "all"
	case "all", "incoming", "outgoing":
	default:
		return nil, models.NewError(models.KindValidation, "неизвестный тип выборки %q", filter.Role)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, models.NewError(models.KindValidation, "неизвестный статус %q", filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return e.store.ListTrades(ctx, filter)
}

// transitionFunc меняет ревизию и возвращает тип события для уведомления.
// Пустой тип означает, что уведомлять не нужно.
type transitionFunc func(tx store.Tx, t *models.Trade, now time.Time) (notify.EventType, error)

// transition читает ревизию, проверяет участника, применяет fn и сохраняет
// результат с проверкой версии. Уведомление уходит только после фиксации.
func (e *Engine) transition(ctx context.Context, tradeID, actorID uuid.UUID, fn transitionFunc) (*models.Trade, error) {
	now := e.now()
	var (
		t     *models.Trade
		event notify.EventType
	)

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		t, err = e.loadForAction(ctx, tx, tradeID, actorID)
		if err != nil {
			return err
		}
		event, err = fn(tx, t, now)
		if err != nil {
			return err
		}
		t.UpdatedAt = now
		return tx.UpdateTrade(ctx, t)
	})
	if err != nil {
		e.logRejected(tradeID, actorID, err)
		return nil, err
	}

	e.logger.Info("Статус обмена изменен",
		zap.Stringer("trade_id", t.ID),
		zap.Stringer("actor_id", actorID),
		zap.String("status", string(t.Status)),
		zap.String("event", string(event)),
	)
	if event != "" {
		e.publish(ctx, event, t, actorID)
	}
	return t, nil
}

// loadForAction читает ревизию и проверяет, что actor - ее участник
func (e *Engine) loadForAction(ctx context.Context, tx store.Tx, tradeID, actorID uuid.UUID) (*models.Trade, error) {
	t, err := tx.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(actorID) {
		return nil, models.NewError(models.KindInvalidParticipant, "вы не участвуете в этом обмене")
	}
	return t, nil
}

// requireStatus проверяет, что обмен находится в одном из статусов
func requireStatus(t *models.Trade, allowed ...models.TradeStatus) error {
	for _, s := range allowed {
		if t.Status == s {
			return nil
		}
	}
	if t.Status.IsTerminal() {
		return terminalError(t)
	}
	return models.NewError(models.KindInvalidStateTransition, "действие недопустимо в статусе %s", t.Status)
}

func terminalError(t *models.Trade) error {
	switch {
	case t.Status == models.StatusCancelled && t.CancelReason == models.CancelReasonExpired:
		return models.NewError(models.KindExpired, "срок ответа на предложение истек, обмен отменен")
	case t.Status == models.StatusSuperseded:
		return models.NewError(models.KindInvalidStateTransition, "предложение заменено встречным, используйте последнюю ревизию")
	}
	return models.NewError(models.KindInvalidStateTransition, "обмен уже завершен со статусом %s", t.Status)
}

// validateTerms проверяет состав и денежную часть предложения.
// Возвращает очищенное сообщение.
func (e *Engine) validateTerms(offered, requested []uuid.UUID, cash decimal.Decimal, payer *uuid.UUID, initiatorID, receiverID uuid.UUID, message string) (string, error) {
	if len(offered) > e.cfg.MaxItemsPerSide || len(requested) > e.cfg.MaxItemsPerSide {
		return "", models.NewError(models.KindValidation, "не более %d объявлений с каждой стороны", e.cfg.MaxItemsPerSide)
	}
	if len(offered)+len(requested) == 0 {
		return "", models.NewError(models.KindValidation, "обмен должен включать хотя бы одно объявление")
	}
	if err := valuation.ValidateCash(cash, payer, initiatorID, receiverID); err != nil {
		return "", err
	}
	// Пустая сторона допустима только при денежной доплате
	if (len(offered) == 0 || len(requested) == 0) && cash.IsZero() {
		return "", models.NewError(models.KindValidation, "каждая сторона должна предложить объявление, либо обмен должен включать доплату")
	}

	seen := make(map[uuid.UUID]bool, len(offered)+len(requested))
	for _, id := range append(append([]uuid.UUID{}, offered...), requested...) {
		if id == uuid.Nil {
			return "", models.NewError(models.KindValidation, "пустой ID объявления")
		}
		if seen[id] {
			return "", models.NewError(models.KindValidation, "объявление %s указано несколько раз", id)
		}
		seen[id] = true
	}

	message = strings.TrimSpace(message)
	if len([]rune(message)) > maxMessageLength {
		return "", models.NewError(models.KindValidation, "сообщение длиннее %d символов", maxMessageLength)
	}
	return message, nil
}

// resolveDeadline возвращает срок ответа: по умолчанию now + окно ответа,
// явный срок должен быть в будущем и не дальше максимального окна
func (e *Engine) resolveDeadline(now time.Time, requested *time.Time) (time.Time, error) {
	if requested == nil {
		return now.Add(e.cfg.ResponseWindow), nil
	}
	deadline := requested.UTC().Truncate(time.Microsecond)
	if !deadline.After(now) {
		return time.Time{}, models.NewError(models.KindValidation, "срок ответа должен быть в будущем")
	}
	if deadline.After(now.Add(e.cfg.MaxResponseWindow)) {
		return time.Time{}, models.NewError(models.KindValidation, "срок ответа не может превышать %s", e.cfg.MaxResponseWindow)
	}
	return deadline, nil
}

func (e *Engine) transferOwnership(ctx context.Context, t *models.Trade) {
	for _, item := range t.Items {
		newOwner := t.Participant(item.Side.Other())
		if err := e.transferer.TransferOwnership(ctx, item.ListingID, newOwner); err != nil {
			e.logger.Error("Ошибка передачи владения объявлением",
				zap.Stringer("trade_id", t.ID),
				zap.Stringer("listing_id", item.ListingID),
				zap.Stringer("new_owner_id", newOwner),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) publish(ctx context.Context, typ notify.EventType, t *models.Trade, actorID uuid.UUID) {
	e.publisher.Publish(ctx, notify.NewTradeEvent(typ, t, actorID, t.UpdatedAt))
}

func (e *Engine) warnIfImbalanced(t *models.Trade) {
	s := e.calc.Summarize(t)
	if !s.Imbalanced {
		return
	}
	e.logger.Warn("Сильный перекос стоимости сторон обмена",
		zap.Stringer("trade_id", t.ID),
		zap.String("initiator_total", s.InitiatorTotal.StringFixed(valuation.MoneyScale)),
		zap.String("receiver_total", s.ReceiverTotal.StringFixed(valuation.MoneyScale)),
		zap.String("differential", s.Differential.StringFixed(valuation.MoneyScale)),
	)
}

func (e *Engine) logRejected(tradeID, actorID uuid.UUID, err error) {
	var te *models.TradeError
	if errors.As(err, &te) {
		e.logger.Debug("Переход обмена отклонен",
			zap.Stringer("trade_id", tradeID),
			zap.Stringer("actor_id", actorID),
			zap.String("kind", string(te.Kind)),
			zap.String("reason", te.Message),
		)
		return
	}
	e.logger.Error("Ошибка перехода обмена",
		zap.Stringer("trade_id", tradeID),
		zap.Stringer("actor_id", actorID),
		zap.Error(err),
	)
}

func cashPayer(amount decimal.Decimal, payer *uuid.UUID) *uuid.UUID {
	if amount.IsZero() || payer == nil {
		return nil
	}
	p := *payer
	return &p
}

func buildClaims(initiatorID uuid.UUID, offered []uuid.UUID, receiverID uuid.UUID, requested []uuid.UUID) []locks.Claim {
	claims := make([]locks.Claim, 0, len(offered)+len(requested))
	for _, id := range offered {
		claims = append(claims, locks.Claim{ListingID: id, OwnerID: initiatorID})
	}
	for _, id := range requested {
		claims = append(claims, locks.Claim{ListingID: id, OwnerID: receiverID})
	}
	return claims
}

// buildItems фиксирует цену объявлений на момент предложения
func buildItems(tradeID uuid.UUID, offered, requested []uuid.UUID, listings map[uuid.UUID]models.Listing) []models.TradeItem {
	items := make([]models.TradeItem, 0, len(offered)+len(requested))
	add := func(ids []uuid.UUID, side models.Side) {
		for _, id := range ids {
			items = append(items, models.TradeItem{
				TradeID:      tradeID,
				ListingID:    id,
				Side:         side,
				ValueAtTrade: listings[id].Price.Round(valuation.MoneyScale),
			})
		}
	}
	add(offered, models.SideInitiator)
	add(requested, models.SideReceiver)
	return items
}
