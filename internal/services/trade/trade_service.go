package trade

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rajivgeraev/flippy-trades/internal/middleware"
	"github.com/rajivgeraev/flippy-trades/internal/models"
	"github.com/rajivgeraev/flippy-trades/internal/utils"
	"github.com/rajivgeraev/flippy-trades/internal/valuation"
)

// TradeService - HTTP API обменов поверх Engine
type TradeService struct {
	engine     *Engine
	jwtService *utils.JWTService
	timeout    time.Duration
	logger     *zap.Logger
}

// NewTradeService создает новый экземпляр TradeService
func NewTradeService(engine *Engine, jwtService *utils.JWTService, timeout time.Duration, logger *zap.Logger) *TradeService {
	return &TradeService{
		engine:     engine,
		jwtService: jwtService,
		timeout:    timeout,
		logger:     logger,
	}
}

// tradeResponse - ревизия обмена вместе со сводкой стоимости
type tradeResponse struct {
	*models.Trade
	Summary valuation.Summary `json:"summary"`
}

type proposeRequest struct {
	ReceiverID          uuid.UUID       `json:"receiver_id"`
	OfferedListingIDs   []uuid.UUID     `json:"offered_listing_ids"`
	RequestedListingIDs []uuid.UUID     `json:"requested_listing_ids"`
	CashAmount          decimal.Decimal `json:"cash_amount"`
	CashPayerID         *uuid.UUID      `json:"cash_payer_id"`
	Message             string          `json:"message"`
	ResponseDeadline    *time.Time      `json:"response_deadline"`
}

type counterRequest struct {
	OfferedListingIDs   []uuid.UUID     `json:"offered_listing_ids"`
	RequestedListingIDs []uuid.UUID     `json:"requested_listing_ids"`
	CashAmount          decimal.Decimal `json:"cash_amount"`
	CashPayerID         *uuid.UUID      `json:"cash_payer_id"`
	Message             string          `json:"message"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type shipRequest struct {
	TrackingNumber string `json:"tracking_number"`
	Provider       string `json:"provider"`
}

// CreateTrade создает новое предложение обмена
func (s *TradeService) CreateTrade(c fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}

	var req proposeRequest
	if err := c.Bind().Body(&req); err != nil {
		return s.badRequest(c, "Неверный формат данных", err)
	}

	ctx, cancel := s.context()
	defer cancel()

	t, err := s.engine.ProposeTrade(ctx, ProposeInput{
		InitiatorID:         userID,
		ReceiverID:          req.ReceiverID,
		OfferedListingIDs:   req.OfferedListingIDs,
		RequestedListingIDs: req.RequestedListingIDs,
		CashAmount:          req.CashAmount,
		CashPayerID:         req.CashPayerID,
		Message:             req.Message,
		ResponseDeadline:    req.ResponseDeadline,
	})
	if err != nil {
		return s.respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(s.view(t))
}

// GetMyTrades возвращает список входящих и исходящих предложений обмена
func (s *TradeService) GetMyTrades(c fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}

	filter := models.TradeFilter{
		UserID: userID,
		Role:   c.Query("type", "all"),
	}
	if status := c.Query("status", "all"); status != "all" {
		filter.Status = models.TradeStatus(status)
	}
	if active := c.Query("active_only"); active != "" {
		v, err := strconv.ParseBool(active)
		if err != nil {
			return s.badRequest(c, "Параметр active_only должен быть true или false", err)
		}
		filter.ActiveOnly = v
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		return s.badRequest(c, "Неверное значение limit", err)
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		return s.badRequest(c, "Неверное значение offset", err)
	}

	ctx, cancel := s.context()
	defer cancel()

	trades, err := s.engine.ListTrades(ctx, filter)
	if err != nil {
		return s.respondError(c, err)
	}

	views := make([]tradeResponse, 0, len(trades))
	for i := range trades {
		views = append(views, s.view(&trades[i]))
	}
	return c.JSON(fiber.Map{
		"trades": views,
		"count":  len(views),
	})
}

// GetTrade возвращает ревизию обмена участнику
func (s *TradeService) GetTrade(c fiber.Ctx) error {
	return s.withTrade(c, func(ctx context.Context, tradeID, userID uuid.UUID) (*models.Trade, error) {
		return s.engine.GetTrade(ctx, tradeID, userID)
	})
}

// GetTradeHistory возвращает все ревизии цепочки встречных предложений
func (s *TradeService) GetTradeHistory(c fiber.Ctx) error {
	userID, tradeID, done, err := s.identify(c)
	if done {
		return err
	}

	ctx, cancel := s.context()
	defer cancel()

	chain, err := s.engine.TradeHistory(ctx, tradeID, userID)
	if err != nil {
		return s.respondError(c, err)
	}

	views := make([]tradeResponse, 0, len(chain))
	for i := range chain {
		views = append(views, s.view(&chain[i]))
	}
	return c.JSON(fiber.Map{
		"revisions": views,
		"count":     len(views),
	})
}

// CounterTrade создает встречное предложение
func (s *TradeService) CounterTrade(c fiber.Ctx) error {
	var req counterRequest
	if err := c.Bind().Body(&req); err != nil {
		return s.badRequest(c, "Неверный формат данных", err)
	}

	return s.withTrade(c, func(ctx context.Context, tradeID, userID uuid.UUID) (*models.Trade, error) {
		return s.engine.CounterOffer(ctx, CounterInput{
			TradeID:             tradeID,
			ActorID:             userID,
			OfferedListingIDs:   req.OfferedListingIDs,
			RequestedListingIDs: req.RequestedListingIDs,
			CashAmount:          req.CashAmount,
			CashPayerID:         req.CashPayerID,
			Message:             req.Message,
		})
	})
}

// AcceptTrade принимает предложение обмена
func (s *TradeService) AcceptTrade(c fiber.Ctx) error {
	return s.withTrade(c, s.engine.AcceptTrade)
}

// RejectTrade отклоняет предложение обмена
func (s *TradeService) RejectTrade(c fiber.Ctx) error {
	var req rejectRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&req); err != nil {
			return s.badRequest(c, "Неверный формат данных", err)
		}
	}

	return s.withTrade(c, func(ctx context.Context, tradeID, userID uuid.UUID) (*models.Trade, error) {
		return s.engine.RejectTrade(ctx, tradeID, userID, req.Reason)
	})
}

// ShipTrade регистрирует отправку предметов пользователем
func (s *TradeService) ShipTrade(c fiber.Ctx) error {
	var req shipRequest
	if err := c.Bind().Body(&req); err != nil {
		return s.badRequest(c, "Неверный формат данных", err)
	}

	return s.withTrade(c, func(ctx context.Context, tradeID, userID uuid.UUID) (*models.Trade, error) {
		return s.engine.ShipTrade(ctx, tradeID, userID, req.TrackingNumber, req.Provider)
	})
}

// ConfirmDelivery подтверждает получение предметов другой стороны
func (s *TradeService) ConfirmDelivery(c fiber.Ctx) error {
	return s.withTrade(c, s.engine.ConfirmDelivery)
}

// CancelTrade отменяет обмен или запрашивает взаимную отмену
func (s *TradeService) CancelTrade(c fiber.Ctx) error {
	return s.withTrade(c, s.engine.CancelTrade)
}

type tradeAction func(ctx context.Context, tradeID, userID uuid.UUID) (*models.Trade, error)

// withTrade разбирает пользователя и ID обмена, выполняет действие и отдает ревизию
func (s *TradeService) withTrade(c fiber.Ctx, action tradeAction) error {
	userID, tradeID, done, err := s.identify(c)
	if done {
		return err
	}

	ctx, cancel := s.context()
	defer cancel()

	t, err := action(ctx, tradeID, userID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(s.view(t))
}

// identify возвращает пользователя и ID обмена. done=true означает, что
// ответ с ошибкой уже отправлен и обработчик должен вернуть err.
func (s *TradeService) identify(c fiber.Ctx) (userID, tradeID uuid.UUID, done bool, err error) {
	userID, ok := middleware.UserID(c)
	if !ok {
		return uuid.Nil, uuid.Nil, true, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}

	tradeID, parseErr := uuid.Parse(c.Params("id"))
	if parseErr != nil {
		return uuid.Nil, uuid.Nil, true, s.badRequest(c, "Неверный формат ID предложения обмена", parseErr)
	}
	return userID, tradeID, false, nil
}

func (s *TradeService) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *TradeService) view(t *models.Trade) tradeResponse {
	return tradeResponse{Trade: t, Summary: s.engine.Summarize(t)}
}

func (s *TradeService) badRequest(c fiber.Ctx, message string, err error) error {
	s.logger.Debug("Неверный запрос", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":     message,
		"code":      models.KindValidation,
		"retryable": false,
	})
}

// respondError переводит ошибку движка в HTTP-ответ
func (s *TradeService) respondError(c fiber.Ctx, err error) error {
	var te *models.TradeError
	if !errors.As(err, &te) {
		s.logger.Error("Внутренняя ошибка обработки обмена", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":     "Внутренняя ошибка сервера",
			"code":      "internal",
			"retryable": false,
		})
	}

	return c.Status(statusFor(te.Kind)).JSON(fiber.Map{
		"error":     te.Message,
		"code":      te.Kind,
		"retryable": te.Retryable(),
	})
}

// statusFor сопоставляет категорию ошибки HTTP-статусу
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation:
		return fiber.StatusBadRequest
	case models.KindInvalidParticipant:
		return fiber.StatusForbidden
	case models.KindNotFound:
		return fiber.StatusNotFound
	case models.KindExpired:
		return fiber.StatusGone
	case models.KindItemUnavailable, models.KindInvalidStateTransition, models.KindAlreadyActed, models.KindStaleState:
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}

func queryInt(c fiber.Ctx, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
