package trade

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/flippy-trades/internal/middleware"
)

// SetupRoutes настраивает маршруты для API обменов
func (s *TradeService) SetupRoutes(app *fiber.App) {
	api := app.Group("/api/trades")

	// Все маршруты требуют авторизации
	api.Use(middleware.AuthMiddleware(s.jwtService))

	api.Post("/", s.CreateTrade)
	api.Get("/", s.GetMyTrades)
	api.Get("/:id", s.GetTrade)
	api.Get("/:id/history", s.GetTradeHistory)

	// Переговоры
	api.Post("/:id/counter", s.CounterTrade)
	api.Post("/:id/accept", s.AcceptTrade)
	api.Post("/:id/reject", s.RejectTrade)

	// Исполнение
	api.Post("/:id/ship", s.ShipTrade)
	api.Post("/:id/confirm-delivery", s.ConfirmDelivery)
	api.Post("/:id/cancel", s.CancelTrade)
}
