package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rajivgeraev/flippy-trades/internal/config"
	"github.com/rajivgeraev/flippy-trades/internal/db"
	"github.com/rajivgeraev/flippy-trades/internal/inventory"
	"github.com/rajivgeraev/flippy-trades/internal/logger"
	"github.com/rajivgeraev/flippy-trades/internal/notify"
	"github.com/rajivgeraev/flippy-trades/internal/services/trade"
	"github.com/rajivgeraev/flippy-trades/internal/store"
	"github.com/rajivgeraev/flippy-trades/internal/sweeper"
	"github.com/rajivgeraev/flippy-trades/internal/utils"
	"github.com/rajivgeraev/flippy-trades/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

// tradeStore - хранилище обменов, которое также умеет передавать владение
// объявлениями в своей базе
type tradeStore interface {
	store.Store
	inventory.Transferer
}

func main() {
	// Загружаем конфигурацию
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	zl, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		log.Fatalf("❌ Ошибка инициализации логгера: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil && !errors.Is(err, context.Canceled) {
		zl.Fatal("Сервис обменов остановлен с ошибкой", zap.Error(err))
	}
	zl.Info("Сервис обменов остановлен")
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	st, err := openStore(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer st.Close()

	// Владение передается сервисом объявлений, если он настроен, иначе в той же базе
	var transferer inventory.Transferer = st
	if cfg.Inventory.URL != "" {
		transferer = inventory.NewRestClient(cfg.Inventory, zl)
	}

	jwtService := utils.NewJWTService(cfg.JWTSecret)
	wsManager := websocket.NewManager(zl)

	sinks := []notify.Sink{wsManager}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, zl))
	}
	dispatcher := notify.NewDispatcher(cfg.Notify.QueueSize, cfg.Notify.Workers, zl, sinks...)

	engine := trade.NewEngine(st, transferer, dispatcher, cfg.Trade, zl)
	tradeService := trade.NewTradeService(engine, jwtService, cfg.RequestTimeout, zl)
	expirySweeper := sweeper.New(st, dispatcher, cfg.Sweeper, zl)

	app := newApp(cfg, st, tradeService)

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", websocket.Handler(wsManager, jwtService))
	wsServer := &http.Server{
		Addr:              ":" + cfg.WSPort,
		Handler:           wsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return expirySweeper.Run(gctx)
	})
	g.Go(func() error {
		zl.Info("✅ API обменов запущен", zap.String("port", cfg.Port), zap.String("db_driver", cfg.DBDriver))
		if err := app.Listen(":"+cfg.Port, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			return fmt.Errorf("HTTP сервер: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		zl.Info("✅ WebSocket сервер запущен", zap.String("port", cfg.WSPort))
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("WebSocket сервер: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zl.Info("Остановка сервиса обменов")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		wsManager.Shutdown()
		return errors.Join(
			app.ShutdownWithContext(shutdownCtx),
			wsServer.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}

// openStore выбирает хранилище по DB_DRIVER
func openStore(ctx context.Context, cfg *config.Config, zl *zap.Logger) (tradeStore, error) {
	if cfg.DBDriver == "sqlite" {
		st, err := db.NewSQLiteStore(cfg.SQLiteDSN, zl)
		if err != nil {
			return nil, err
		}
		return st, nil
	}

	pool, err := db.Connect(ctx, cfg, zl)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return db.NewPostgresStore(pool, zl), nil
}

func newApp(cfg *config.Config, st store.Store, tradeService *trade.TradeService) *fiber.App {
	// Создаём экземпляр Fiber
	app := fiber.New(fiber.Config{
		AppName:      "Flippy Trades",
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: cfg.IsDevelopment()}))
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowCredentials: false,
	}))

	app.Get("/health", func(c fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	tradeService.SetupRoutes(app)
	return app
}

// errorHandler обрабатывает ошибки Fiber
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
