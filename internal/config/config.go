package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config структура конфигурации
type Config struct {
	AppEnv         string
	Port           string
	WSPort         string
	JWTSecret      string
	RequestTimeout time.Duration
	DBDriver       string // postgres или sqlite
	SQLiteDSN      string
	Database       DatabaseConfig
	Logger         LoggerConfig
	Trade          TradeConfig
	Sweeper        SweeperConfig
	Inventory      InventoryConfig
	Notify         NotifyConfig
}

// DatabaseConfig содержит конфигурацию базы данных
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// LoggerConfig содержит настройки логирования
type LoggerConfig struct {
	Level  string
	Format string // json или console
}

// TradeConfig содержит правила движка обменов
type TradeConfig struct {
	ResponseWindow        time.Duration
	MaxResponseWindow     time.Duration
	MaxItemsPerSide       int
	ImbalanceThresholdPct int
}

// SweeperConfig настраивает фоновую отмену просроченных обменов
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// InventoryConfig - сервис объявлений для передачи владения
type InventoryConfig struct {
	URL        string
	Token      string
	RateLimit  float64
	RateBurst  int
	RetryCount int
}

// NotifyConfig - доставка событий об обменах
type NotifyConfig struct {
	WebhookURL string
	QueueSize  int
	Workers    int
}

// DatabaseURL формирует строку подключения к базе данных
func (c *Config) DatabaseURL() string {
	d := c.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// LoadConfig загружает переменные из .env, окружения и необязательного configs/config.yml
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️ .env файл не найден, используем переменные окружения")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AddConfigPath("./configs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("PORT", "8080")
	v.SetDefault("WS_PORT", "8081")
	v.SetDefault("REQUEST_TIMEOUT", "5s")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("SQLITE_DSN", "file:flippy_trades.db?_foreign_keys=on")

	v.SetDefault("PGHOST", "localhost")
	v.SetDefault("PGPORT", "5432")
	v.SetDefault("PGUSER", "flippy_user")
	v.SetDefault("PGPASSWORD", "flippy_pass")
	v.SetDefault("PGDATABASE", "flippy")
	v.SetDefault("PGSSLMODE", "disable")
	v.SetDefault("PG_MAX_CONNS", 10)
	v.SetDefault("PG_MIN_CONNS", 2)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("TRADE_RESPONSE_WINDOW", "72h")
	v.SetDefault("TRADE_MAX_RESPONSE_WINDOW", "720h")
	v.SetDefault("TRADE_MAX_ITEMS_PER_SIDE", 10)
	v.SetDefault("TRADE_IMBALANCE_THRESHOLD_PCT", 50)

	v.SetDefault("SWEEPER_INTERVAL", "1m")
	v.SetDefault("SWEEPER_BATCH_SIZE", 100)

	v.SetDefault("INVENTORY_URL", "")
	v.SetDefault("INVENTORY_TOKEN", "")
	v.SetDefault("INVENTORY_RATE_LIMIT", 10)
	v.SetDefault("INVENTORY_RATE_BURST", 5)
	v.SetDefault("INVENTORY_RETRY_COUNT", 3)

	v.SetDefault("NOTIFY_WEBHOOK_URL", "")
	v.SetDefault("NOTIFY_QUEUE_SIZE", 256)
	v.SetDefault("NOTIFY_WORKERS", 2)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		AppEnv:         v.GetString("APP_ENV"),
		Port:           v.GetString("PORT"),
		WSPort:         v.GetString("WS_PORT"),
		JWTSecret:      v.GetString("JWT_SECRET"),
		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
		DBDriver:       strings.ToLower(v.GetString("DB_DRIVER")),
		SQLiteDSN:      v.GetString("SQLITE_DSN"),
		Database: DatabaseConfig{
			Host:     v.GetString("PGHOST"),
			Port:     v.GetString("PGPORT"),
			User:     v.GetString("PGUSER"),
			Password: v.GetString("PGPASSWORD"),
			Name:     v.GetString("PGDATABASE"),
			SSLMode:  v.GetString("PGSSLMODE"),
			MaxConns: v.GetInt32("PG_MAX_CONNS"),
			MinConns: v.GetInt32("PG_MIN_CONNS"),
		},
		Logger: LoggerConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Trade: TradeConfig{
			ResponseWindow:        v.GetDuration("TRADE_RESPONSE_WINDOW"),
			MaxResponseWindow:     v.GetDuration("TRADE_MAX_RESPONSE_WINDOW"),
			MaxItemsPerSide:       v.GetInt("TRADE_MAX_ITEMS_PER_SIDE"),
			ImbalanceThresholdPct: v.GetInt("TRADE_IMBALANCE_THRESHOLD_PCT"),
		},
		Sweeper: SweeperConfig{
			Interval:  v.GetDuration("SWEEPER_INTERVAL"),
			BatchSize: v.GetInt("SWEEPER_BATCH_SIZE"),
		},
		Inventory: InventoryConfig{
			URL:        v.GetString("INVENTORY_URL"),
			Token:      v.GetString("INVENTORY_TOKEN"),
			RateLimit:  v.GetFloat64("INVENTORY_RATE_LIMIT"),
			RateBurst:  v.GetInt("INVENTORY_RATE_BURST"),
			RetryCount: v.GetInt("INVENTORY_RETRY_COUNT"),
		},
		Notify: NotifyConfig{
			WebhookURL: v.GetString("NOTIFY_WEBHOOK_URL"),
			QueueSize:  v.GetInt("NOTIFY_QUEUE_SIZE"),
			Workers:    v.GetInt("NOTIFY_WORKERS"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет обязательные и взаимосвязанные параметры
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("❌ не задана обязательная переменная окружения JWT_SECRET")
	}
	if c.DBDriver != "postgres" && c.DBDriver != "sqlite" {
		return fmt.Errorf("неизвестный DB_DRIVER %q: ожидается postgres или sqlite", c.DBDriver)
	}
	if c.Trade.ResponseWindow <= 0 {
		return errors.New("TRADE_RESPONSE_WINDOW должен быть положительным")
	}
	if c.Trade.MaxResponseWindow < c.Trade.ResponseWindow {
		return errors.New("TRADE_MAX_RESPONSE_WINDOW не может быть меньше TRADE_RESPONSE_WINDOW")
	}
	if c.Trade.MaxItemsPerSide <= 0 {
		return errors.New("TRADE_MAX_ITEMS_PER_SIDE должен быть положительным")
	}
	if c.Sweeper.Interval <= 0 || c.Sweeper.BatchSize <= 0 {
		return errors.New("SWEEPER_INTERVAL и SWEEPER_BATCH_SIZE должны быть положительными")
	}
	if c.Notify.QueueSize <= 0 || c.Notify.Workers <= 0 {
		return errors.New("NOTIFY_QUEUE_SIZE и NOTIFY_WORKERS должны быть положительными")
	}
	return nil
}

// IsDevelopment - локальный режим с человекочитаемыми логами
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
