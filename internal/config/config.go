// Package config предоставляет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"log"
	"os"
	"time"

	"github.com/go-playground/validator"
	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек бота
type Config struct {
	Env                     string `yaml:"env" validate:"required"`
	StorageConnectionString string `yaml:"storage_connection_string" validate:"required"`
	TextsPath               string `yaml:"texts_path" validate:"required"`
	MigrationsPath          string `yaml:"migrations_path" validate:"required"`
	RedisConnection         `yaml:"redis_connection"`
	RabbitMQ                `yaml:"rabbitmq"`
	OpsServer               `yaml:"ops_server"`
	Telegram                `yaml:"telegram"`
	CryptoPay               `yaml:"cryptopay"`
	Tron                    `yaml:"tron"`
	Watcher                 `yaml:"watcher"`
	Sweeper                 `yaml:"sweeper"`
	Flags                   `yaml:"flags"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis"`
	Password     string        `yaml:"password"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	TimeoutRedis time.Duration `yaml:"timeoutredis"`
}

// RabbitMQ структура для настройки подключения к брокеру аудит-событий
type RabbitMQ struct {
	RabbitMQURL        string        `yaml:"rabbitmq_url"`
	RabbitMQMaxRetries int           `yaml:"rabbitmq_max_retries"`
	RabbitMQRetryDelay time.Duration `yaml:"rabbitmq_retry_delay"`
}

// OpsServer структура для служебного HTTP-сервера (/healthz, /metrics)
type OpsServer struct {
	AddressOps string        `yaml:"address_ops"`
	TimeoutOps time.Duration `yaml:"timeout_ops"`
}

// Telegram структура для клиента Bot API
type Telegram struct {
	BotToken       string        `yaml:"bot_token" validate:"required"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	RateBurst      int           `yaml:"rate_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CryptoPay структура для клиента провайдера счетов
type CryptoPay struct {
	CryptoPayToken string `yaml:"cryptopay_token" validate:"required"`
	CryptoPayURL   string `yaml:"cryptopay_url"`
}

// Tron структура для клиента поиска входящих переводов
type Tron struct {
	TronAPIKey      string `yaml:"tron_api_key"`
	TronAPIURL      string `yaml:"tron_api_url"`
	USDTContract    string `yaml:"usdt_contract"`
	FallbackAddress string `yaml:"fallback_address"`
}

// Watcher бюджеты опроса платёжных попыток: итерации и пауза между ними.
// Общее время ожидания детерминировано: итерации × пауза.
type Watcher struct {
	InvoiceIterations int           `yaml:"invoice_iterations"`
	OnChainIterations int           `yaml:"onchain_iterations"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// Sweeper настройки цикла проверки окончаний подписок
type Sweeper struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	GraceDays     int           `yaml:"grace_days"`
}

// Flags явные фич-флаги вместо скрытых ключей в settings.
// InterceptOnChain направляет on-chain попытки на резервный адрес
// вместо пула.
type Flags struct {
	AuditEvents      bool `yaml:"audit_events"`
	InterceptOnChain bool `yaml:"intercept_onchain"`
}

// MustLoad функция для загрузки конфига, путь берётся из CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		log.Fatalf("invalid config: %s", err)
	}
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Watcher.InvoiceIterations == 0 {
		c.Watcher.InvoiceIterations = 180
	}
	if c.Watcher.OnChainIterations == 0 {
		c.Watcher.OnChainIterations = 90
	}
	if c.Watcher.PollInterval == 0 {
		c.Watcher.PollInterval = 10 * time.Second
	}
	if c.Sweeper.SweepInterval == 0 {
		c.Sweeper.SweepInterval = time.Minute
	}
	if c.Sweeper.GraceDays == 0 {
		c.Sweeper.GraceDays = 5
	}
	if c.Telegram.PollTimeout == 0 {
		c.Telegram.PollTimeout = 30 * time.Second
	}
	if c.Telegram.RatePerSecond == 0 {
		c.Telegram.RatePerSecond = 25
	}
	if c.Telegram.RateBurst == 0 {
		c.Telegram.RateBurst = 5
	}
	if c.Telegram.RequestTimeout == 0 {
		c.Telegram.RequestTimeout = 35 * time.Second
	}
	if c.CryptoPay.CryptoPayURL == "" {
		c.CryptoPay.CryptoPayURL = "https://pay.crypt.bot/api"
	}
	if c.Tron.TronAPIURL == "" {
		c.Tron.TronAPIURL = "https://api.trongrid.io"
	}
	if c.Tron.USDTContract == "" {
		c.Tron.USDTContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	}
}
