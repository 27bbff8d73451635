package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации сервиса.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает HTTP, gRPC и /metrics листенеры.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (хранилище инстансов и Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для intentctl
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	PublicKey      []byte
	PrivateKey     []byte
}

// Бэкенды хранилища инстансов.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Источники времени для проверки дедлайна.
const (
	ClockSystem = "system"
	ClockChain  = "chain"
)

// EngineConfig — настройки модуля политики.
type EngineConfig struct {
	// EIP-712 домен
	ChainID           int64  `mapstructure:"chain_id"`
	VerifyingContract string `mapstructure:"verifying_contract"`
	DomainName        string `mapstructure:"domain_name"`
	DomainVersion     string `mapstructure:"domain_version"`

	// Чтение фактов
	RPCURL              string        `mapstructure:"rpc_url"`
	GasCap              uint64        `mapstructure:"gas_cap"`
	MaxReturnBytes      int           `mapstructure:"max_return_bytes"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	VerdictTimeout      time.Duration `mapstructure:"verdict_timeout"`
	StaticCallAllowlist []string      `mapstructure:"static_call_allowlist"`
	Clock               string        `mapstructure:"clock"`

	// Ограничения программы
	MaxChecks         int `mapstructure:"max_checks"`
	MaxProgramBytes   int `mapstructure:"max_program_bytes"`
	MaxStaticCallArgs int `mapstructure:"max_static_call_args"`
	// Суммарный размер байтовых полей UserOp (callData, initCode, paymasterAndData)
	MaxCallDataBytes int `mapstructure:"max_call_data_bytes"`

	// Хранилище
	Store       string `mapstructure:"store"`
	ConfigCache bool   `mapstructure:"config_cache"`

	// Аудит
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Надежность RPC: лимитер, ретраи, Circuit Breaker
	RPCRatePerSecond float64       `mapstructure:"rpc_rate_per_second"`
	RPCBurst         int           `mapstructure:"rpc_burst"`
	RPCAttempts      uint          `mapstructure:"rpc_attempts"`
	RPCThrottleDelay time.Duration `mapstructure:"rpc_throttle_delay"`
	CBMaxRequests    uint32        `mapstructure:"cb_max_requests"`
	CBTripAfter      uint32        `mapstructure:"cb_trip_after"`
	CBTimeout        time.Duration `mapstructure:"cb_timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: ENGINE_RPC_URL=... перекроет engine.rpc_url
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Загрузка ключей из Файла ИЛИ из ENV
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отсекает конфигурации, с которыми сервис не сможет выдавать вердикты.
func (c *Config) Validate() error {
	switch c.Engine.Store {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for postgres store")
		}
	default:
		return fmt.Errorf("config: unknown engine.store %q", c.Engine.Store)
	}
	switch c.Engine.Clock {
	case ClockSystem:
	case ClockChain:
		if c.Engine.RPCURL == "" {
			return errors.New("config: engine.rpc_url is required for chain clock")
		}
	default:
		return fmt.Errorf("config: unknown engine.clock %q", c.Engine.Clock)
	}
	if c.Engine.ChainID <= 0 {
		return errors.New("config: engine.chain_id must be positive")
	}
	// лимиты программы обязаны быть заданы: ноль снял бы ограничения до исполнения
	for name, v := range map[string]int{
		"engine.max_checks":           c.Engine.MaxChecks,
		"engine.max_program_bytes":    c.Engine.MaxProgramBytes,
		"engine.max_static_call_args": c.Engine.MaxStaticCallArgs,
		"engine.max_call_data_bytes":  c.Engine.MaxCallDataBytes,
	} {
		if v <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", name, v)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_addr", ":50052")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.chain_id", 1)
	v.SetDefault("engine.domain_name", "Intent Revalidation Policy")
	v.SetDefault("engine.domain_version", "1")
	v.SetDefault("engine.gas_cap", 200_000)
	v.SetDefault("engine.max_return_bytes", 4<<10)
	v.SetDefault("engine.read_timeout", 2*time.Second)
	v.SetDefault("engine.verdict_timeout", 10*time.Second)
	v.SetDefault("engine.clock", ClockSystem)
	v.SetDefault("engine.max_checks", 64)
	v.SetDefault("engine.max_program_bytes", 8<<10)
	v.SetDefault("engine.max_static_call_args", 1<<10)
	v.SetDefault("engine.max_call_data_bytes", 128<<10)
	v.SetDefault("engine.store", StoreMemory)
	v.SetDefault("engine.config_cache", true)
	v.SetDefault("engine.audit_buffer_size", 1000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 1*time.Second)
	v.SetDefault("engine.rpc_rate_per_second", 50)
	v.SetDefault("engine.rpc_burst", 10)
	v.SetDefault("engine.rpc_attempts", 3)
	v.SetDefault("engine.rpc_throttle_delay", 500*time.Millisecond)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_trip_after", 5)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
}

// loadKeyResource — PEM из ENV имеет приоритет над файлом
func loadKeyResource(path string, envDataKey string) []byte {
	// Если ключ прилетел напрямую в ENV (для Docker/K8s)
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	// Иначе читаем файл по пути из конфига
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
