package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Webhook struct {
		SigningSecret string        `mapstructure:"SIGNING_SECRET"`
		Tolerance     time.Duration `mapstructure:"TOLERANCE"`
	} `mapstructure:"WEBHOOK"`
	Settlement struct {
		StoreTimeout       time.Duration `mapstructure:"STORE_TIMEOUT"`
		CreditMaxRetries   int           `mapstructure:"CREDIT_MAX_RETRIES"`
		CreditRetryBackoff time.Duration `mapstructure:"CREDIT_RETRY_BACKOFF"`
		GuardTakeoverAfter time.Duration `mapstructure:"GUARD_TAKEOVER_AFTER"`
	} `mapstructure:"SETTLEMENT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	cfg.ApplyDefaults()

	return &cfg
}

// ApplyDefaults fills the settlement tunables that must never be zero.
func (c *Config) ApplyDefaults() {
	if c.Webhook.Tolerance <= 0 {
		c.Webhook.Tolerance = 5 * time.Minute
	}
	if c.Settlement.StoreTimeout <= 0 {
		c.Settlement.StoreTimeout = 5 * time.Second
	}
	if c.Settlement.CreditMaxRetries <= 0 {
		c.Settlement.CreditMaxRetries = 5
	}
	if c.Settlement.CreditRetryBackoff <= 0 {
		c.Settlement.CreditRetryBackoff = 25 * time.Millisecond
	}
	if c.Settlement.GuardTakeoverAfter <= 0 {
		c.Settlement.GuardTakeoverAfter = 2 * time.Minute
	}
}
