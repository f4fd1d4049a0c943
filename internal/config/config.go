package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds application configuration. It is loaded once at startup and
// passed by value; nothing reads the process environment after Load returns.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	AuthJWTSecret string
	AuthTokenTTL  time.Duration

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Ledger    LedgerConfig
	Scheduler SchedulerConfig
	Bootstrap BootstrapConfig
	RateLimit RateLimitConfig
}

// LedgerConfig is the immutable settlement-network configuration injected into
// the ledger gateway and the orchestrators.
type LedgerConfig struct {
	RPCURL            string
	NetworkPassphrase string
	SignerSecret      string
	SimulationAccount string
	Contracts         ContractsConfig

	BaseFee      int64
	TxTimeout    time.Duration
	RPCTimeout   time.Duration
	PollAttempts int
	PollInterval time.Duration

	SignerLockTTL       time.Duration
	MinInvestmentTokens int64
}

type ContractsConfig struct {
	InvoiceToken string `mapstructure:"invoice_token"`
	Escrow       string `mapstructure:"escrow"`
	Marketplace  string `mapstructure:"marketplace"`
}

type SchedulerConfig struct {
	Enabled            bool
	RunInterval        time.Duration
	BatchSize          int
	RecoveryThreshold  time.Duration
	DefaultGracePeriod time.Duration
	DefaultRetryAfter  time.Duration
	EnabledJobs        []string
}

// RateLimitConfig throttles credential and investment endpoints. It needs Redis.
type RateLimitConfig struct {
	Enabled     bool
	LoginRate   float64
	LoginBurst  int
	InvestRate  float64
	InvestBurst int
}

type BootstrapConfig struct {
	AdminEmail       string
	AdminPassword    string
	VerifierEmail    string
	VerifierPassword string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "factora"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AuthTokenTTL:  getenvDuration("AUTH_TOKEN_TTL", 7*24*time.Hour),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "factora"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Ledger: LedgerConfig{
			RPCURL:            strings.TrimSpace(getenv("LEDGER_RPC_URL", "https://soroban-testnet.stellar.org")),
			NetworkPassphrase: getenv("LEDGER_NETWORK_PASSPHRASE", "Test SDF Network ; September 2015"),
			SignerSecret:      strings.TrimSpace(getenv("LEDGER_SIGNER_SECRET", "")),
			SimulationAccount: strings.TrimSpace(getenv("LEDGER_SIMULATION_ACCOUNT", "")),
			Contracts: ContractsConfig{
				InvoiceToken: strings.TrimSpace(getenv("INVOICE_TOKEN_CONTRACT_ID", "")),
				Escrow:       strings.TrimSpace(getenv("ESCROW_CONTRACT_ID", "")),
				Marketplace:  strings.TrimSpace(getenv("MARKETPLACE_CONTRACT_ID", "")),
			},
			BaseFee:             getenvInt64("LEDGER_BASE_FEE", 100),
			TxTimeout:           getenvDuration("LEDGER_TX_TIMEOUT", 30*time.Second),
			RPCTimeout:          getenvDuration("LEDGER_RPC_TIMEOUT", 15*time.Second),
			PollAttempts:        getenvInt("LEDGER_POLL_ATTEMPTS", 10),
			PollInterval:        getenvDuration("LEDGER_POLL_INTERVAL", 2*time.Second),
			SignerLockTTL:       getenvDuration("LEDGER_SIGNER_LOCK_TTL", 30*time.Second),
			MinInvestmentTokens: getenvInt64("MARKETPLACE_MIN_INVESTMENT_TOKENS", 1),
		},

		Scheduler: SchedulerConfig{
			Enabled:            getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:        getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:          getenvInt("SCHEDULER_BATCH_SIZE", 50),
			RecoveryThreshold:  getenvDuration("SCHEDULER_RECOVERY_THRESHOLD", 15*time.Minute),
			DefaultGracePeriod: getenvDuration("SCHEDULER_DEFAULT_GRACE_PERIOD", 0),
			DefaultRetryAfter:  getenvDuration("SCHEDULER_DEFAULT_RETRY_AFTER", time.Hour),
			EnabledJobs:        parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},

		Bootstrap: BootstrapConfig{
			AdminEmail:       strings.TrimSpace(getenv("BOOTSTRAP_ADMIN_EMAIL", "")),
			AdminPassword:    getenv("BOOTSTRAP_ADMIN_PASSWORD", ""),
			VerifierEmail:    strings.TrimSpace(getenv("BOOTSTRAP_VERIFIER_EMAIL", "")),
			VerifierPassword: getenv("BOOTSTRAP_VERIFIER_PASSWORD", ""),
		},

		RateLimit: RateLimitConfig{
			Enabled:     getenvBool("RATE_LIMIT_ENABLED", false),
			LoginRate:   getenvFloat("RATE_LIMIT_LOGIN_RATE", 0.2),
			LoginBurst:  getenvInt("RATE_LIMIT_LOGIN_BURST", 5),
			InvestRate:  getenvFloat("RATE_LIMIT_INVEST_RATE", 1),
			InvestBurst: getenvInt("RATE_LIMIT_INVEST_BURST", 10),
		},
	}

	contracts, err := LoadContracts(getenv("CONTRACTS_CONFIG", ""))
	if err != nil {
		zap.L().Warn("contracts config not loaded", zap.Error(err))
	} else {
		cfg.Ledger.Contracts = mergeContracts(cfg.Ledger.Contracts, contracts)
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
