// Package config loads ledger-signer settings from an optional .env file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/anchorageoss/ledger-signer/pkg/ledger"
	"github.com/anchorageoss/ledger-signer/pkg/log"
)

// DotEnvPathEnv names the variable that points at the .env file
const DotEnvPathEnv = "LEDGER_SIGNER_DOTENV"

// Config is the complete application configuration
type Config struct {
	Ledger      LedgerConfig
	Resolution  ResolutionConfig
	RPCURL      string `env:"RPC_URL" validate:"omitempty,url"`
	JournalPath string `env:"JOURNAL_PATH"`
	Log         log.Config
}

// LedgerConfig configures the device adapter
type LedgerConfig struct {
	Transport      string        `env:"LEDGER_TRANSPORT" env-default:"hid" validate:"required"`
	DerivationPath string        `env:"LEDGER_DERIVATION_PATH" env-default:"m/44'/60'/0'/0/0" validate:"derivationpath"`
	Timeout        time.Duration `env:"LEDGER_TIMEOUT" env-default:"0s" validate:"gte=0"`
	RetryInterval  time.Duration `env:"LEDGER_RETRY_INTERVAL" env-default:"100ms" validate:"gt=0"`
	MaxAttempts    int           `env:"LEDGER_MAX_ATTEMPTS" env-default:"50" validate:"gte=1"`
	GasPricePolicy string        `env:"LEDGER_GAS_PRICE_POLICY" env-default:"carry" validate:"oneof=carry drop"`
	// Key used by the soft transport, see package keys
	SoftKeyName string `env:"LEDGER_SOFT_KEY_NAME" env-default:"default"`
}

// ResolutionConfig configures the transaction resolution client
type ResolutionConfig struct {
	URL             string        `env:"RESOLUTION_URL" validate:"omitempty,url"`
	NFT             bool          `env:"RESOLUTION_NFT" env-default:"false"`
	ERC20           bool          `env:"RESOLUTION_ERC20" env-default:"true"`
	ExternalPlugins bool          `env:"RESOLUTION_EXTERNAL_PLUGINS" env-default:"true"`
	Cache           string        `env:"RESOLUTION_CACHE" env-default:"none" validate:"oneof=none memory redis"`
	CacheTTL        time.Duration `env:"RESOLUTION_CACHE_TTL" env-default:"10m" validate:"gte=0"`
	RedisURL        string        `env:"REDIS_URL" validate:"required_if=Cache redis"`
}

// Flags returns the resolution flags in the form the resolver takes
func (r ResolutionConfig) Flags() ledger.ResolutionConfig {
	return ledger.ResolutionConfig{
		NFT:             r.NFT,
		ERC20:           r.ERC20,
		ExternalPlugins: r.ExternalPlugins,
	}
}

// Load reads dotEnvPath when it exists, then the environment, and validates
// the result. Variables already set in the environment win over the file.
// An empty dotEnvPath falls back to $LEDGER_SIGNER_DOTENV, then ".env".
func Load(dotEnvPath string) (*Config, error) {
	if dotEnvPath == "" {
		dotEnvPath = os.Getenv(DotEnvPathEnv)
	}
	if dotEnvPath == "" {
		dotEnvPath = ".env"
	}
	if err := godotenv.Load(dotEnvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", dotEnvPath, err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getValidator() *validator.Validate {
	validate := validator.New()

	if err := validate.RegisterValidation("derivationpath", func(fl validator.FieldLevel) bool {
		_, err := accounts.ParseDerivationPath(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(fmt.Sprintf("failed to register derivationpath validation: %v", err))
	}

	return validate
}

// Usage describes every environment variable, for --help output
func Usage() (string, error) {
	var cfg Config
	return cleanenv.GetDescription(&cfg, nil)
}
