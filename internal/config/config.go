// Package config loads the collector's process configuration.
//
// Sources, lowest precedence first:
//   - built-in defaults
//   - the .env file (SOLBILL_* keys, loaded with godotenv)
//   - process environment (SOLBILL_*)
//   - command-line flags bound by the caller
//
// Poll interval, concurrency, submit timeout and log level can change at
// runtime through the .env watcher; everything else needs a restart.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/solbill/collector/internal/solbill"
)

// EnvPrefix prefixes every environment key, e.g. SOLBILL_RPC_URL.
const EnvPrefix = "SOLBILL"

// Configuration keys. Flags use the same names.
const (
	KeyEnvFile             = "env-file"
	KeyRPCURL              = "rpc-url"
	KeyProgramID           = "program-id"
	KeyIdentity            = "identity"
	KeyCommitment          = "commitment"
	KeyPollInterval        = "poll-interval"
	KeyMaxConcurrency      = "max-concurrency"
	KeySubmitTimeout       = "submit-timeout"
	KeyConfirmPoll         = "confirm-poll"
	KeyRPCTimeout          = "rpc-timeout"
	KeyRPCRateLimit        = "rpc-rate-limit"
	KeyRPCBurst            = "rpc-burst"
	KeyEnsureRewardAccount = "ensure-reward-account"
	KeyDisableStatusFilter = "disable-status-filter"
	KeyHTTPAddr            = "http-addr"
	KeyDataDir             = "data-dir"
	KeyJournalRetention    = "journal-retention"
	KeyLogLevel            = "log-level"
	KeyLogFormat           = "log-format"
	KeyLogFile             = "log-file"
	KeyMock                = "mock"
	KeyGatePayTo           = "gate-pay-to"
	KeyGateAmount          = "gate-amount"
	KeyGateCurrency        = "gate-currency"
	KeyGateNetwork         = "gate-network"
)

// Config is the validated process configuration.
type Config struct {
	EnvFile string

	RPCURL     string
	ProgramID  solana.PublicKey
	Identity   string // keypair file path or base58 secret
	Commitment string

	PollInterval   time.Duration
	MaxConcurrency int
	SubmitTimeout  time.Duration
	ConfirmPoll    time.Duration

	RPCTimeout   time.Duration
	RPCRateLimit float64 // requests per second, 0 disables the limiter
	RPCBurst     int

	EnsureRewardAccount bool
	DisableStatusFilter bool

	HTTPAddr         string // empty disables the listener
	DataDir          string // empty disables the journal
	JournalRetention time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string

	Mock bool

	Gate GateConfig
}

// GateConfig describes the pay-per-use fallback advertised by the gate.
type GateConfig struct {
	PayTo    string
	Amount   string
	Currency string
	Network  string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyEnvFile, ".env")
	v.SetDefault(KeyProgramID, solbill.DefaultProgramID.String())
	v.SetDefault(KeyCommitment, "confirmed")
	v.SetDefault(KeyPollInterval, 15*time.Second)
	v.SetDefault(KeyMaxConcurrency, 8)
	v.SetDefault(KeySubmitTimeout, 60*time.Second)
	v.SetDefault(KeyConfirmPoll, 500*time.Millisecond)
	v.SetDefault(KeyRPCTimeout, 30*time.Second)
	v.SetDefault(KeyRPCRateLimit, 20.0)
	v.SetDefault(KeyRPCBurst, 10)
	v.SetDefault(KeyEnsureRewardAccount, true)
	v.SetDefault(KeyDisableStatusFilter, false)
	v.SetDefault(KeyHTTPAddr, ":9464")
	v.SetDefault(KeyDataDir, "")
	v.SetDefault(KeyJournalRetention, 30*24*time.Hour)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "auto")
	v.SetDefault(KeyGateAmount, "0.01")
	v.SetDefault(KeyGateCurrency, "USDC")
	v.SetDefault(KeyGateNetwork, "solana-devnet")
}

// EnvKey returns the environment variable name for a configuration key.
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// Load reads the .env file named by v's env-file key, binds the SOLBILL_
// environment and returns the validated configuration.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	envFile := v.GetString(KeyEnvFile)
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			// godotenv.Load never overrides variables already set
			if err := godotenv.Load(envFile); err != nil {
				log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
			} else {
				log.Debug().Str("file", envFile).Msg("Loaded .env file")
			}
		}
	}

	cfg := &Config{
		EnvFile:             envFile,
		RPCURL:              strings.TrimSpace(v.GetString(KeyRPCURL)),
		Identity:            strings.TrimSpace(v.GetString(KeyIdentity)),
		Commitment:          strings.ToLower(v.GetString(KeyCommitment)),
		PollInterval:        v.GetDuration(KeyPollInterval),
		MaxConcurrency:      v.GetInt(KeyMaxConcurrency),
		SubmitTimeout:       v.GetDuration(KeySubmitTimeout),
		ConfirmPoll:         v.GetDuration(KeyConfirmPoll),
		RPCTimeout:          v.GetDuration(KeyRPCTimeout),
		RPCRateLimit:        v.GetFloat64(KeyRPCRateLimit),
		RPCBurst:            v.GetInt(KeyRPCBurst),
		EnsureRewardAccount: v.GetBool(KeyEnsureRewardAccount),
		DisableStatusFilter: v.GetBool(KeyDisableStatusFilter),
		HTTPAddr:            v.GetString(KeyHTTPAddr),
		DataDir:             v.GetString(KeyDataDir),
		JournalRetention:    v.GetDuration(KeyJournalRetention),
		LogLevel:            strings.ToLower(v.GetString(KeyLogLevel)),
		LogFormat:           strings.ToLower(v.GetString(KeyLogFormat)),
		LogFile:             v.GetString(KeyLogFile),
		Mock:                v.GetBool(KeyMock),
		Gate: GateConfig{
			PayTo:    v.GetString(KeyGatePayTo),
			Amount:   v.GetString(KeyGateAmount),
			Currency: v.GetString(KeyGateCurrency),
			Network:  v.GetString(KeyGateNetwork),
		},
	}

	program, err := solana.PublicKeyFromBase58(strings.TrimSpace(v.GetString(KeyProgramID)))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyProgramID, err)
	}
	cfg.ProgramID = program

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	if !c.Mock {
		if c.RPCURL == "" {
			errs = append(errs, fmt.Errorf("%s is required", KeyRPCURL))
		} else if u, err := url.Parse(c.RPCURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an http(s) URL: %q", KeyRPCURL, c.RPCURL))
		}
		if c.Identity == "" {
			errs = append(errs, fmt.Errorf("%s is required", KeyIdentity))
		}
	}
	if c.ProgramID.IsZero() {
		errs = append(errs, fmt.Errorf("%s is required", KeyProgramID))
	}

	switch c.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		errs = append(errs, fmt.Errorf("invalid commitment %q", c.Commitment))
	}

	if c.PollInterval < time.Second {
		errs = append(errs, errors.New("poll interval must be at least 1 second"))
	}
	if c.MaxConcurrency < 1 || c.MaxConcurrency > 256 {
		errs = append(errs, fmt.Errorf("max concurrency must be between 1 and 256, got %d", c.MaxConcurrency))
	}
	if c.SubmitTimeout < time.Second {
		errs = append(errs, errors.New("submit timeout must be at least 1 second"))
	}
	if c.ConfirmPoll <= 0 || c.ConfirmPoll >= c.SubmitTimeout {
		errs = append(errs, errors.New("confirm poll must be positive and shorter than the submit timeout"))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, errors.New("rpc timeout must be positive"))
	}
	if c.RPCRateLimit < 0 {
		errs = append(errs, errors.New("rpc rate limit cannot be negative"))
	}
	if c.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", KeyHTTPAddr, c.HTTPAddr, err))
		}
	}
	if c.DataDir != "" && c.JournalRetention < time.Hour {
		errs = append(errs, errors.New("journal retention must be at least 1 hour"))
	}
	if !validLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "auto", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.LogFormat))
	}
	if c.Gate.PayTo != "" {
		if _, err := solana.PublicKeyFromBase58(c.Gate.PayTo); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", KeyGatePayTo, err))
		}
	}

	return errors.Join(errs...)
}

func validLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
		return true
	}
	return false
}
