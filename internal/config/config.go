// Package config loads service configuration from defaults, an optional YAML
// file and AGRIPULSE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	LogLevel     string             `yaml:"log_level" env:"AGRIPULSE_LOG_LEVEL"`
	HTTP         HTTPConfig         `yaml:"http"`
	Auth         AuthConfig         `yaml:"auth"`
	Store        StoreConfig        `yaml:"store"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Content      ContentConfig      `yaml:"content"`
	AI           AIConfig           `yaml:"ai"`
	Verification VerificationConfig `yaml:"verification"`
	Purchase     PurchaseConfig     `yaml:"purchase"`
	Rewards      RewardsConfig      `yaml:"rewards"`
	Decommission DecommissionConfig `yaml:"decommission"`
}

type HTTPConfig struct {
	Addr       string `yaml:"addr" env:"AGRIPULSE_HTTP_ADDR"`
	RateBurst  int    `yaml:"rate_burst" env:"AGRIPULSE_HTTP_RATE_BURST"`
	RatePerSec int    `yaml:"rate_per_sec" env:"AGRIPULSE_HTTP_RATE_PER_SEC"`
	MaxBody    int64  `yaml:"max_body_bytes" env:"AGRIPULSE_HTTP_MAX_BODY_BYTES"`
}

// AuthConfig controls bearer tokens. The signing secret itself is read from
// AGRIPULSE_AUTH_SECRET by the auth package.
type AuthConfig struct {
	TokenTTL    time.Duration `yaml:"token_ttl" env:"AGRIPULSE_AUTH_TOKEN_TTL"`
	IssueTokens bool          `yaml:"issue_tokens" env:"AGRIPULSE_AUTH_ISSUE_TOKENS"`
}

// StoreConfig selects the mirror backend. An empty driver keeps state in memory.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"AGRIPULSE_STORE_DRIVER"`
	DSN    string `yaml:"dsn" env:"AGRIPULSE_STORE_DSN"`
}

// LedgerConfig points at the ledger gateway. With an empty GRPCAddr the
// service runs against an in-process development ledger.
type LedgerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr" env:"AGRIPULSE_LEDGER_GRPC_ADDR"`
	Network         string        `yaml:"network" env:"AGRIPULSE_LEDGER_NETWORK"`
	TreasuryAccount string        `yaml:"treasury_account" env:"AGRIPULSE_TREASURY_ACCOUNT"`
	CallTimeout     time.Duration `yaml:"call_timeout" env:"AGRIPULSE_LEDGER_CALL_TIMEOUT"`
}

type ContentConfig struct {
	Endpoint   string  `yaml:"endpoint" env:"AGRIPULSE_CONTENT_ENDPOINT"`
	Token      string  `yaml:"token" env:"AGRIPULSE_CONTENT_TOKEN"`
	RatePerSec float64 `yaml:"rate_per_sec" env:"AGRIPULSE_CONTENT_RATE_PER_SEC"`
}

type AIConfig struct {
	BaseURL    string  `yaml:"base_url" env:"AGRIPULSE_AI_BASE_URL"`
	APIKey     string  `yaml:"api_key" env:"OPENAI_API_KEY"`
	Model      string  `yaml:"model" env:"AGRIPULSE_AI_MODEL"`
	ImageModel string  `yaml:"image_model" env:"AGRIPULSE_AI_IMAGE_MODEL"`
	RatePerSec float64 `yaml:"rate_per_sec" env:"AGRIPULSE_AI_RATE_PER_SEC"`
}

type VerificationConfig struct {
	Threshold       int `yaml:"threshold" env:"AGRIPULSE_VERIFY_THRESHOLD"`
	AIPenalty       int `yaml:"ai_penalty" env:"AGRIPULSE_VERIFY_AI_PENALTY"`
	AIMinConfidence int `yaml:"ai_min_confidence" env:"AGRIPULSE_VERIFY_AI_MIN_CONFIDENCE"`
}

type PurchaseConfig struct {
	FarmerSharePercent int           `yaml:"farmer_share_percent" env:"AGRIPULSE_FARMER_SHARE_PERCENT"`
	PropagationDelay   time.Duration `yaml:"propagation_delay" env:"AGRIPULSE_PROPAGATION_DELAY"`
	RefreshAttempts    int           `yaml:"refresh_attempts" env:"AGRIPULSE_REFRESH_ATTEMPTS"`
	RefreshBackoff     time.Duration `yaml:"refresh_backoff" env:"AGRIPULSE_REFRESH_BACKOFF"`
	RefreshMaxBackoff  time.Duration `yaml:"refresh_max_backoff" env:"AGRIPULSE_REFRESH_MAX_BACKOFF"`
	USDPerHBAR         string        `yaml:"usd_per_hbar" env:"AGRIPULSE_USD_PER_HBAR"`
	RateURL            string        `yaml:"rate_url" env:"AGRIPULSE_RATE_URL"`
	RatePath           string        `yaml:"rate_path" env:"AGRIPULSE_RATE_PATH"`
	RateTTL            time.Duration `yaml:"rate_ttl" env:"AGRIPULSE_RATE_TTL"`
	RateRefreshSpec    string        `yaml:"rate_refresh_spec" env:"AGRIPULSE_RATE_REFRESH_SPEC"`
}

// Tier is one row of a reward tier table.
type Tier struct {
	Name      string `yaml:"name"`
	Threshold int64  `yaml:"threshold"`
}

type RewardsConfig struct {
	Buyer  []Tier `yaml:"buyer"`
	Seller []Tier `yaml:"seller"`
}

type DecommissionConfig struct {
	Concurrency int `yaml:"concurrency" env:"AGRIPULSE_DECOMMISSION_CONCURRENCY"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:       ":8080",
			RateBurst:  20,
			RatePerSec: 10,
			MaxBody:    8 << 20,
		},
		Auth: AuthConfig{TokenTTL: time.Hour},
		Ledger: LedgerConfig{
			Network:         "testnet",
			TreasuryAccount: "0.0.1001",
			CallTimeout:     30 * time.Second,
		},
		Content: ContentConfig{RatePerSec: 5},
		AI: AIConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			ImageModel: "gpt-image-1",
			RatePerSec: 1,
		},
		Verification: VerificationConfig{
			Threshold:       70,
			AIPenalty:       50,
			AIMinConfidence: 30,
		},
		Purchase: PurchaseConfig{
			FarmerSharePercent: 90,
			PropagationDelay:   3 * time.Second,
			RefreshAttempts:    5,
			RefreshBackoff:     500 * time.Millisecond,
			RefreshMaxBackoff:  5 * time.Second,
			USDPerHBAR:         "0.07",
			RatePath:           "hedera-hashgraph.usd",
			RateTTL:            10 * time.Minute,
			RateRefreshSpec:    "@every 5m",
		},
		Rewards: RewardsConfig{
			Buyer: []Tier{
				{Name: "Seedling", Threshold: 10},
				{Name: "Sapling", Threshold: 100},
				{Name: "Grove", Threshold: 500},
			},
			Seller: []Tier{
				{Name: "Bronze", Threshold: 100},
				{Name: "Silver", Threshold: 500},
				{Name: "Gold", Threshold: 1000},
			},
		},
		Decommission: DecommissionConfig{Concurrency: 1},
	}
}

// Load builds the configuration. A missing file at path is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the sagas cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Ledger.TreasuryAccount) == "" {
		return errors.New("config: ledger.treasury_account is required")
	}
	if p := c.Purchase.FarmerSharePercent; p < 1 || p > 99 {
		return fmt.Errorf("config: purchase.farmer_share_percent must be within 1..99, got %d", p)
	}
	if c.Verification.Threshold <= 0 {
		return errors.New("config: verification.threshold must be positive")
	}
	if c.Verification.AIPenalty < 0 {
		return errors.New("config: verification.ai_penalty must not be negative")
	}
	if err := validateTiers("rewards.buyer", c.Rewards.Buyer); err != nil {
		return err
	}
	if err := validateTiers("rewards.seller", c.Rewards.Seller); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "", "pgx", "sqlite3":
	default:
		return fmt.Errorf("config: unsupported store.driver %q", c.Store.Driver)
	}
	return nil
}

func validateTiers(name string, tiers []Tier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("config: %s must define at least one tier", name)
	}
	if !sort.SliceIsSorted(tiers, func(i, j int) bool { return tiers[i].Threshold < tiers[j].Threshold }) {
		return fmt.Errorf("config: %s thresholds must be ascending", name)
	}
	seen := make(map[int64]struct{}, len(tiers))
	for _, t := range tiers {
		if strings.TrimSpace(t.Name) == "" || t.Threshold <= 0 {
			return fmt.Errorf("config: %s has an invalid tier %+v", name, t)
		}
		if _, dup := seen[t.Threshold]; dup {
			return fmt.Errorf("config: %s has duplicate threshold %d", name, t.Threshold)
		}
		seen[t.Threshold] = struct{}{}
	}
	return nil
}
