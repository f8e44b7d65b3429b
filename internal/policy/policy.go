// Package policy loads the server configuration and exposes the derived
// settings (state paths, store backend, lifetimes, ledger principals).
package policy

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/fluxora/streamledger/internal/domain"
)

// Backends understood by the store factory.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// GlobalStateDir returns the default global state directory (~/.config/fluxora).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "fluxora")
}

// GlobalStateFile returns the default state file path.
func GlobalStateFile() string {
	return filepath.Join(GlobalStateDir(), "ledger.sqlite")
}

// RedisConfig addresses the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// TTLConfig sets record lifetimes in ledgers: a write that finds less than
// ThresholdLedgers remaining pushes the expiry out to ExtendToLedgers.
type TTLConfig struct {
	ThresholdLedgers uint32 `yaml:"threshold_ledgers"`
	ExtendToLedgers  uint32 `yaml:"extend_to_ledgers" validate:"gtefield=ThresholdLedgers"`
	LedgerSeconds    uint32 `yaml:"ledger_seconds" validate:"gt=0"`
}

// LedgerConfig names the ledger principals.
type LedgerConfig struct {
	Token         string `yaml:"token"`
	Admin         string `yaml:"admin"`
	EscrowAccount string `yaml:"escrow_account" validate:"required"`
	// AutoInit writes Token/Admin as the ledger config on startup when the
	// store has none.
	AutoInit bool `yaml:"auto_init"`
	// GenesisBalances mints initial token balances (principal -> amount) into
	// the in-process token ledger at startup.
	GenesisBalances map[string]string `yaml:"genesis_balances" validate:"dive,keys,required,endkeys,numeric"`
}

// Config holds the server configuration.
type Config struct {
	Backend      string   `yaml:"backend" validate:"oneof=sqlite redis"`
	StateFile    string   `yaml:"state_file"`
	LogFile      string   `yaml:"log_file"`
	LogLevel     string   `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	HTTPPort     int      `yaml:"http_port" validate:"gte=0,lte=65535"`
	EnabledTools []string `yaml:"enabled_tools"`

	Redis  RedisConfig  `yaml:"redis"`
	TTL    TTLConfig    `yaml:"ttl"`
	Ledger LedgerConfig `yaml:"ledger"`
}

// DefaultConfig returns sensible defaults: SQLite in the global state dir,
// roughly one day threshold and one week extension at 5s per ledger.
func DefaultConfig() *Config {
	return &Config{
		Backend:      BackendSQLite,
		LogLevel:     "info",
		EnabledTools: []string{"*"},
		Redis:        RedisConfig{Addr: "localhost:6379", Prefix: "fluxora"},
		TTL: TTLConfig{
			ThresholdLedgers: 17280,
			ExtendToLedgers:  120960,
			LedgerSeconds:    5,
		},
		Ledger: LedgerConfig{EscrowAccount: "fluxora-escrow"},
	}
}

// LoadConfig loads configuration from a YAML file over DefaultConfig and
// validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if c.Backend == BackendRedis && c.Redis.Addr == "" {
		return errors.New("invalid config: redis.addr is required for the redis backend")
	}
	if c.Ledger.Token != "" && c.Ledger.Token == c.Ledger.EscrowAccount {
		return errors.New("invalid config: ledger.token and ledger.escrow_account must differ")
	}
	return nil
}

// Policy exposes derived settings.
type Policy struct {
	config *Config
}

// New creates a policy over cfg.
func New(cfg *Config) *Policy {
	return &Policy{config: cfg}
}

// Config returns the underlying configuration.
func (p *Policy) Config() *Config {
	return p.config
}

// Backend returns the store backend name.
func (p *Policy) Backend() string {
	if p.config.Backend == "" {
		return BackendSQLite
	}
	return p.config.Backend
}

// StateFile returns the SQLite state file path. If unset, defaults to
// ~/.config/fluxora/ledger.sqlite; relative paths resolve against the
// global state dir.
func (p *Policy) StateFile() string {
	sf := p.config.StateFile
	if sf == "" {
		return GlobalStateFile()
	}
	if filepath.IsAbs(sf) {
		return sf
	}
	return filepath.Join(GlobalStateDir(), sf)
}

// SignalFilePath returns the path to the notify signal file (same directory as state file).
// Watchers use this to detect changes without relying on SQLite WAL file events.
func (p *Policy) SignalFilePath() string {
	return filepath.Join(filepath.Dir(p.StateFile()), ".fluxora-notify")
}

// LogFile returns the configured log file path.
// If unset, defaults to ~/.config/fluxora/fluxora-server.log.
// Set to "none" or "off" to disable file logging entirely.
func (p *Policy) LogFile() string {
	if p.config.LogFile == "" {
		return filepath.Join(GlobalStateDir(), "fluxora-server.log")
	}
	return p.config.LogFile
}

// LogLevel returns the configured log level (default info).
func (p *Policy) LogLevel() string {
	if p.config.LogLevel == "" {
		return "info"
	}
	return p.config.LogLevel
}

// HTTPPort returns the streamable HTTP port; 0 disables HTTP.
func (p *Policy) HTTPPort() int {
	return p.config.HTTPPort
}

// IsToolEnabled checks if a tool is enabled.
func (p *Policy) IsToolEnabled(name string) bool {
	for _, t := range p.config.EnabledTools {
		if t == "*" || t == name {
			return true
		}
	}
	return false
}

// Redis returns the Redis connection settings.
func (p *Policy) Redis() RedisConfig {
	return p.config.Redis
}

// TTLThreshold is the remaining lifetime below which a write extends a record.
func (p *Policy) TTLThreshold() time.Duration {
	return p.ledgers(p.config.TTL.ThresholdLedgers)
}

// TTLExtendTo is the lifetime a record is extended to.
func (p *Policy) TTLExtendTo() time.Duration {
	return p.ledgers(p.config.TTL.ExtendToLedgers)
}

func (p *Policy) ledgers(n uint32) time.Duration {
	return time.Duration(n) * time.Duration(p.config.TTL.LedgerSeconds) * time.Second
}

// EscrowAccount is the principal that holds locked deposits.
func (p *Policy) EscrowAccount() domain.Principal {
	return domain.Principal(p.config.Ledger.EscrowAccount)
}

// Token is the configured ledger token.
func (p *Policy) Token() domain.Principal {
	return domain.Principal(p.config.Ledger.Token)
}

// Admin is the configured ledger admin.
func (p *Policy) Admin() domain.Principal {
	return domain.Principal(p.config.Ledger.Admin)
}

// AutoInit reports whether the server should initialize an empty ledger.
func (p *Policy) AutoInit() bool {
	return p.config.Ledger.AutoInit && p.config.Ledger.Token != "" && p.config.Ledger.Admin != ""
}

// GenesisBalances returns the configured initial balances.
func (p *Policy) GenesisBalances() map[string]string {
	return p.config.Ledger.GenesisBalances
}
