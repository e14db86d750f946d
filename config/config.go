// Package config loads the coordinator configuration from a file and the
// environment and builds the transaction manager from it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"xacoord/log"
	"xacoord/txmanager"
	"xacoord/txstore/badgerstore"
	"xacoord/txstore/gormstore"
	"xacoord/txstore/memstore"
)

// EnvPrefix prefixes every environment override, e.g. XACOORD_STORE_DRIVER.
const EnvPrefix = "XACOORD"

type Config struct {
	Log         log.Config        `mapstructure:"log"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Store       StoreConfig       `mapstructure:"store"`
}

type CoordinatorConfig struct {
	ID               string        `mapstructure:"id"`
	MaxBranches      int           `mapstructure:"max_branches"`
	ForceTwoPhase    bool          `mapstructure:"force_two_phase"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	RetryLimit       int           `mapstructure:"retry_limit"`
	RMErrorDelay     time.Duration `mapstructure:"rm_error_delay"`
	RMErrorLimit     int           `mapstructure:"rm_error_limit"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
}

// StoreConfig selects the transaction log: memory, sqlite, postgres or badger.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// DSN is used by sqlite and postgres.
	DSN string `mapstructure:"dsn"`
	// Path is the badger directory; empty keeps it in memory.
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "stdout")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("coordinator.id", "")
	v.SetDefault("coordinator.max_branches", 20)
	v.SetDefault("coordinator.force_two_phase", false)
	v.SetDefault("coordinator.timeout", 0)
	v.SetDefault("coordinator.retry_delay", time.Second)
	v.SetDefault("coordinator.retry_limit", 30)
	v.SetDefault("coordinator.rm_error_delay", 5*time.Second)
	v.SetDefault("coordinator.rm_error_limit", 20)
	v.SetDefault("coordinator.recovery_interval", time.Minute)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "")
}

// Load reads path, when set, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "badger":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if len(c.Coordinator.ID) > 32 {
		return fmt.Errorf("coordinator.id longer than 32 bytes")
	}
	return nil
}

// Options converts the coordinator section into transaction manager options.
func (c *Config) Options() []txmanager.Option {
	cc := c.Coordinator
	return []txmanager.Option{
		txmanager.WithCoordinatorID(cc.ID),
		txmanager.WithMaxBranches(cc.MaxBranches),
		txmanager.WithForceTwoPhase(cc.ForceTwoPhase),
		txmanager.WithTimeout(cc.Timeout),
		txmanager.WithRetry(cc.RetryDelay, cc.RetryLimit),
		txmanager.WithRMErrorRetry(cc.RMErrorDelay, cc.RMErrorLimit),
		txmanager.WithMonitorTick(cc.RecoveryInterval),
	}
}

// Store is a transaction log that holds resources until closed.
type Store interface {
	txmanager.TXStore
	Close() error
}

// OpenStore builds the configured transaction log.
func OpenStore(c StoreConfig) (Store, error) {
	switch c.Driver {
	case "memory":
		return memstore.New(), nil
	case "sqlite", "postgres":
		return gormstore.Open(c.Driver, c.DSN)
	case "badger":
		return badgerstore.Open(c.Path)
	}
	return nil, fmt.Errorf("unknown store driver %q", c.Driver)
}

// NewTXManager initializes logging, opens the store and starts a transaction
// manager. Extra options are applied after the configured ones.
func NewTXManager(c *Config, extra ...txmanager.Option) (*txmanager.TXManager, Store, error) {
	if err := log.Init(c.Log); err != nil {
		return nil, nil, err
	}
	store, err := OpenStore(c.Store)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := txmanager.NewTXManager(store, append(c.Options(), extra...)...)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return mgr, store, nil
}
