// Package config ties together the configuration of every component.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"fixmatch/internal/cache"
	"fixmatch/internal/metrics"
	gateway "fixmatch/internal/net"
	"fixmatch/internal/persist"
	"fixmatch/internal/publish"
	"fixmatch/internal/router"
	"fixmatch/internal/session"
)

var (
	ErrNoEngines        = errors.New("no engines configured")
	ErrDuplicateEngine  = errors.New("duplicate engine id")
	ErrUnknownEngine    = errors.New("route to unknown engine")
	ErrConflictingRoute = errors.New("symbol routed to more than one engine")
	ErrUnknownKeys      = errors.New("unknown configuration keys")
)

// Unpinned disables core pinning for an engine.
const Unpinned = -1

type RingConfig struct {
	Size         int           `toml:"size"`
	SpinLimit    int           `toml:"spin_limit"`
	PollInterval time.Duration `toml:"poll_interval"`
}

type EngineConfig struct {
	ID      string   `toml:"id"`
	Core    int      `toml:"core"`
	Symbols []string `toml:"symbols"`
}

type PersistenceConfig struct {
	Enabled  bool                   `toml:"enabled"`
	Postgres persist.PostgresConfig `toml:"postgres"`
	Handler  persist.Config         `toml:"handler"`
}

type CacheConfig struct {
	Enabled bool `toml:"enabled"`
	cache.Config
}

// UserConfig is a participant allowed to log on when no database is
// configured. PasswordHash is a bcrypt hash.
type UserConfig struct {
	Username     string `toml:"username"`
	PasswordHash string `toml:"password_hash"`
	CompID       uint32 `toml:"comp_id"`
}

// Config ties together all other application configuration types.
type Config struct {
	LogLevel    string            `toml:"log_level"`
	Gateway     gateway.Config    `toml:"gateway"`
	Ring        RingConfig        `toml:"ring"`
	Engines     []EngineConfig    `toml:"engines"`
	Routes      map[string]string `toml:"routes"`
	Persistence PersistenceConfig `toml:"persistence"`
	Cache       CacheConfig       `toml:"cache"`
	Publish     publish.Config    `toml:"publish"`
	Metrics     metrics.Config    `toml:"metrics"`
	Users       []UserConfig      `toml:"users"`
}

// NewDefault returns a config that runs a single unpinned engine with
// every optional sink disabled.
func NewDefault() Config {
	return Config{
		LogLevel: zerolog.InfoLevel.String(),
		Gateway:  gateway.NewDefaultConfig(),
		Ring: RingConfig{
			Size:         1 << 16,
			SpinLimit:    1024,
			PollInterval: 50 * time.Microsecond,
		},
		Engines: []EngineConfig{
			{ID: "engine-1", Core: Unpinned},
		},
		Routes: map[string]string{},
		Persistence: PersistenceConfig{
			Postgres: persist.PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "fixmatch",
				Database: "fixmatch",
				SSLMode:  "disable",
				MaxConns: 10,
			},
			Handler: persist.NewDefaultConfig(),
		},
		Cache:   CacheConfig{Config: cache.NewDefaultConfig()},
		Publish: publish.NewDefaultConfig(),
		Metrics: metrics.NewDefaultConfig(),
	}
}

// Read loads the TOML file at path over the defaults.
func Read(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads TOML from r over the defaults and validates the result.
// Keys that match no field are an error.
func Decode(r io.Reader) (Config, error) {
	cfg := NewDefault()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownKeys, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write renders cfg as TOML.
func (cfg Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(cfg)
}

func (cfg Config) Validate() error {
	if len(cfg.Engines) == 0 {
		return ErrNoEngines
	}
	if _, err := cfg.RouteTable(); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// RouteTable merges the symbols listed under each engine with the [routes]
// table into one symbol to engine map.
func (cfg Config) RouteTable() (map[string]string, error) {
	engines := make(map[string]struct{}, len(cfg.Engines))
	for _, e := range cfg.Engines {
		if _, ok := engines[e.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEngine, e.ID)
		}
		engines[e.ID] = struct{}{}
	}

	table := make(map[string]string)
	add := func(symbol, engine string) error {
		if _, ok := engines[engine]; !ok {
			return fmt.Errorf("%w: %s -> %s", ErrUnknownEngine, symbol, engine)
		}
		if cur, ok := table[symbol]; ok && cur != engine {
			return fmt.Errorf("%w: %s on %s and %s", ErrConflictingRoute, symbol, cur, engine)
		}
		table[symbol] = engine
		return nil
	}
	for _, e := range cfg.Engines {
		for _, symbol := range e.Symbols {
			if err := add(symbol, e.ID); err != nil {
				return nil, err
			}
		}
	}

	symbols := make([]string, 0, len(cfg.Routes))
	for symbol := range cfg.Routes {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		if err := add(symbol, cfg.Routes[symbol]); err != nil {
			return nil, err
		}
	}
	return table, nil
}

type routeSource struct{ cfg Config }

func (src routeSource) Routes() (map[string]string, error) {
	return src.cfg.RouteTable()
}

// RouteSource exposes the route table to the symbol router.
func (cfg Config) RouteSource() router.Source {
	return routeSource{cfg: cfg}
}

// StaticUsers returns the configured participants.
func (cfg Config) StaticUsers() session.StaticUsers {
	users := make(session.StaticUsers, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = session.User{
			Username:     u.Username,
			PasswordHash: []byte(u.PasswordHash),
			CompID:       u.CompID,
		}
	}
	return users
}
