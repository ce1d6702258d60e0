package persist

import (
	"fmt"
	"net/url"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresConfig describes the Postgres connection shared by the order
// store and the user store.
type PostgresConfig struct {
	Host       string            `toml:"host"`
	Port       int               `toml:"port"`
	User       string            `toml:"user"`
	Password   string            `toml:"password"`
	Database   string            `toml:"database"`
	SSLMode    string            `toml:"ssl_mode"`
	Params     map[string]string `toml:"params"`
	ConnString string            `toml:"conn_string"`
	MaxConns   int               `toml:"max_conns"`
}

// Open connects to Postgres through gorm.
func Open(conf PostgresConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(conf.DSN()), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if conf.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(conf.MaxConns)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DSN renders the connection URL, preferring an explicit ConnString.
func (conf PostgresConfig) DSN() string {
	if conf.ConnString != "" {
		return conf.ConnString
	}

	host := conf.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := conf.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := conf.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if conf.User != "" {
		if conf.Password != "" {
			u.User = url.UserPassword(conf.User, conf.Password)
		} else {
			u.User = url.User(conf.User)
		}
	}
	if conf.Database != "" {
		u.Path = "/" + conf.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range conf.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String()
}
