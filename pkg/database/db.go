package database

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

type Config struct {
	Driver         string
	DSN            string
	MaxConns       int
	Timeout        time.Duration
	TimeZone       string
	ClientEncoding string
}

// ConfigFromEnv reads DB config from environment variables
func ConfigFromEnv() Config {
	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = DriverSQLite
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" && driver == DriverSQLite {
		dsn = SQLiteDSN("console.db")
	}
	return Config{
		Driver:         driver,
		DSN:            dsn,
		MaxConns:       maxConnsFor(driver),
		Timeout:        5 * time.Second,
		TimeZone:       os.Getenv("DATABASE_TIMEZONE"),
		ClientEncoding: os.Getenv("DATABASE_CLIENT_ENCODING"),
	}
}

// SQLiteConfig returns a Config for an embedded database file.
func SQLiteConfig(path string) Config {
	return Config{Driver: DriverSQLite, DSN: SQLiteDSN(path), MaxConns: 1, Timeout: 5 * time.Second}
}

// NetworkConfig returns a Config for a postgres or mysql server.
func NetworkConfig(driver, host string, port int, username, password, dbname string) Config {
	var dsn string
	switch driver {
	case DriverMySQL:
		c := mysql.NewConfig()
		c.User = username
		c.Passwd = password
		c.Net = "tcp"
		c.Addr = hostPort(host, port, 3306)
		c.DBName = dbname
		c.ParseTime = true
		dsn = c.FormatDSN()
	default:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(username, password),
			Host:     hostPort(host, port, 5432),
			Path:     "/" + dbname,
			RawQuery: "sslmode=prefer",
		}
		dsn = u.String()
	}
	return Config{Driver: driver, DSN: dsn, MaxConns: maxConnsFor(driver), Timeout: 5 * time.Second}
}

// SQLiteDSN builds a modernc sqlite DSN with foreign keys and a busy timeout.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func hostPort(host string, port, def int) string {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = def
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// sqlite serializes writers itself; a single connection avoids SQLITE_BUSY.
func maxConnsFor(driver string) int {
	if driver == DriverSQLite {
		return 1
	}
	return 5
}

// Connect opens a *sqlx.DB and verifies connectivity with a ping
func Connect(cfg Config) (*sqlx.DB, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = maxConnsFor(cfg.Driver)
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if cfg.Driver != DriverPostgres {
		return db, nil
	}
	// Apply session-level settings if provided
	if cfg.TimeZone != "" {
		if _, err := db.ExecContext(ctx, "SET TIME ZONE "+quoteLiteral(cfg.TimeZone)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set time zone: %w", err)
		}
	}
	if cfg.ClientEncoding != "" {
		if _, err := db.ExecContext(ctx, "SET client_encoding = "+quoteLiteral(cfg.ClientEncoding)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set client_encoding: %w", err)
		}
	}
	return db, nil
}

// quoteLiteral escapes single quotes and wraps the value in single quotes
// so it can be used safely in SET ... statements which don't accept
// parameter placeholders for the right-hand side.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
