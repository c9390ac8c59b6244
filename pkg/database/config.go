package database

import "time"

// Config holds connection settings for the PostgreSQL pool.
type Config struct {
	// URI is a libpq/pgx connection string (STORE_URI).
	URI string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns pool settings suitable for a single replica.
func DefaultConfig(uri string) Config {
	return Config{
		URI:             uri,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}
