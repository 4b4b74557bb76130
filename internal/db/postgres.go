package db

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/agentdeck/agentdeck/internal/db/dialect"
)

// Pool sizing fallbacks when the config leaves the connection counts unset.
const (
	defaultMaxConns  = 25
	defaultIdleConns = 5
)

// OpenPostgres opens a PostgreSQL pool through the pgx stdlib driver and
// verifies the server is reachable before handing it out.
func OpenPostgres(dsn string, maxConns, minConns int) (*sqlx.DB, error) {
	database, err := sqlx.Open(dialect.PGX, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if minConns <= 0 {
		minConns = defaultIdleConns
	}
	database.SetMaxOpenConns(maxConns)
	database.SetMaxIdleConns(minConns)

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}
	return database, nil
}
