package repository

import (
	"cmp"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/harrier/internal/domain"
)

// openPostgres opens a PostgreSQL connection and verifies it.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

func postgresDSN(cfg domain.RepositoryConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cmp.Or(cfg.PostgresHost, "localhost"),
		cmp.Or(cfg.PostgresPort, 5432),
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cmp.Or(cfg.PostgresDB, "harrier"),
		cmp.Or(cfg.PostgresSSLMode, "disable"),
	)
}
