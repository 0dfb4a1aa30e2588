// Package domain defines the core records, interfaces and configuration for Harrier.
package domain

import (
	"context"
	"time"
)

// Repository is the record-store collaborator the engine reads snapshots from
// and writes results back to. All methods require tenantID for isolation.
type Repository interface {
	// Entity operations
	SaveEntity(ctx context.Context, tenantID string, e *Entity) error
	GetEntity(ctx context.Context, tenantID string, entityID string) (*Entity, error)
	ListEntities(ctx context.Context, tenantID string) ([]Entity, error)
	UpdateEntityRisk(ctx context.Context, tenantID string, update EntityRiskUpdate) error

	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	ListTransactions(ctx context.Context, tenantID string, since time.Time) ([]Transaction, error)
	UpdateTransactionRisk(ctx context.Context, tenantID string, update TransactionRiskUpdate) error

	// Relationship operations
	SaveRelationship(ctx context.Context, tenantID string, rel *EntityRelationship) error
	ListRelationships(ctx context.Context, tenantID string) ([]EntityRelationship, error)

	// Alert operations
	SaveAlert(ctx context.Context, tenantID string, alert *Alert) error
	ListAlerts(ctx context.Context, tenantID string) ([]Alert, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "memory", "sqlite" or "postgres"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// Snapshot is an immutable view of one tenant's records for a detection run.
type Snapshot struct {
	TenantID      string
	Entities      []Entity
	Transactions  []Transaction
	Relationships []EntityRelationship
	Alerts        []Alert
}

// LoadSnapshot reads every collection the engine needs for a tenant.
// Transactions older than since are excluded; a zero since loads all.
func LoadSnapshot(ctx context.Context, repo Repository, tenantID string, since time.Time) (*Snapshot, error) {
	entities, err := repo.ListEntities(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	txs, err := repo.ListTransactions(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	rels, err := repo.ListRelationships(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	alerts, err := repo.ListAlerts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		TenantID:      tenantID,
		Entities:      entities,
		Transactions:  txs,
		Relationships: rels,
		Alerts:        alerts,
	}, nil
}
