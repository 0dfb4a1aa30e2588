package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRepos(t *testing.T) map[string]domain.Repository {
	t.Helper()

	sqlite, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "harrier-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	mem, err := New(domain.RepositoryConfig{Driver: "memory"})
	require.NoError(t, err)

	return map[string]domain.Repository{"sqlite": sqlite, "memory": mem}
}

func TestRepository(t *testing.T) {
	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	tenantID := "tenant-001"

	for name, repo := range openRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("Ping", func(t *testing.T) {
				assert.NoError(t, repo.Ping(ctx))
			})

			t.Run("Entities", func(t *testing.T) {
				for _, id := range []string{"ent-b", "ent-a"} {
					require.NoError(t, repo.SaveEntity(ctx, tenantID, &domain.Entity{
						ID:           id,
						Name:         "Entity " + id,
						Category:     domain.EntityCorporate,
						Jurisdiction: "Panama",
						RegisteredAt: base.AddDate(-1, 0, 0),
						Status:       "active",
					}))
				}

				got, err := repo.GetEntity(ctx, tenantID, "ent-a")
				require.NoError(t, err)
				assert.Equal(t, tenantID, got.TenantID)
				assert.Equal(t, domain.EntityCorporate, got.Category)
				assert.True(t, got.RegisteredAt.Equal(base.AddDate(-1, 0, 0)))
				assert.Equal(t, domain.RiskLow, got.RiskLevel)

				require.NoError(t, repo.UpdateEntityRisk(ctx, tenantID, domain.EntityRiskUpdate{
					EntityID: "ent-a", RiskScore: 81, RiskLevel: domain.RiskHigh,
				}))

				list, err := repo.ListEntities(ctx, tenantID)
				require.NoError(t, err)
				require.Len(t, list, 2)
				assert.Equal(t, "ent-a", list[0].ID)
				assert.Equal(t, 81.0, list[0].RiskScore)
				assert.Equal(t, domain.RiskHigh, list[0].RiskLevel)

				err = repo.UpdateEntityRisk(ctx, tenantID, domain.EntityRiskUpdate{EntityID: "missing"})
				assert.ErrorIs(t, err, domain.ErrNotFound)
			})

			t.Run("Transactions", func(t *testing.T) {
				txs := []domain.Transaction{
					{ID: "tx-2", SourceID: "ent-a", DestinationID: "ent-b", Amount: 9500, Currency: "USD",
						Timestamp: base.Add(2 * time.Hour), Type: domain.TxTransfer, Category: domain.CategoryFiat},
					{ID: "tx-1", SourceID: "ent-b", DestinationID: "ent-a", Amount: 120.5, Currency: "USD",
						Timestamp: base.Add(time.Hour), Description: domain.StringPtr("invoice 42"),
						Type: domain.TxPayment, Category: domain.CategoryCrossBorder},
					{ID: "tx-old", SourceID: "ent-a", DestinationID: "ent-b", Amount: 1, Currency: "USD",
						Timestamp: base.Add(-48 * time.Hour), Type: domain.TxTransfer, Category: domain.CategoryFiat},
				}
				for i := range txs {
					require.NoError(t, repo.SaveTransaction(ctx, tenantID, &txs[i]))
				}

				got, err := repo.GetTransaction(ctx, tenantID, "tx-1")
				require.NoError(t, err)
				require.NotNil(t, got.Description)
				assert.Equal(t, "invoice 42", *got.Description)
				assert.Equal(t, domain.CategoryCrossBorder, got.Category)
				assert.True(t, got.Timestamp.Equal(base.Add(time.Hour)))

				got, err = repo.GetTransaction(ctx, tenantID, "tx-2")
				require.NoError(t, err)
				assert.Nil(t, got.Description)

				require.NoError(t, repo.UpdateTransactionRisk(ctx, tenantID, domain.TransactionRiskUpdate{
					TransactionID: "tx-2", RiskScore: 60, RiskLevel: domain.RiskMedium,
				}))

				list, err := repo.ListTransactions(ctx, tenantID, base)
				require.NoError(t, err)
				require.Len(t, list, 2)
				assert.Equal(t, "tx-1", list[0].ID)
				assert.Equal(t, "tx-2", list[1].ID)
				assert.Equal(t, 60.0, list[1].RiskScore)
				assert.Equal(t, domain.RiskMedium, list[1].RiskLevel)
			})

			t.Run("Relationships", func(t *testing.T) {
				end := base.Add(24 * time.Hour)
				rels := []domain.EntityRelationship{
					{ID: "rel-1", SourceID: "ent-a", TargetID: "ent-b", Type: domain.RelOwner, Strength: 0.6, StartAt: base},
					{ID: "rel-2", SourceID: "ent-b", TargetID: "ent-a", Type: domain.RelSupplier, StartAt: base, EndAt: &end},
				}
				for i := range rels {
					require.NoError(t, repo.SaveRelationship(ctx, tenantID, &rels[i]))
				}

				list, err := repo.ListRelationships(ctx, tenantID)
				require.NoError(t, err)
				require.Len(t, list, 2)
				assert.Nil(t, list[0].EndAt)
				assert.Equal(t, 0.6, list[0].Strength)
				require.NotNil(t, list[1].EndAt)
				assert.True(t, list[1].EndAt.Equal(end))
			})

			t.Run("Alerts", func(t *testing.T) {
				alert := &domain.Alert{
					ID:              "alert-1",
					EntityID:        "ent-a",
					TransactionID:   domain.StringPtr("tx-2"),
					Timestamp:       base.Add(3 * time.Hour),
					Type:            domain.AlertTransactionPattern,
					Title:           "Structuring: 2 entities, 3 transactions",
					Description:     "structuring",
					RiskScore:       84,
					RiskLevel:       domain.RiskHigh,
					Status:          domain.AlertStatusPending,
					DetectionMethod: domain.MethodPatternDetection,
				}
				require.NoError(t, repo.SaveAlert(ctx, tenantID, alert))
				assert.ErrorIs(t, repo.SaveAlert(ctx, tenantID, alert), domain.ErrDuplicateAlert)

				list, err := repo.ListAlerts(ctx, tenantID)
				require.NoError(t, err)
				require.Len(t, list, 1)
				assert.Equal(t, "tx-2", list[0].TransactionRef())
				assert.Equal(t, alert.Title, list[0].Title)
			})

			t.Run("LoadSnapshot", func(t *testing.T) {
				snap, err := domain.LoadSnapshot(ctx, repo, tenantID, base)
				require.NoError(t, err)
				assert.Equal(t, tenantID, snap.TenantID)
				assert.Len(t, snap.Entities, 2)
				assert.Len(t, snap.Transactions, 2)
				assert.Len(t, snap.Relationships, 2)
				assert.Len(t, snap.Alerts, 1)
			})

			t.Run("TenantIsolation", func(t *testing.T) {
				_, err := repo.GetTransaction(ctx, "tenant-002", "tx-1")
				assert.ErrorIs(t, err, domain.ErrNotFound)

				list, err := repo.ListEntities(ctx, "tenant-002")
				require.NoError(t, err)
				assert.Empty(t, list)
			})

			t.Run("RequiresTenantID", func(t *testing.T) {
				err := repo.SaveTransaction(ctx, "", &domain.Transaction{ID: "tx-x"})
				assert.ErrorIs(t, err, domain.ErrInvalidInput)

				_, err = repo.ListAlerts(ctx, "")
				assert.ErrorIs(t, err, domain.ErrInvalidInput)
			})
		})
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "mysql"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, repo.rebind(tt.input))
	}

	sqlite := &SQLRepository{driver: "sqlite"}
	assert.Equal(t, "SELECT ?", sqlite.rebind("SELECT ?"))
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "harrier", PostgresPassword: "secret"})
	assert.Equal(t, "host=localhost port=5432 user=harrier password=secret dbname=harrier sslmode=disable", dsn)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t,
		"file:/tmp/h.db?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		sqliteDSN("/tmp/h.db"))
}
