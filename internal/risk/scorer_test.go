package risk

import (
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A Wednesday at noon UTC keeps time factors out of the way.
var weekdayNoon = time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(domain.DefaultDetectionConfig())
	require.NoError(t, err)
	return s
}

func factorNames(factors []domain.RiskFactor) []string {
	names := make([]string, len(factors))
	for i, f := range factors {
		names[i] = f.Name
	}
	return names
}

func plainTx(amount float64) *domain.Transaction {
	return &domain.Transaction{
		ID:            "tx-1",
		SourceID:      "A",
		DestinationID: "B",
		Amount:        amount,
		Currency:      "USD",
		Timestamp:     weekdayNoon,
		Description:   domain.StringPtr("quarterly supplier invoice settlement"),
		Type:          domain.TxTransfer,
		Category:      domain.CategoryFiat,
	}
}

func TestScoreTransaction_Factors(t *testing.T) {
	s := newTestScorer(t)

	tests := []struct {
		name      string
		mutate    func(tx *domain.Transaction, tctx *TransactionContext)
		wantName  string
		wantScore float64
	}{
		{
			name:      "just below reporting threshold",
			mutate:    func(tx *domain.Transaction, _ *TransactionContext) { tx.Amount = 9500 },
			wantName:  "amount_just_below_threshold",
			wantScore: 20,
		},
		{
			name:      "large amount is capped",
			mutate:    func(tx *domain.Transaction, _ *TransactionContext) { tx.Amount = 500000.5 },
			wantName:  "amount_above_threshold",
			wantScore: 15,
		},
		{
			name:      "amount just above threshold",
			mutate:    func(tx *domain.Transaction, _ *TransactionContext) { tx.Amount = 20000.5 },
			wantName:  "amount_above_threshold",
			wantScore: 6.00005,
		},
		{
			name:      "round amount",
			mutate:    func(tx *domain.Transaction, _ *TransactionContext) { tx.Amount = 3000 },
			wantName:  "round_amount",
			wantScore: 5,
		},
		{
			name:      "cross border",
			mutate:    func(tx *domain.Transaction, _ *TransactionContext) { tx.Category = domain.CategoryCrossBorder },
			wantName:  "cross_border",
			wantScore: 15,
		},
		{
			name:      "crypto",
			mutate:    func(tx *domain.Transaction, _ *TransactionContext) { tx.Category = domain.CategoryCrypto },
			wantName:  "crypto",
			wantScore: 10,
		},
		{
			name:      "exchange type",
			mutate:    func(tx *domain.Transaction, _ *TransactionContext) { tx.Type = domain.TxExchange },
			wantName:  "exchange_type",
			wantScore: 5,
		},
		{
			name:      "night time",
			mutate:    func(tx *domain.Transaction, _ *TransactionContext) { tx.Timestamp = weekdayNoon.Add(-10 * time.Hour) },
			wantName:  "unusual_hour",
			wantScore: 5,
		},
		{
			name:      "weekend",
			mutate:    func(tx *domain.Transaction, _ *TransactionContext) { tx.Timestamp = weekdayNoon.AddDate(0, 0, 3) },
			wantName:  "weekend",
			wantScore: 5,
		},
		{
			name:      "missing description",
			mutate:    func(tx *domain.Transaction, _ *TransactionContext) { tx.Description = nil },
			wantName:  "short_description",
			wantScore: 10,
		},
		{
			name: "suspicious keyword",
			mutate: func(tx *domain.Transaction, _ *TransactionContext) {
				tx.Description = domain.StringPtr("URGENT offshore move")
			},
			wantName:  "suspicious_keyword:urgent",
			wantScore: 15,
		},
		{
			name: "vague description",
			mutate: func(tx *domain.Transaction, _ *TransactionContext) {
				tx.Description = domain.StringPtr("consulting fees")
			},
			wantName:  "vague_description:consulting",
			wantScore: 10,
		},
		{
			name:      "first between pair",
			mutate:    func(_ *domain.Transaction, c *TransactionContext) { c.FirstBetweenPair = true },
			wantName:  "first_transaction_between_pair",
			wantScore: 10,
		},
		{
			name: "high risk destination entity",
			mutate: func(_ *domain.Transaction, c *TransactionContext) {
				c.Destination = &domain.Entity{ID: "B", RiskScore: 80}
			},
			wantName:  "high_risk_destination",
			wantScore: 15,
		},
		{
			name: "high risk jurisdiction is case-insensitive",
			mutate: func(_ *domain.Transaction, c *TransactionContext) {
				c.Source = &domain.Entity{ID: "A", Jurisdiction: "  Cayman Islands "}
			},
			wantName:  "high_risk_source_jurisdiction",
			wantScore: 20,
		},
		{
			name: "new counterparty",
			mutate: func(tx *domain.Transaction, c *TransactionContext) {
				c.Source = &domain.Entity{ID: "A", RegisteredAt: tx.Timestamp.AddDate(0, 0, -10)}
			},
			wantName:  "new_counterparty",
			wantScore: 15,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := plainTx(1234.56)
			tctx := TransactionContext{Now: weekdayNoon}
			tt.mutate(tx, &tctx)

			score, factors := s.ScoreTransaction(tx, tctx)

			var found *domain.RiskFactor
			for i := range factors {
				if factors[i].Name == tt.wantName {
					found = &factors[i]
				}
			}
			require.NotNil(t, found, "factors: %v", factorNames(factors))
			assert.InDelta(t, tt.wantScore, found.Score, 1e-6)
			assert.GreaterOrEqual(t, score, baseScore)
		})
	}
}

func TestScoreTransaction_BaselineOnly(t *testing.T) {
	s := newTestScorer(t)

	score, factors := s.ScoreTransaction(plainTx(1234.56), TransactionContext{Now: weekdayNoon})

	// "invoice" is a suspicious keyword in the default configuration.
	assert.Equal(t, []string{"suspicious_keyword:invoice"}, factorNames(factors))
	assert.Equal(t, 35.0, score)
}

func TestScoreTransaction_AlwaysWithinBounds(t *testing.T) {
	s := newTestScorer(t)

	worst := &domain.Transaction{
		ID:            "tx-worst",
		SourceID:      "A",
		DestinationID: "B",
		Amount:        9000,
		Timestamp:     time.Date(2024, 3, 16, 2, 0, 0, 0, time.UTC),
		Description:   domain.StringPtr("cash"),
		Type:          domain.TxExchange,
		Category:      domain.CategoryCrossBorder,
	}
	tctx := TransactionContext{
		Now:              worst.Timestamp,
		Source:           &domain.Entity{ID: "A", Jurisdiction: "Iran", RiskScore: 95, RegisteredAt: worst.Timestamp.AddDate(0, 0, -1)},
		Destination:      &domain.Entity{ID: "B", Jurisdiction: "Syria", RiskScore: 95},
		FirstBetweenPair: true,
	}

	score, factors := s.ScoreTransaction(worst, tctx)
	assert.Equal(t, 100.0, score)
	for i := 1; i < len(factors); i++ {
		assert.GreaterOrEqual(t, factors[i-1].Score, factors[i].Score, "factors must be sorted descending")
	}

	for _, amount := range []float64{0.01, 1, 999.99, 9999.99, 10000, 1e9} {
		score, _ := s.ScoreTransaction(plainTx(amount), TransactionContext{Now: weekdayNoon})
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 100.0)
	}
}

func TestScoreEntity(t *testing.T) {
	s := newTestScorer(t)
	now := weekdayNoon

	t.Run("young entity in high risk jurisdiction", func(t *testing.T) {
		e := &domain.Entity{ID: "E", Jurisdiction: "Panama", RegisteredAt: now.AddDate(0, -2, 0)}
		score, factors := s.ScoreEntity(e, nil, EntityContext{Now: now})

		assert.Equal(t, 60.0, score)
		assert.Equal(t, []string{"high_risk_jurisdiction", "entity_age_under_6_months"}, factorNames(factors))
	})

	t.Run("entity between 6 and 12 months", func(t *testing.T) {
		e := &domain.Entity{ID: "E", RegisteredAt: now.AddDate(0, -9, 0)}
		score, _ := s.ScoreEntity(e, nil, EntityContext{Now: now})
		assert.Equal(t, 30.0, score)
	})

	t.Run("volume value and high risk share", func(t *testing.T) {
		e := &domain.Entity{ID: "E", RegisteredAt: now.AddDate(-5, 0, 0)}
		var related []domain.Transaction
		for i := 0; i < 60; i++ {
			level := domain.RiskLow
			if i < 20 {
				level = domain.RiskHigh
			}
			related = append(related, domain.Transaction{ID: fmt.Sprintf("t%d", i), Amount: 20000, RiskLevel: level})
		}

		score, factors := s.ScoreEntity(e, related, EntityContext{Now: now})
		assert.Equal(t, 65.0, score)
		assert.LessOrEqual(t, len(factors), maxEntityFactors)
		assert.Equal(t, "high_risk_transaction_share_above_30pct", factors[0].Name)
	})
}

func TestScoreEntity_Monotonic(t *testing.T) {
	s := newTestScorer(t)
	now := weekdayNoon
	base := domain.Entity{ID: "E", Jurisdiction: "France", RegisteredAt: now.AddDate(-3, 0, 0)}

	risky := base
	risky.Jurisdiction = "Iran"

	low, _ := s.ScoreEntity(&base, nil, EntityContext{Now: now})
	high, _ := s.ScoreEntity(&risky, nil, EntityContext{Now: now})
	assert.GreaterOrEqual(t, high, low, "jurisdiction risk must not lower the score")

	prev := -1.0
	var related []domain.Transaction
	for n := 0; n <= 80; n += 10 {
		for len(related) < n {
			related = append(related, domain.Transaction{ID: fmt.Sprintf("t%d", len(related)), Amount: 100})
		}
		score, _ := s.ScoreEntity(&base, related, EntityContext{Now: now})
		assert.GreaterOrEqual(t, score, prev, "volume %d", n)
		prev = score
	}
}

func TestCustomRules(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	cfg.CustomRules = []domain.CustomRule{
		{Name: "eur-large", Expression: `currency == "EUR" && amount > 5000.0`, Score: 12},
		{Name: "never", Expression: `false`, Score: 50},
	}
	s, err := NewScorer(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, s.rules.Len())

	tx := plainTx(6000.5)
	tx.Currency = "EUR"
	_, factors := s.ScoreTransaction(tx, TransactionContext{Now: weekdayNoon})
	assert.Contains(t, factorNames(factors), "rule:eur-large")
	assert.NotContains(t, factorNames(factors), "rule:never")

	t.Run("invalid expression fails construction", func(t *testing.T) {
		bad := domain.DefaultDetectionConfig()
		bad.CustomRules = []domain.CustomRule{{Name: "broken", Expression: "amount >", Score: 1}}
		_, err := NewScorer(bad)
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	})

	t.Run("non-numeric result fails construction", func(t *testing.T) {
		bad := domain.DefaultDetectionConfig()
		bad.CustomRules = []domain.CustomRule{{Name: "str", Expression: `currency`, Score: 1}}
		_, err := NewScorer(bad)
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	})
}
