package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

func newTestGenerator(opts ...Option) *Generator {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewGenerator(domain.DefaultDetectionConfig(), opts...)
}

func fixture() Detections {
	return Detections{
		TenantID: "tenant-1",
		Transactions: []domain.Transaction{
			{ID: "t-hot", SourceID: "A", DestinationID: "B", Amount: 9500, Currency: "USD", RiskScore: 82},
			{ID: "t-cold", SourceID: "B", DestinationID: "C", Amount: 120, Currency: "USD", RiskScore: 25},
		},
		Entities: []domain.Entity{
			{ID: "A", Name: "Alpha Trading", RiskScore: 90},
			{ID: "B", Name: "Beta", RiskScore: 74},
		},
		Patterns: []domain.DetectedPattern{
			{
				Name:           domain.PatternStructuring,
				Description:    "3 deposits just below 10000.00",
				RiskLevel:      domain.RiskHigh,
				EntityIDs:      []string{"DEST", "P1", "P2"},
				TransactionIDs: []string{"s1", "s2", "s3"},
				Confidence:     0.6,
			},
			{
				Name:       domain.PatternCircularOwnership,
				RiskLevel:  domain.RiskCritical,
				EntityIDs:  []string{"X", "Y", "Z"},
				Confidence: 0.85,
			},
		},
		Anomalies: []domain.AnomalyResult{
			{TransactionID: "t-cold", Score: 80, IsAnomaly: true},
			{TransactionID: "t-hot", Score: 0, IsAnomaly: false},
		},
	}
}

func TestGenerate_EmissionRules(t *testing.T) {
	alerts, err := newTestGenerator().Generate(context.Background(), fixture(), nil)
	require.NoError(t, err)
	require.Len(t, alerts, 5)

	byType := make(map[domain.AlertType][]domain.Alert)
	for _, a := range alerts {
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, "tenant-1", a.TenantID)
		assert.Equal(t, domain.AlertStatusPending, a.Status)
		assert.Equal(t, now, a.Timestamp)
		byType[a.Type] = append(byType[a.Type], a)
	}

	anomaly := byType[domain.AlertAnomalyDetection]
	require.Len(t, anomaly, 1)
	assert.Equal(t, "t-cold", anomaly[0].TransactionRef())
	assert.Equal(t, "B", anomaly[0].EntityID)
	assert.Equal(t, domain.RiskHigh, anomaly[0].RiskLevel)

	entity := byType[domain.AlertEntityRisk]
	require.Len(t, entity, 1, "B is below the entity threshold")
	assert.Equal(t, "A", entity[0].EntityID)
	assert.Equal(t, domain.RiskCritical, entity[0].RiskLevel)

	network := byType[domain.AlertNetworkActivity]
	require.Len(t, network, 1)
	assert.Equal(t, "Circular Ownership: 3 entities, 0 transactions", network[0].Title)
	assert.Nil(t, network[0].TransactionID)
	assert.InDelta(t, 95.0, network[0].RiskScore, 1e-9)
	assert.Equal(t, domain.MethodNetworkAnalysis, network[0].DetectionMethod)

	txPattern := byType[domain.AlertTransactionPattern]
	require.Len(t, txPattern, 2)
	assert.Equal(t, "A", txPattern[0].EntityID)
	assert.Equal(t, "t-hot", txPattern[0].TransactionRef())
	assert.Equal(t, "DEST", txPattern[1].EntityID)
	assert.Equal(t, "Structuring: 3 entities, 3 transactions", txPattern[1].Title)
	assert.InDelta(t, 72.0, txPattern[1].RiskScore, 1e-9)
	assert.Equal(t, domain.RiskHigh, txPattern[1].RiskLevel)
}

func TestGenerate_SecondRunEmitsNothing(t *testing.T) {
	g := newTestGenerator()

	first, err := g.Generate(context.Background(), fixture(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := g.Generate(context.Background(), fixture(), first)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestGenerate_EntityWindow(t *testing.T) {
	det := Detections{Entities: []domain.Entity{{ID: "A", RiskScore: 90}}}
	existing := func(age time.Duration) []domain.Alert {
		return []domain.Alert{{EntityID: "A", Type: domain.AlertEntityRisk, Title: "High-risk entity A", Timestamp: now.Add(-age)}}
	}

	alerts, err := newTestGenerator().Generate(context.Background(), det, existing(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, alerts)

	alerts, err = newTestGenerator().Generate(context.Background(), det, existing(30*time.Hour))
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestGenerate_PatternPrefixDedup(t *testing.T) {
	det := Detections{Patterns: []domain.DetectedPattern{{
		Name:           domain.PatternSmurfing,
		RiskLevel:      domain.RiskMedium,
		EntityIDs:      []string{"S1", "POOL"},
		TransactionIDs: []string{"m2", "m1"},
		Confidence:     0.7,
	}}}

	t.Run("same prefix and transaction", func(t *testing.T) {
		existing := []domain.Alert{{EntityID: "S9", TransactionID: domain.StringPtr("m2"), Title: "Smurfing: 2 entities, 4 transactions"}}
		alerts, err := newTestGenerator().Generate(context.Background(), det, existing)
		require.NoError(t, err)
		assert.Empty(t, alerts)
	})

	t.Run("different prefix", func(t *testing.T) {
		existing := []domain.Alert{{EntityID: "S1", TransactionID: domain.StringPtr("m2"), Title: "Structuring: 2 entities, 4 transactions"}}
		alerts, err := newTestGenerator().Generate(context.Background(), det, existing)
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.InDelta(t, 70.0, alerts[0].RiskScore, 1e-9)
	})
}

// mapClaimer holds claims until their ttl passes on clock.
type mapClaimer struct {
	mu    sync.Mutex
	keys  map[string]time.Time
	ttls  map[string]time.Duration
	clock func() time.Time
	err   error
}

func newMapClaimer(clock func() time.Time) *mapClaimer {
	return &mapClaimer{
		keys:  make(map[string]time.Time),
		ttls:  make(map[string]time.Duration),
		clock: clock,
	}
}

func (m *mapClaimer) Claim(_ context.Context, tenantID, key string, ttl time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	k := tenantID + "/" + key
	if exp, ok := m.keys[k]; ok && m.clock().Before(exp) {
		return false, nil
	}
	m.keys[k] = m.clock().Add(ttl)
	m.ttls[key] = ttl
	return true, nil
}

func (m *mapClaimer) Release(_ context.Context, tenantID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, tenantID+"/"+key)
	return nil
}

func (m *mapClaimer) held(tenantID, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.keys[tenantID+"/"+key]
	return ok && m.clock().Before(exp)
}

func TestGenerate_Claimer(t *testing.T) {
	t.Run("concurrent runs emit each alert once", func(t *testing.T) {
		claimer := newMapClaimer(func() time.Time { return now })
		g := newTestGenerator(WithClaimer(claimer))

		var (
			mu    sync.Mutex
			total int
			wg    sync.WaitGroup
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				alerts, err := g.Generate(context.Background(), fixture(), nil)
				assert.NoError(t, err)
				mu.Lock()
				total += len(alerts)
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, 5, total)
		assert.Equal(t, 0, g.locks.size())
	})

	t.Run("claim errors fail open", func(t *testing.T) {
		g := newTestGenerator(WithClaimer(&mapClaimer{err: errors.New("redis down")}))
		alerts, err := g.Generate(context.Background(), fixture(), nil)
		require.NoError(t, err)
		assert.Len(t, alerts, 5)
		for _, a := range alerts {
			assert.Empty(t, a.ClaimKey)
		}
	})

	t.Run("entity claims last the entity window", func(t *testing.T) {
		clock := now
		claimer := newMapClaimer(func() time.Time { return clock })
		g := NewGenerator(domain.DefaultDetectionConfig(),
			WithClock(func() time.Time { return clock }),
			WithClaimer(claimer),
		)
		det := Detections{TenantID: "tenant-1", Entities: []domain.Entity{{ID: "A", RiskScore: 90}}}

		first, err := g.Generate(context.Background(), det, nil)
		require.NoError(t, err)
		require.Len(t, first, 1)
		assert.Equal(t, "entity_risk|A", first[0].ClaimKey)
		assert.Equal(t, domain.DefaultDetectionConfig().EntityAlertWindow, claimer.ttls["entity_risk|A"])

		// Another process without the stored alert is still held off inside the window.
		clock = now.Add(2 * time.Hour)
		again, err := g.Generate(context.Background(), det, nil)
		require.NoError(t, err)
		assert.Empty(t, again)

		clock = now.Add(25 * time.Hour)
		later, err := g.Generate(context.Background(), det, first)
		require.NoError(t, err)
		require.Len(t, later, 1)
		assert.Equal(t, "A", later[0].EntityID)
	})

	t.Run("other keys use the default lifetime", func(t *testing.T) {
		claimer := newMapClaimer(func() time.Time { return now })
		g := newTestGenerator(WithClaimer(claimer))
		_, err := g.Generate(context.Background(), fixture(), nil)
		require.NoError(t, err)
		assert.Equal(t, 7*24*time.Hour, claimer.ttls["transaction_pattern|A|t-hot"])
	})

	t.Run("released claims can be emitted again", func(t *testing.T) {
		claimer := newMapClaimer(func() time.Time { return now })
		g := newTestGenerator(WithClaimer(claimer))

		first, err := g.Generate(context.Background(), fixture(), nil)
		require.NoError(t, err)
		require.Len(t, first, 5)
		for _, a := range first {
			require.NotEmpty(t, a.ClaimKey)
			assert.True(t, claimer.held("tenant-1", a.ClaimKey))
		}

		g.Release(context.Background(), "tenant-1", first)
		for _, a := range first {
			assert.False(t, claimer.held("tenant-1", a.ClaimKey))
		}

		again, err := g.Generate(context.Background(), fixture(), nil)
		require.NoError(t, err)
		assert.Len(t, again, 5)
	})
}

func TestGenerate_TransactionAlertsBeforePatterns(t *testing.T) {
	pattern := domain.DetectedPattern{
		Name:           domain.PatternStructuring,
		RiskLevel:      domain.RiskHigh,
		EntityIDs:      []string{"DEST", "A"},
		TransactionIDs: []string{"x1", "x2", "x3"},
		Confidence:     0.6,
	}
	hot := domain.Transaction{ID: "x1", SourceID: "A", DestinationID: "DEST", Amount: 9500, Currency: "USD", RiskScore: 80}

	countRefs := func(alerts []domain.Alert, txID string) int {
		n := 0
		for _, a := range alerts {
			if a.TransactionRef() == txID {
				n++
			}
		}
		return n
	}

	t.Run("single transaction", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			det := Detections{
				TenantID:     "tenant-1",
				Transactions: []domain.Transaction{hot},
				Patterns:     []domain.DetectedPattern{pattern},
			}
			alerts, err := newTestGenerator().Generate(context.Background(), det, nil)
			require.NoError(t, err)
			require.Len(t, alerts, 2)
			assert.Equal(t, 2, countRefs(alerts, "x1"))
		}
	})

	t.Run("behind many other transactions", func(t *testing.T) {
		txs := make([]domain.Transaction, 0, 5001)
		for i := 0; i < 5000; i++ {
			txs = append(txs, domain.Transaction{
				ID:        fmt.Sprintf("h%04d", i),
				SourceID:  "H",
				RiskScore: 90,
			})
		}
		txs = append(txs, hot)
		det := Detections{
			TenantID:     "tenant-1",
			Transactions: txs,
			Patterns:     []domain.DetectedPattern{pattern},
		}

		alerts, err := newTestGenerator().Generate(context.Background(), det, nil)
		require.NoError(t, err)
		assert.Len(t, alerts, 5002)
		assert.Equal(t, 2, countRefs(alerts, "x1"))
	})
}

func TestGenerate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestGenerator().Generate(ctx, fixture(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPatternScore(t *testing.T) {
	tests := []struct {
		confidence float64
		level      domain.RiskLevel
		want       float64
	}{
		{0.6, domain.RiskHigh, 72},
		{0.8, domain.RiskHigh, 85},
		{0.7, domain.RiskCritical, 91},
		{0.9, domain.RiskCritical, 95},
		{0.8, domain.RiskMedium, 70},
		{0.4, domain.RiskMedium, 40},
		{0.9, domain.RiskLow, 50},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, PatternScore(tt.confidence, tt.level), 1e-9, "%v at %.2f", tt.level, tt.confidence)
	}
}
