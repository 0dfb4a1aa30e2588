package network

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
)

const ownershipConfidence = 0.85

// Patterns converts network findings into detected patterns. Clusters are
// reported only when their risk reaches the high band.
func (a *Analysis) Patterns() []domain.DetectedPattern {
	var out []domain.DetectedPattern

	for _, c := range a.ShellCompanyCandidates {
		out = append(out, domain.DetectedPattern{
			ID:   uuid.NewString(),
			Name: domain.PatternShellCompany,
			Description: fmt.Sprintf("entity %s scored %.0f on shell indicators; %d transactions totalling %s",
				c.EntityID, c.Score, c.TransactionCount, c.TotalVolume.StringFixed(2)),
			RiskLevel:      domain.RiskHigh,
			EntityIDs:      []string{c.EntityID},
			TransactionIDs: append([]string(nil), c.TransactionIDs...),
			Confidence:     math.Min(c.Score/100, 1),
			DetectedAt:     a.AnalyzedAt,
		})
	}

	for _, c := range a.CircularOwnership {
		out = append(out, domain.DetectedPattern{
			ID:          uuid.NewString(),
			Name:        domain.PatternCircularOwnership,
			Description: fmt.Sprintf("ownership loop across %d entities", len(c.EntityIDs)),
			RiskLevel:   domain.RiskCritical,
			EntityIDs:   append([]string(nil), c.EntityIDs...),
			Confidence:  ownershipConfidence,
			DetectedAt:  a.AnalyzedAt,
		})
	}

	for _, c := range a.RiskyClusters {
		risk := domain.ClampScore(c.Risk)
		level := a.bands.Level(risk)
		if !level.IsElevated() {
			continue
		}
		out = append(out, domain.DetectedPattern{
			ID:   uuid.NewString(),
			Name: domain.PatternRiskCluster,
			Description: fmt.Sprintf("cluster of %d entities, average risk %.2f, %.0f%% high risk",
				len(c.EntityIDs), c.AverageRisk, c.HighRiskFraction*100),
			RiskLevel:  level,
			EntityIDs:  append([]string(nil), c.EntityIDs...),
			Confidence: risk / 100,
			DetectedAt: a.AnalyzedAt,
		})
	}
	return out
}

// EntityRiskUpdates returns raised scores for shell candidates whose shell
// score exceeds their current risk score.
func (a *Analysis) EntityRiskUpdates() []domain.EntityRiskUpdate {
	var out []domain.EntityRiskUpdate
	for _, c := range a.ShellCompanyCandidates {
		if c.Score <= c.CurrentRisk {
			continue
		}
		out = append(out, domain.EntityRiskUpdate{
			EntityID:  c.EntityID,
			RiskScore: c.Score,
			RiskLevel: a.bands.Level(c.Score),
			Factors:   c.Indicators,
			Source:    domain.MethodNetworkAnalysis,
		})
	}
	return out
}
