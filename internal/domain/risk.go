package domain

import "fmt"

// RiskLevel is the categorical band derived from a numeric risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// riskOrder lists levels from least to most severe.
var riskOrder = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// RiskBands holds the score cutoffs for medium, high and critical.
// A score below Medium is low.
type RiskBands struct {
	Medium   float64 `json:"medium" koanf:"medium"`
	High     float64 `json:"high" koanf:"high"`
	Critical float64 `json:"critical" koanf:"critical"`
}

// DefaultRiskBands returns the canonical 40/70/85 banding.
func DefaultRiskBands() RiskBands {
	return RiskBands{Medium: 40, High: 70, Critical: 85}
}

// Validate checks that cutoffs are strictly increasing and inside [0,100].
func (b RiskBands) Validate() error {
	if b.Medium <= 0 || b.Critical > 100 {
		return fmt.Errorf("%w: risk bands must lie in (0,100]", ErrInvalidConfig)
	}
	if !(b.Medium < b.High && b.High < b.Critical) {
		return fmt.Errorf("%w: risk bands must be strictly increasing (got %.0f/%.0f/%.0f)",
			ErrInvalidConfig, b.Medium, b.High, b.Critical)
	}
	return nil
}

// Level maps a score to its band.
func (b RiskBands) Level(score float64) RiskLevel {
	switch {
	case score >= b.Critical:
		return RiskCritical
	case score >= b.High:
		return RiskHigh
	case score >= b.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// LevelForScore maps a score using the default bands.
func LevelForScore(score float64) RiskLevel {
	return DefaultRiskBands().Level(score)
}

// Rank returns the ordinal of the level (low=0 ... critical=3), or -1 if unknown.
func (l RiskLevel) Rank() int {
	for i, lvl := range riskOrder {
		if lvl == l {
			return i
		}
	}
	return -1
}

// Escalate moves the level up one band, saturating at critical.
func (l RiskLevel) Escalate() RiskLevel {
	r := l.Rank()
	if r < 0 || r == len(riskOrder)-1 {
		return l
	}
	return riskOrder[r+1]
}

// Deescalate moves the level down one band, saturating at low.
func (l RiskLevel) Deescalate() RiskLevel {
	r := l.Rank()
	if r <= 0 {
		return l
	}
	return riskOrder[r-1]
}

// IsElevated reports whether the level is high or critical.
func (l RiskLevel) IsElevated() bool {
	return l == RiskHigh || l == RiskCritical
}

// RiskFactor is a single named contribution to a risk score.
type RiskFactor struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// ClampScore bounds a score to [0,100].
func ClampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
