package domain

// AnomalyType classifies an individual anomaly finding.
type AnomalyType string

const (
	AnomalyVelocity   AnomalyType = "velocity"
	AnomalyVolume     AnomalyType = "volume"
	AnomalyPattern    AnomalyType = "pattern"
	AnomalyConnection AnomalyType = "connection"
)

// AnomalyFinding is one statistical outlier attributed to an entity.
type AnomalyFinding struct {
	Type           AnomalyType `json:"type"`
	Description    string      `json:"description"`
	Severity       float64     `json:"severity"`
	TransactionIDs []string    `json:"transactionIds"`
}

// EntityAnomalyResult aggregates all findings for one entity.
type EntityAnomalyResult struct {
	EntityID string           `json:"entityId"`
	Score    float64          `json:"score"`
	Findings []AnomalyFinding `json:"findings"`
}

// AnomalyResult is the per-transaction anomaly verdict.
type AnomalyResult struct {
	TransactionID string  `json:"transactionId"`
	Score         float64 `json:"score"`
	IsAnomaly     bool    `json:"isAnomaly"`
}
