package domain

import (
	"sort"
	"strings"
	"time"
)

// Pattern names produced by the detectors.
const (
	PatternStructuring       = "Structuring"
	PatternRoundTrip         = "Round-Trip"
	PatternLayering          = "Layering"
	PatternSmurfing          = "Smurfing"
	PatternShellCompany      = "Shell Company Indicators"
	PatternCircularOwnership = "Circular Ownership"
	PatternRiskCluster       = "High-Risk Cluster"
)

// IsNetworkPattern reports whether the pattern name is a network-level finding.
func IsNetworkPattern(name string) bool {
	switch name {
	case PatternShellCompany, PatternCircularOwnership, PatternRiskCluster:
		return true
	}
	return false
}

// DetectedPattern is a laundering typology or network finding produced by one run.
type DetectedPattern struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	EntityIDs      []string  `json:"entityIds"`
	TransactionIDs []string  `json:"transactionIds"`
	Confidence     float64   `json:"confidence"`
	DetectedAt     time.Time `json:"detectedAt"`
}

// Fingerprint identifies the pattern by content, ignoring its generated ID.
// Entity order is preserved because it encodes the path for traversal findings.
func (p *DetectedPattern) Fingerprint() string {
	txs := append([]string(nil), p.TransactionIDs...)
	sort.Strings(txs)

	var b strings.Builder
	b.WriteString(p.Name)
	b.WriteString("|")
	b.WriteString(strings.Join(p.EntityIDs, ">"))
	b.WriteString("|")
	b.WriteString(strings.Join(txs, ","))
	return b.String()
}

// Implicates reports whether the entity appears in the pattern.
func (p *DetectedPattern) Implicates(entityID string) bool {
	for _, id := range p.EntityIDs {
		if id == entityID {
			return true
		}
	}
	return false
}
