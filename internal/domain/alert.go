package domain

import "time"

// AlertType classifies why an alert was raised.
type AlertType string

const (
	AlertTransactionPattern AlertType = "transaction_pattern"
	AlertEntityRisk         AlertType = "entity_risk"
	AlertNetworkActivity    AlertType = "network_activity"
	AlertAnomalyDetection   AlertType = "anomaly_detection"
)

// Alert workflow statuses.
const (
	AlertStatusPending       = "pending"
	AlertStatusInvestigating = "investigating"
	AlertStatusResolved      = "resolved"
	AlertStatusDismissed     = "dismissed"
)

// Detection method labels recorded on alerts.
const (
	MethodRiskScoring       = "risk_scoring"
	MethodEntityRiskScoring = "entity_risk_scoring"
	MethodPatternDetection  = "pattern_detection"
	MethodNetworkAnalysis   = "network_analysis"
	MethodAnomalyDetection  = "anomaly_detection"
)

// Alert is a finding handed to human investigators.
type Alert struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenantId"`
	EntityID        string    `json:"entityId"`
	TransactionID   *string   `json:"transactionId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Type            AlertType `json:"type"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	RiskScore       float64   `json:"riskScore"`
	RiskLevel       RiskLevel `json:"riskLevel"`
	Status          string    `json:"status"`
	DetectionMethod string    `json:"detectionMethod"`

	// ClaimKey is the cross-process dedup key held for this alert, if any.
	// It is never stored or published.
	ClaimKey string `json:"-"`
}

// TransactionRef returns the referenced transaction id or an empty string.
func (a *Alert) TransactionRef() string {
	if a.TransactionID == nil {
		return ""
	}
	return *a.TransactionID
}
