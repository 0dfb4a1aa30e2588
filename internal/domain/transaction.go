package domain

import (
	"time"
)

// TransactionType classifies how funds moved.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxTransfer   TransactionType = "transfer"
	TxExchange   TransactionType = "exchange"
	TxPayment    TransactionType = "payment"
)

// TransactionCategory classifies the rail a transaction used.
type TransactionCategory string

const (
	CategoryFiat        TransactionCategory = "fiat"
	CategoryCrypto      TransactionCategory = "crypto"
	CategoryCrossBorder TransactionCategory = "cross_border"
)

// Transaction is a movement of funds between two entities.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id" validate:"required"`
	TenantID string `json:"tenantId"`

	// Parties involved
	SourceID      string `json:"sourceId" validate:"required"`
	DestinationID string `json:"destinationId" validate:"required,nefield=SourceID"`

	// Financial details
	Amount   float64 `json:"amount" validate:"gt=0"`
	Currency string  `json:"currency"`

	// Temporal
	Timestamp time.Time `json:"timestamp" validate:"required"`

	// Description is optional free text supplied by the originator.
	Description *string `json:"description,omitempty"`

	Type     TransactionType     `json:"type" validate:"omitempty,oneof=deposit withdrawal transfer exchange payment"`
	Category TransactionCategory `json:"category" validate:"omitempty,oneof=fiat crypto cross_border"`

	// Scoring output, written back by the record store
	RiskScore float64   `json:"riskScore"`
	RiskLevel RiskLevel `json:"riskLevel"`
}

// DescriptionText returns the description or an empty string.
func (t *Transaction) DescriptionText() string {
	if t.Description == nil {
		return ""
	}
	return *t.Description
}

// Involves reports whether the entity is the source or destination.
func (t *Transaction) Involves(entityID string) bool {
	return t.SourceID == entityID || t.DestinationID == entityID
}

// Counterparty returns the other side of the transaction relative to entityID.
func (t *Transaction) Counterparty(entityID string) string {
	if t.SourceID == entityID {
		return t.DestinationID
	}
	return t.SourceID
}

// TransactionRiskUpdate is a score/level pair to be written back onto a transaction.
type TransactionRiskUpdate struct {
	TransactionID string       `json:"transactionId"`
	RiskScore     float64      `json:"riskScore"`
	RiskLevel     RiskLevel    `json:"riskLevel"`
	Factors       []RiskFactor `json:"factors,omitempty"`
}

// StringPtr returns a pointer to s; convenient for optional descriptions.
func StringPtr(s string) *string {
	return &s
}
