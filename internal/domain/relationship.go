package domain

import "time"

// RelationshipType labels a directed edge between two entities.
type RelationshipType string

const (
	RelOwner        RelationshipType = "owner"
	RelBeneficiary  RelationshipType = "beneficiary"
	RelAffiliate    RelationshipType = "affiliate"
	RelIntermediary RelationshipType = "intermediary"
	RelCustomer     RelationshipType = "customer"
	RelSupplier     RelationshipType = "supplier"
)

// EntityRelationship is a directed, typed link from SourceID to TargetID.
// Owner edges form the ownership sub-graph.
type EntityRelationship struct {
	ID       string           `json:"id"`
	TenantID string           `json:"tenantId"`
	SourceID string           `json:"sourceId"`
	TargetID string           `json:"targetId"`
	Type     RelationshipType `json:"type"`
	Strength float64          `json:"strength"`
	StartAt  time.Time        `json:"startAt"`
	EndAt    *time.Time       `json:"endAt,omitempty"`
}

// ActiveAt reports whether the relationship has not ended before t.
func (r *EntityRelationship) ActiveAt(t time.Time) bool {
	return r.EndAt == nil || !r.EndAt.Before(t)
}
