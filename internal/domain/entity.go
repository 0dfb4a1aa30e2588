package domain

import "time"

// EntityCategory classifies a monitored party.
type EntityCategory string

const (
	EntityIndividual           EntityCategory = "individual"
	EntityCorporate            EntityCategory = "corporate"
	EntityFinancialInstitution EntityCategory = "financial_institution"
	EntityGovernment           EntityCategory = "government"
)

// Entity is a monitored party (person, company, institution).
type Entity struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	Name         string         `json:"name"`
	Category     EntityCategory `json:"category"`
	Jurisdiction string         `json:"jurisdiction"`
	RegisteredAt time.Time      `json:"registeredAt"`
	RiskScore    float64        `json:"riskScore"`
	RiskLevel    RiskLevel      `json:"riskLevel"`
	Status       string         `json:"status"`
}

// EntityRiskUpdate is a score/level pair to be written back onto an entity.
type EntityRiskUpdate struct {
	EntityID  string       `json:"entityId"`
	RiskScore float64      `json:"riskScore"`
	RiskLevel RiskLevel    `json:"riskLevel"`
	Factors   []RiskFactor `json:"factors,omitempty"`
	Source    string       `json:"source"`
}

// IndexEntities builds an id lookup over a slice of entities.
func IndexEntities(entities []Entity) map[string]*Entity {
	idx := make(map[string]*Entity, len(entities))
	for i := range entities {
		idx[entities[i].ID] = &entities[i]
	}
	return idx
}
