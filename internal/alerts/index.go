package alerts

import (
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// index records which alerts exist so emission rules can skip duplicates.
// It is seeded from prior alerts and updated on every creation.
type index struct {
	mu sync.RWMutex

	// txAlerts maps alert type to referenced transaction ids.
	txAlerts map[domain.AlertType]map[string]bool
	// entityAlerts holds the latest entity_risk alert time per entity.
	entityAlerts map[string]time.Time
	// prefixTxs and prefixEntities hold references per pattern title prefix.
	prefixTxs      map[string]map[string]bool
	prefixEntities map[string]map[string]bool
}

func newIndex(existing []domain.Alert) *index {
	ix := &index{
		txAlerts:       make(map[domain.AlertType]map[string]bool),
		entityAlerts:   make(map[string]time.Time),
		prefixTxs:      make(map[string]map[string]bool),
		prefixEntities: make(map[string]map[string]bool),
	}
	for i := range existing {
		ix.add(&existing[i])
	}
	return ix
}

func (ix *index) insert(a *domain.Alert) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.add(a)
}

func (ix *index) add(a *domain.Alert) {
	if tx := a.TransactionRef(); tx != "" {
		set(ix.txAlerts, a.Type, tx)
	}
	if a.Type == domain.AlertEntityRisk {
		if a.Timestamp.After(ix.entityAlerts[a.EntityID]) {
			ix.entityAlerts[a.EntityID] = a.Timestamp
		}
	}
	if prefix, ok := titlePrefix(a.Title); ok {
		if tx := a.TransactionRef(); tx != "" {
			set(ix.prefixTxs, prefix, tx)
		}
		set(ix.prefixEntities, prefix, a.EntityID)
	}
}

func (ix *index) hasTransactionAlert(typ domain.AlertType, txID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.txAlerts[typ][txID]
}

func (ix *index) hasRecentEntityAlert(entityID string, since time.Time) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	last, ok := ix.entityAlerts[entityID]
	return ok && !last.Before(since)
}

// hasPatternAlert matches on transactions when the pattern has any, and on
// entities otherwise.
func (ix *index) hasPatternAlert(p *domain.DetectedPattern) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(p.TransactionIDs) > 0 {
		for _, id := range p.TransactionIDs {
			if ix.prefixTxs[p.Name][id] {
				return true
			}
		}
		return false
	}
	for _, id := range p.EntityIDs {
		if ix.prefixEntities[p.Name][id] {
			return true
		}
	}
	return false
}

// titlePrefix returns the pattern-name prefix of a pattern alert title.
func titlePrefix(title string) (string, bool) {
	prefix, _, ok := strings.Cut(title, ": ")
	return prefix, ok
}

func set[K comparable](m map[K]map[string]bool, key K, value string) {
	inner, ok := m[key]
	if !ok {
		inner = make(map[string]bool)
		m[key] = inner
	}
	inner[value] = true
}
