// Package risk computes explainable 0-100 risk scores for transactions and entities.
package risk

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	baseScore = 20.0

	// maxEntityFactors caps the explanation list returned for entity scores.
	maxEntityFactors = 5

	entityVolumeCount = 50
)

var entityValueThreshold = decimal.NewFromInt(1_000_000)

// TransactionContext carries the typed inputs a transaction score depends on
// beyond the transaction itself.
type TransactionContext struct {
	// Now is the evaluation instant.
	Now time.Time

	// Source and Destination are the resolved counterparties, nil if unknown.
	Source      *domain.Entity
	Destination *domain.Entity

	// FirstBetweenPair is true when no earlier transaction links the pair.
	FirstBetweenPair bool
}

// EntityContext carries the typed inputs an entity score depends on.
type EntityContext struct {
	Now time.Time
}

// Scorer computes additive risk scores. It is safe for concurrent use.
type Scorer struct {
	cfg        domain.DetectionConfig
	highRisk   map[string]bool
	vague      []string
	suspicious []string
	rules      *RuleSet
}

// NewScorer builds a scorer from detection configuration. Custom rules are
// compiled here so malformed expressions fail at construction.
func NewScorer(cfg domain.DetectionConfig) (*Scorer, error) {
	rules, err := NewRuleSet(cfg.CustomRules)
	if err != nil {
		return nil, err
	}

	highRisk := make(map[string]bool, len(cfg.HighRiskJurisdictions))
	for _, j := range cfg.HighRiskJurisdictions {
		highRisk[normalize(j)] = true
	}

	return &Scorer{
		cfg:        cfg,
		highRisk:   highRisk,
		vague:      lowerAll(cfg.VaguePhrases),
		suspicious: lowerAll(cfg.SuspiciousKeywords),
		rules:      rules,
	}, nil
}

// IsHighRiskJurisdiction reports whether the jurisdiction is on the configured list.
// Comparison is case-insensitive.
func (s *Scorer) IsHighRiskJurisdiction(jurisdiction string) bool {
	return s.highRisk[normalize(jurisdiction)]
}

// Level maps a score to the configured band.
func (s *Scorer) Level(score float64) domain.RiskLevel {
	return s.cfg.Bands.Level(score)
}

// ScoreTransaction returns the clamped score and its contributing factors,
// sorted by descending contribution.
func (s *Scorer) ScoreTransaction(tx *domain.Transaction, tctx TransactionContext) (float64, []domain.RiskFactor) {
	var factors []domain.RiskFactor
	add := func(name string, score float64) {
		factors = append(factors, domain.RiskFactor{Name: name, Score: score})
	}

	threshold := s.cfg.ReportingThreshold

	// Amount
	switch {
	case tx.Amount >= threshold:
		add("amount_above_threshold", math.Min(5+(tx.Amount-threshold)/threshold, 15))
	case tx.Amount >= threshold*0.9:
		add("amount_just_below_threshold", 20)
	}
	if tx.Amount >= 1000 && math.Mod(tx.Amount, 1000) == 0 {
		add("round_amount", 5)
	}

	// Counterparties
	if s.isNew(tctx.Source, tx.Timestamp) || s.isNew(tctx.Destination, tx.Timestamp) {
		add("new_counterparty", 15)
	}
	if tctx.Source != nil && tctx.Source.RiskScore > 70 {
		add("high_risk_source", 15)
	}
	if tctx.Destination != nil && tctx.Destination.RiskScore > 70 {
		add("high_risk_destination", 15)
	}
	if tctx.FirstBetweenPair {
		add("first_transaction_between_pair", 10)
	}

	// Type and category
	switch tx.Category {
	case domain.CategoryCrossBorder:
		add("cross_border", 15)
	case domain.CategoryCrypto:
		add("crypto", 10)
	}
	if tx.Type == domain.TxExchange {
		add("exchange_type", 5)
	}

	// Jurisdiction
	if tctx.Source != nil && s.IsHighRiskJurisdiction(tctx.Source.Jurisdiction) {
		add("high_risk_source_jurisdiction", 20)
	}
	if tctx.Destination != nil && s.IsHighRiskJurisdiction(tctx.Destination.Jurisdiction) {
		add("high_risk_destination_jurisdiction", 20)
	}

	// Time
	ts := tx.Timestamp.UTC()
	if h := ts.Hour(); h < 6 || h >= 22 {
		add("unusual_hour", 5)
	}
	if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
		add("weekend", 5)
	}

	// Description
	desc := strings.ToLower(tx.DescriptionText())
	if phrase, ok := firstMatch(desc, s.vague); ok {
		add("vague_description:"+phrase, 10)
	}
	if kw, ok := firstMatch(desc, s.suspicious); ok {
		add("suspicious_keyword:"+kw, 15)
	}
	if len(strings.TrimSpace(desc)) < 5 {
		add("short_description", 10)
	}

	factors = append(factors, s.rules.Evaluate(tx, tctx)...)

	return finish(factors, 0)
}

// ScoreEntity returns the clamped entity score and its top contributing factors.
// related should hold the entity's transactions, already scored where possible.
func (s *Scorer) ScoreEntity(e *domain.Entity, related []domain.Transaction, ectx EntityContext) (float64, []domain.RiskFactor) {
	var factors []domain.RiskFactor
	add := func(name string, score float64) {
		factors = append(factors, domain.RiskFactor{Name: name, Score: score})
	}

	now := ectx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if !e.RegisteredAt.IsZero() {
		switch {
		case e.RegisteredAt.After(now.AddDate(0, -6, 0)):
			add("entity_age_under_6_months", 15)
		case e.RegisteredAt.After(now.AddDate(-1, 0, 0)):
			add("entity_age_under_12_months", 10)
		}
	}

	if s.IsHighRiskJurisdiction(e.Jurisdiction) {
		add("high_risk_jurisdiction", 25)
	}

	if len(related) > entityVolumeCount {
		add("high_transaction_volume", 10)
	}

	total := decimal.Zero
	highRisk := 0
	for i := range related {
		total = total.Add(decimal.NewFromFloat(related[i].Amount))
		if related[i].RiskLevel.IsElevated() {
			highRisk++
		}
	}
	if total.GreaterThan(entityValueThreshold) {
		add("high_transaction_value", 15)
	}

	if len(related) > 0 {
		share := float64(highRisk) / float64(len(related))
		switch {
		case share > 0.3:
			add("high_risk_transaction_share_above_30pct", 20)
		case share > 0.1:
			add("high_risk_transaction_share_above_10pct", 10)
		}
	}

	return finish(factors, maxEntityFactors)
}

func (s *Scorer) isNew(e *domain.Entity, at time.Time) bool {
	if e == nil || e.RegisteredAt.IsZero() || s.cfg.NewEntityAge <= 0 {
		return false
	}
	return at.Sub(e.RegisteredAt) < s.cfg.NewEntityAge
}

// finish sums factors onto the base score, clamps, and sorts the explanation.
// limit > 0 truncates the factor list.
func finish(factors []domain.RiskFactor, limit int) (float64, []domain.RiskFactor) {
	score := baseScore
	for _, f := range factors {
		score += f.Score
	}

	sort.SliceStable(factors, func(i, j int) bool {
		if factors[i].Score != factors[j].Score {
			return factors[i].Score > factors[j].Score
		}
		return factors[i].Name < factors[j].Name
	})
	if limit > 0 && len(factors) > limit {
		factors = factors[:limit]
	}

	return domain.ClampScore(score), factors
}

func firstMatch(text string, phrases []string) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, p := range phrases {
		if p != "" && strings.Contains(text, p) {
			return p, true
		}
	}
	return "", false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, normalize(s))
	}
	return out
}
