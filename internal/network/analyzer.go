package network

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	shellCandidateScore = 50.0
	minClusterSize      = 3
)

// ShellCandidate is an entity whose profile matches shell-company indicators.
type ShellCandidate struct {
	EntityID         string              `json:"entityId"`
	Score            float64             `json:"score"`
	CurrentRisk      float64             `json:"currentRisk"`
	Indicators       []domain.RiskFactor `json:"indicators"`
	TransactionIDs   []string            `json:"transactionIds,omitempty"`
	TransactionCount int                 `json:"transactionCount"`
	TotalVolume      decimal.Decimal     `json:"totalVolume"`
}

// RiskCluster is a connected component of the relationship graph.
type RiskCluster struct {
	EntityIDs        []string `json:"entityIds"`
	AverageRisk      float64  `json:"averageRisk"`
	HighRiskFraction float64  `json:"highRiskFraction"`
	Risk             float64  `json:"risk"`
}

// Centrality holds degree and betweenness for one entity.
type Centrality struct {
	EntityID    string  `json:"entityId"`
	Degree      int     `json:"degree"`
	Betweenness float64 `json:"betweenness"`
}

// OwnershipCycle is a loop in the owner sub-graph, in traversal order.
type OwnershipCycle struct {
	EntityIDs []string `json:"entityIds"`
}

// Analysis is the result of one network analysis run.
type Analysis struct {
	ShellCompanyCandidates []ShellCandidate    `json:"shellCompanyCandidates"`
	RiskyClusters          []RiskCluster       `json:"riskyClusters"`
	Centrality             []Centrality        `json:"centrality"`
	CircularOwnership      []OwnershipCycle    `json:"circularOwnership"`
	Diagnostics            []domain.Diagnostic `json:"-"`
	AnalyzedAt             time.Time           `json:"analyzedAt"`

	bands domain.RiskBands
}

// Analyzer builds the relationship graph and runs every network check.
type Analyzer struct {
	cfg      domain.DetectionConfig
	highRisk map[string]bool
	logger   *slog.Logger
	now      func() time.Time
}

// NewAnalyzer creates a network analyzer.
func NewAnalyzer(cfg domain.DetectionConfig, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	highRisk := make(map[string]bool, len(cfg.HighRiskJurisdictions))
	for _, j := range cfg.HighRiskJurisdictions {
		highRisk[strings.ToLower(strings.TrimSpace(j))] = true
	}
	return &Analyzer{
		cfg:      cfg,
		highRisk: highRisk,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Analyze runs shell scoring, clustering, centrality and circular-ownership
// detection. Relationships that reference unknown entities are skipped and
// reported as diagnostics; relationships that ended before now are ignored.
func (a *Analyzer) Analyze(ctx context.Context, entities []domain.Entity, relationships []domain.EntityRelationship, txs []domain.Transaction) (*Analysis, error) {
	now := a.now()
	g := newGraph(entities)
	result := &Analysis{AnalyzedAt: now, bands: a.cfg.Bands}

	for i := range relationships {
		r := &relationships[i]
		if _, ok := g.nodes[r.SourceID]; !ok {
			result.Diagnostics = append(result.Diagnostics, unknownRef(r, r.SourceID))
			continue
		}
		if _, ok := g.nodes[r.TargetID]; !ok {
			result.Diagnostics = append(result.Diagnostics, unknownRef(r, r.TargetID))
			continue
		}
		if !r.ActiveAt(now) {
			continue
		}
		g.addEdge(r)
	}

	result.ShellCompanyCandidates = a.shellCandidates(g, txs, now)
	result.RiskyClusters = a.clusters(g)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	centrality, err := centralityScores(ctx, g)
	if err != nil {
		return nil, err
	}
	result.Centrality = centrality

	cycles, err := a.ownershipCycles(ctx, g)
	if err != nil {
		return nil, err
	}
	result.CircularOwnership = cycles

	a.logger.Debug("network analysis complete",
		"entities", len(g.ids),
		"shell_candidates", len(result.ShellCompanyCandidates),
		"clusters", len(result.RiskyClusters),
		"ownership_cycles", len(result.CircularOwnership),
		"skipped_relationships", len(result.Diagnostics),
	)
	return result, nil
}

func unknownRef(r *domain.EntityRelationship, missing string) domain.Diagnostic {
	return domain.NewDiagnostic("network", r.ID, &domain.ValidationError{
		RecordID: r.ID,
		Field:    "entity",
		Reason:   fmt.Sprintf("references unknown entity %q", missing),
	})
}

func (a *Analyzer) isHighRisk(jurisdiction string) bool {
	return a.highRisk[strings.ToLower(strings.TrimSpace(jurisdiction))]
}

func (a *Analyzer) level(e *domain.Entity) domain.RiskLevel {
	if e.RiskLevel != "" {
		return e.RiskLevel
	}
	return a.cfg.Bands.Level(e.RiskScore)
}

func (a *Analyzer) shellCandidates(g *graph, txs []domain.Transaction, now time.Time) []ShellCandidate {
	var out []ShellCandidate
	for _, id := range g.ids {
		n := g.nodes[id]
		e := n.entity

		var indicators []domain.RiskFactor
		if a.isHighRisk(e.Jurisdiction) {
			indicators = append(indicators, domain.RiskFactor{Name: "high_risk_jurisdiction", Score: 30})
		}
		if !e.RegisteredAt.IsZero() && e.RegisteredAt.After(now.AddDate(-1, 0, 0)) {
			indicators = append(indicators, domain.RiskFactor{Name: "registered_within_year", Score: 20})
		}
		outDeg, inDeg := len(n.outgoing), len(n.incoming)
		if outDeg > 3*inDeg && outDeg > 2 {
			indicators = append(indicators, domain.RiskFactor{Name: "outbound_heavy_relationships", Score: 25})
		}
		risky := 0
		for _, peer := range g.neighbors(id) {
			if a.level(g.nodes[peer].entity).IsElevated() {
				risky++
			}
		}
		if risky > 0 {
			indicators = append(indicators, domain.RiskFactor{Name: "high_risk_connections", Score: float64(5 * risky)})
		}

		score := 0.0
		for _, f := range indicators {
			score += f.Score
		}
		if score < shellCandidateScore {
			continue
		}
		out = append(out, ShellCandidate{
			EntityID:    id,
			Score:       domain.ClampScore(score),
			CurrentRisk: e.RiskScore,
			Indicators:  indicators,
		})
	}

	attachActivity(out, txs)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

func attachActivity(candidates []ShellCandidate, txs []domain.Transaction) {
	if len(candidates) == 0 {
		return
	}
	idx := make(map[string]*ShellCandidate, len(candidates))
	for i := range candidates {
		candidates[i].TotalVolume = decimal.Zero
		idx[candidates[i].EntityID] = &candidates[i]
	}
	for i := range txs {
		tx := &txs[i]
		for _, id := range []string{tx.SourceID, tx.DestinationID} {
			if c, ok := idx[id]; ok {
				c.TransactionCount++
				c.TotalVolume = c.TotalVolume.Add(decimal.NewFromFloat(tx.Amount))
				c.TransactionIDs = append(c.TransactionIDs, tx.ID)
			}
		}
	}
	for _, c := range idx {
		sort.Strings(c.TransactionIDs)
	}
}

func (a *Analyzer) clusters(g *graph) []RiskCluster {
	var out []RiskCluster
	for _, members := range g.components() {
		if len(members) < minClusterSize {
			continue
		}
		var sum float64
		high := 0
		for _, id := range members {
			e := g.nodes[id].entity
			sum += e.RiskScore
			if a.level(e).IsElevated() {
				high++
			}
		}
		avg := sum / float64(len(members))
		fraction := float64(high) / float64(len(members))
		out = append(out, RiskCluster{
			EntityIDs:        members,
			AverageRisk:      avg,
			HighRiskFraction: fraction,
			Risk:             avg * (1 + fraction),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Risk != out[j].Risk {
			return out[i].Risk > out[j].Risk
		}
		return out[i].EntityIDs[0] < out[j].EntityIDs[0]
	})
	return out
}

// WithClock replaces the evaluation clock and returns the analyzer.
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}
