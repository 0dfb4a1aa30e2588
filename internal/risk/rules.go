package risk

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/harrier/internal/domain"
)

// RuleSet holds operator-supplied CEL rules that add risk factors to
// transaction scores on top of the built-in heuristics.
type RuleSet struct {
	env   *cel.Env
	rules []*compiledRule
}

type compiledRule struct {
	cfg     domain.CustomRule
	program cel.Program
}

// NewRuleSet compiles every rule. A rule that fails to compile or does not
// return bool, int or double fails construction.
func NewRuleSet(cfgs []domain.CustomRule) (*RuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("source_id", cel.StringType),
		cel.Variable("destination_id", cel.StringType),
		cel.Variable("source_jurisdiction", cel.StringType),
		cel.Variable("destination_jurisdiction", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("description", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rs := &RuleSet{env: env}
	for _, cfg := range cfgs {
		compiled, err := rs.compile(cfg)
		if err != nil {
			return nil, err
		}
		rs.rules = append(rs.rules, compiled)
	}
	return rs, nil
}

func (rs *RuleSet) compile(cfg domain.CustomRule) (*compiledRule, error) {
	ast, issues := rs.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidConfig, cfg.Name, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, int, or double, got %s",
			domain.ErrInvalidConfig, cfg.Name, outputType)
	}

	program, err := rs.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.Name, err)
	}

	return &compiledRule{cfg: cfg, program: program}, nil
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Evaluate runs every rule against the transaction and returns one factor per
// matching rule. Evaluation errors are logged and the rule is skipped.
func (rs *RuleSet) Evaluate(tx *domain.Transaction, tctx TransactionContext) []domain.RiskFactor {
	if len(rs.rules) == 0 {
		return nil
	}

	activation := map[string]any{
		"amount":                   tx.Amount,
		"currency":                 tx.Currency,
		"tx_type":                  string(tx.Type),
		"category":                 string(tx.Category),
		"source_id":                tx.SourceID,
		"destination_id":           tx.DestinationID,
		"source_jurisdiction":      jurisdictionOf(tctx.Source),
		"destination_jurisdiction": jurisdictionOf(tctx.Destination),
		"hour":                     int64(tx.Timestamp.UTC().Hour()),
		"weekday":                  int64(tx.Timestamp.UTC().Weekday()),
		"description":              tx.DescriptionText(),
	}

	var factors []domain.RiskFactor
	for _, r := range rs.rules {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			slog.Debug("custom rule evaluation failed",
				"rule", r.cfg.Name,
				"tx_id", tx.ID,
				"error", err,
			)
			continue
		}
		if toScore(out) > 0 {
			factors = append(factors, domain.RiskFactor{
				Name:  "rule:" + r.cfg.Name,
				Score: r.cfg.Score,
			})
		}
	}
	return factors
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

func jurisdictionOf(e *domain.Entity) string {
	if e == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(e.Jurisdiction))
}
