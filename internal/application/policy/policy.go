package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"

	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

// RejectionError reports which admission rule refused a transfer.
type RejectionError struct {
	Rule string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("transfer rejected by admission rule %q", e.Rule)
}

// Engine evaluates configured admission rules against a proposed transfer.
// Every rule must evaluate to true for the transfer to be admitted; an empty
// rule set admits everything.
type Engine struct {
	rules  []rule
	logger zerolog.Logger
}

type rule struct {
	raw  string
	expr *govaluate.EvaluableExpression
}

// NewEngine compiles the rule expressions. Rules reference the parameters
// exposed by transferParams, e.g. "amount <= 1000000" or
// "source_network != destination_network".
func NewEngine(expressions []string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{logger: logger.With().Str("service", "admission_policy").Logger()}
	for _, raw := range expressions {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		expr, err := govaluate.NewEvaluableExpression(raw)
		if err != nil {
			return nil, fmt.Errorf("compile admission rule %q: %w", raw, err)
		}
		e.rules = append(e.rules, rule{raw: raw, expr: expr})
	}
	return e, nil
}

// Admit evaluates all rules against the session. The first failing rule is
// reported; expression evaluation errors reject the transfer.
func (e *Engine) Admit(s *session.Data) error {
	if len(e.rules) == 0 {
		return nil
	}
	params := transferParams(s)
	for _, r := range e.rules {
		result, err := r.expr.Evaluate(params)
		if err != nil {
			return fmt.Errorf("evaluate admission rule %q: %w", r.raw, err)
		}
		ok, isBool := result.(bool)
		if !isBool {
			return errors.New("admission rule did not evaluate to boolean")
		}
		if !ok {
			e.logger.Warn().
				Str("session_id", s.SessionID).
				Str("rule", r.raw).
				Msg("transfer rejected")
			return &RejectionError{Rule: r.raw}
		}
	}
	return nil
}

func transferParams(s *session.Data) map[string]interface{} {
	return map[string]interface{}{
		"session_id":          s.SessionID,
		"source_network":      s.SourceNetworkID,
		"destination_network": s.DestinationNetworkID,
		"token_type":          s.SourceAsset.TokenType,
		"amount":              float64(s.SourceAsset.Amount),
		"source_owner":        s.SourceAsset.Owner,
		"destination_owner":   s.DestinationAsset.Owner,
		"max_retries":         float64(s.MaxRetries),
		"max_timeout_seconds": s.MaxTimeout.Seconds(),
	}
}
