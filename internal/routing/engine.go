// Package routing decides which connectors to attempt for a payment,
// without executing any of them.
package routing

import (
	"context"
	"log/slog"

	"payment-router/internal/connector"
	"payment-router/internal/db"
	"payment-router/internal/payment"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
)

const (
	AlgorithmStraightThrough = "straight_through"
	AlgorithmRoundRobin      = "round_robin"
	AlgorithmRuleBased       = "rule_based"
	AlgorithmMaxConversion   = "max_conversion"
	AlgorithmMinCost         = "min_cost"
)

var (
	decisionCounter   = metrics.GetOrCreateCounter(`routing_decisions_total{result="decided"}`)
	noEligibleCounter = metrics.GetOrCreateCounter(`routing_decisions_total{result="no_eligible"}`)
)

var ErrNoEligibleConnectors = errors.New("no eligible connectors for payment")

type CallKind string

const (
	CallSingle    CallKind = "single"
	CallRetryable CallKind = "retryable"
)

// Decision is either a single deterministic connector choice or an ordered
// failover list.
type Decision struct {
	Kind       CallKind
	Candidates []Candidate
}

type Candidate struct {
	Connector string
	Account   *payment.MerchantConnectorAccount
}

// ConfigSource provides the merchant routing setup and connector accounts.
// *db.PaymentRepository satisfies it.
type ConfigSource interface {
	GetRoutingConfig(ctx context.Context, merchantID, profileID string) (*db.RoutingConfigEntity, error)
	ListAccounts(ctx context.Context, merchantID string) ([]*payment.MerchantConnectorAccount, error)
}

type Input struct {
	MerchantID string
	ProfileID  string
	Attributes BackendInput
}

type Engine struct {
	source   ConfigSource
	registry *connector.Registry
	cursor   CursorStore
	logger   *slog.Logger
}

func NewEngine(source ConfigSource, registry *connector.Registry, cursor CursorStore, logger *slog.Logger) *Engine {
	return &Engine{source: source, registry: registry, cursor: cursor, logger: logger}
}

// Decide produces the ordered connector candidates for the payment.
func (e *Engine) Decide(ctx context.Context, input Input) (*Decision, error) {
	cfg, err := e.source.GetRoutingConfig(ctx, input.MerchantID, input.ProfileID)
	if err != nil {
		return nil, errors.Wrap(err, "loading routing config")
	}

	ordered, err := e.orderedSelection(ctx, cfg, input)
	if err != nil {
		return nil, err
	}

	eligible, err := e.filterEligible(ctx, input, ordered)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		noEligibleCounter.Inc()
		return nil, ErrNoEligibleConnectors
	}

	if cfg.Algorithm == AlgorithmRoundRobin {
		offset, err := e.cursor.Next(ctx, input.MerchantID+":"+input.ProfileID, len(eligible))
		if err != nil {
			return nil, err
		}
		eligible = rotate(eligible, offset)
	}

	decisionCounter.Inc()

	kind := CallRetryable
	if len(eligible) == 1 {
		kind = CallSingle
	}
	return &Decision{Kind: kind, Candidates: eligible}, nil
}

// orderedSelection resolves the algorithm to a raw ordered connector list,
// before eligibility filtering. MaxConversion and MinCost depend on the
// analytics aggregation service; without it they degrade to the declared
// list order.
func (e *Engine) orderedSelection(ctx context.Context, cfg *db.RoutingConfigEntity, input Input) ([]string, error) {
	switch cfg.Algorithm {
	case AlgorithmRuleBased:
		program, err := ParseProgram(cfg.Program)
		if err != nil {
			return nil, err
		}
		selection, err := Evaluate(program, input.Attributes)
		if err != nil {
			return nil, err
		}
		if len(selection) == 0 {
			selection = cfg.Connectors
		}
		return selection, nil
	case AlgorithmStraightThrough, AlgorithmRoundRobin, AlgorithmMaxConversion, AlgorithmMinCost:
		return cfg.Connectors, nil
	default:
		return nil, errors.Errorf("unknown routing algorithm %q", cfg.Algorithm)
	}
}

// filterEligible drops connectors whose account is missing, disabled or
// malformed, and those not supporting the requested payment method. A
// skipped candidate never fails the whole decision.
func (e *Engine) filterEligible(ctx context.Context, input Input, ordered []string) ([]Candidate, error) {
	accounts, err := e.source.ListAccounts(ctx, input.MerchantID)
	if err != nil {
		return nil, errors.Wrap(err, "listing connector accounts")
	}

	byConnector := make(map[string]*payment.MerchantConnectorAccount, len(accounts))
	for _, account := range accounts {
		byConnector[account.Connector] = account
	}

	var eligible []Candidate
	for _, name := range ordered {
		account, ok := byConnector[name]
		if !ok || account.Disabled {
			e.logger.DebugContext(ctx, "Skipping connector without usable account", "connector", name)
			continue
		}
		if _, err := connector.AuthTypeFromAccount(*account); err != nil {
			e.logger.WarnContext(ctx, "Skipping connector with malformed credentials", "connector", name, "error", err)
			continue
		}

		impl, ok := e.registry.Resolve(name)
		if !ok {
			e.logger.WarnContext(ctx, "Skipping unregistered connector", "connector", name)
			continue
		}
		if !impl.SupportsPaymentMethod(input.Attributes.PaymentMethod) {
			continue
		}
		if len(account.PaymentMethods) > 0 && !contains(account.PaymentMethods, input.Attributes.PaymentMethod) {
			continue
		}

		eligible = append(eligible, Candidate{Connector: name, Account: account})
	}
	return eligible, nil
}

func rotate(candidates []Candidate, offset int) []Candidate {
	if len(candidates) == 0 {
		return candidates
	}
	offset = offset % len(candidates)
	rotated := make([]Candidate, 0, len(candidates))
	rotated = append(rotated, candidates[offset:]...)
	rotated = append(rotated, candidates[:offset]...)
	return rotated
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
