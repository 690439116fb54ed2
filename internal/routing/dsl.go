package routing

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// The rule DSL is a small interpreted program merchants author via the
// dashboard: an ordered list of rules, each holding one or more statements
// of ANDed comparisons over payment attributes. The first rule with a
// matching statement wins; evaluation is a pure function with no side
// effects, so the same interpreter can back other decision rules.

type Program struct {
	DefaultSelection []string `json:"defaultSelection"`
	Rules            []Rule   `json:"rules"`
}

type Rule struct {
	Name       string      `json:"name"`
	Selection  []string    `json:"connectorSelection"`
	Statements []Statement `json:"statements"`
}

// Statement matches when all its conditions hold.
type Statement struct {
	Conditions []Comparison `json:"conditions"`
}

type Operator string

const (
	OpEqual       Operator = "equal"
	OpNotEqual    Operator = "not_equal"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

type Comparison struct {
	Field    string          `json:"field"`
	Operator Operator        `json:"operator"`
	Value    json.RawMessage `json:"value"`
}

// BackendInput is the payment attribute schema rule programs evaluate over.
type BackendInput struct {
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
	PaymentMethod      string `json:"payment_method"`
	CardNetwork        string `json:"card_network"`
	AuthenticationType string `json:"authentication_type"`
	CaptureMethod      string `json:"capture_method"`
	BillingCountry     string `json:"billing_country"`
	BusinessCountry    string `json:"business_country"`
}

func ParseProgram(raw []byte) (*Program, error) {
	var program Program
	if err := json.Unmarshal(raw, &program); err != nil {
		return nil, errors.Wrap(err, "parsing routing program")
	}
	return &program, nil
}

// Evaluate returns the connector selection of the first matching rule, or
// the program's default selection when no rule matches.
func Evaluate(program *Program, input BackendInput) ([]string, error) {
	for _, rule := range program.Rules {
		matched, err := ruleMatches(rule, input)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluating rule %q", rule.Name)
		}
		if matched {
			return rule.Selection, nil
		}
	}
	return program.DefaultSelection, nil
}

func ruleMatches(rule Rule, input BackendInput) (bool, error) {
	for _, statement := range rule.Statements {
		matched, err := statementMatches(statement, input)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func statementMatches(statement Statement, input BackendInput) (bool, error) {
	for _, condition := range statement.Conditions {
		matched, err := compare(condition, input)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return len(statement.Conditions) > 0, nil
}

func compare(c Comparison, input BackendInput) (bool, error) {
	if c.Field == "amount" {
		return compareNumeric(c, input.Amount)
	}
	return compareString(c, fieldValue(c.Field, input))
}

func fieldValue(field string, input BackendInput) string {
	switch field {
	case "currency":
		return input.Currency
	case "payment_method":
		return input.PaymentMethod
	case "card_network":
		return input.CardNetwork
	case "authentication_type":
		return input.AuthenticationType
	case "capture_method":
		return input.CaptureMethod
	case "billing_country":
		return input.BillingCountry
	case "business_country":
		return input.BusinessCountry
	default:
		return ""
	}
}

func compareNumeric(c Comparison, actual int64) (bool, error) {
	switch c.Operator {
	case OpEqual, OpNotEqual, OpGreaterThan, OpLessThan:
		var expected int64
		if err := json.Unmarshal(c.Value, &expected); err != nil {
			return false, errors.Wrap(err, "numeric comparison value")
		}
		switch c.Operator {
		case OpEqual:
			return actual == expected, nil
		case OpNotEqual:
			return actual != expected, nil
		case OpGreaterThan:
			return actual > expected, nil
		default:
			return actual < expected, nil
		}
	case OpIn, OpNotIn:
		var expected []int64
		if err := json.Unmarshal(c.Value, &expected); err != nil {
			return false, errors.Wrap(err, "numeric set comparison value")
		}
		found := false
		for _, v := range expected {
			if v == actual {
				found = true
				break
			}
		}
		if c.Operator == OpIn {
			return found, nil
		}
		return !found, nil
	default:
		return false, errors.Errorf("unsupported operator %q", c.Operator)
	}
}

func compareString(c Comparison, actual string) (bool, error) {
	switch c.Operator {
	case OpEqual, OpNotEqual:
		var expected string
		if err := json.Unmarshal(c.Value, &expected); err != nil {
			return false, errors.Wrap(err, "string comparison value")
		}
		if c.Operator == OpEqual {
			return actual == expected, nil
		}
		return actual != expected, nil
	case OpIn, OpNotIn:
		var expected []string
		if err := json.Unmarshal(c.Value, &expected); err != nil {
			return false, errors.Wrap(err, "string set comparison value")
		}
		found := false
		for _, v := range expected {
			if v == actual {
				found = true
				break
			}
		}
		if c.Operator == OpIn {
			return found, nil
		}
		return !found, nil
	default:
		return false, errors.Errorf("operator %q not applicable to field %q", c.Operator, c.Field)
	}
}
