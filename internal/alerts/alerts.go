package alerts

import (
	"fmt"
	"math"
)

// Channel kinds with threshold rules.
const (
	KindTemperature = "temperature"
	KindFlowrate    = "flowrate"
	KindPower       = "power"
)

// Rule defines a hysteresis threshold rule for one channel kind. Trigger and
// Clear are deliberately separate bounds; a value between them changes nothing.
type Rule struct {
	Trigger  func(v float64) bool
	Clear    func(v float64) bool
	Describe func(v float64) string
}

// Evaluator decides whether a value raises or resolves an alert.
type Evaluator interface {
	Has(kind string) bool
	EvaluateTrigger(kind string, v float64) (bool, string)
	EvaluateClear(kind string, v float64) bool
}

// RuleSet is a fixed mapping from channel kind to Rule.
type RuleSet struct {
	rules map[string]Rule
}

// NewRuleSet builds a RuleSet from explicit bindings.
func NewRuleSet(rules map[string]Rule) *RuleSet {
	cp := make(map[string]Rule, len(rules))
	for k, r := range rules {
		cp[k] = r
	}
	return &RuleSet{rules: cp}
}

// DefaultRules returns the site thresholds:
//
//	temperature  trigger > 40.0   clear <= 35.0
//	flowrate     trigger > 12.0   clear <= 10.0
//	power        trigger == 0.0   clear > 0.0
func DefaultRules() *RuleSet {
	return NewRuleSet(map[string]Rule{
		KindTemperature: {
			Trigger: func(v float64) bool { return v > 40.0 },
			Clear:   func(v float64) bool { return v <= 35.0 },
			Describe: func(v float64) string {
				return fmt.Sprintf("Temperature CRITICAL HIGH: %.1f°C (Threshold: 40.0°C)", v)
			},
		},
		KindFlowrate: {
			Trigger: func(v float64) bool { return v > 12.0 },
			Clear:   func(v float64) bool { return v <= 10.0 },
			Describe: func(v float64) string {
				return fmt.Sprintf("Flowrate CRITICAL HIGH: %.2fL/s (Threshold: 12.0L/s)", v)
			},
		},
		KindPower: {
			Trigger: func(v float64) bool { return v == 0.0 },
			Clear:   func(v float64) bool { return v > 0.0 },
			Describe: func(v float64) string {
				return fmt.Sprintf("Power CRITICAL OUTAGE: %.2fkW (NO POWER AT SITE)", v)
			},
		},
	})
}

// Has reports whether kind has a rule binding.
func (rs *RuleSet) Has(kind string) bool {
	_, ok := rs.rules[kind]
	return ok
}

// EvaluateTrigger reports whether v raises an alert on kind, with the
// condition description when it does.
func (rs *RuleSet) EvaluateTrigger(kind string, v float64) (bool, string) {
	r, ok := rs.rules[kind]
	if !ok || !finite(v) {
		return false, ""
	}
	if !r.Trigger(v) {
		return false, ""
	}
	return true, r.Describe(v)
}

// EvaluateClear reports whether v resolves an active alert on kind.
func (rs *RuleSet) EvaluateClear(kind string, v float64) bool {
	r, ok := rs.rules[kind]
	if !ok || !finite(v) {
		return false
	}
	return r.Clear(v)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
