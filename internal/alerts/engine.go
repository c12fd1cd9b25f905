// Package alerts derives operator alerts from a plant state and the setpoints that produced
// it. Evaluation is pure: no I/O, no state kept between calls.
package alerts

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"topiary/internal/plant"
)

// RuleEvaluationError reports a rule that panicked. The default rules never do; the type
// exists so a custom rule cannot take the pipeline down.
type RuleEvaluationError struct {
	Rule  string
	Cause any
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("alert rule %s: %v", e.Rule, e.Cause)
}

type Engine struct {
	rules []Rule
	log   logrus.FieldLogger
}

// NewEngine evaluates rules in the given order; nil means DefaultRules.
func NewEngine(rules []Rule, log logrus.FieldLogger) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{rules: rules, log: log.WithField("component", "alerts")}
}

// Evaluate runs every rule and returns the alerts that fired, in rule order. The result is
// never nil.
func (e *Engine) Evaluate(state plant.PlantState, sp plant.Setpoints) []plant.Alert {
	out := make([]plant.Alert, 0, len(e.rules))
	for _, rule := range e.rules {
		alert, ok, err := check(rule, state, sp)
		if err != nil {
			e.log.WithError(err).Error("alert rule skipped")
			continue
		}
		if ok {
			out = append(out, alert)
		}
	}
	return out
}

// Evaluate runs DefaultRules through an engine that logs to the standard logger.
func Evaluate(state plant.PlantState, sp plant.Setpoints) []plant.Alert {
	return NewEngine(nil, nil).Evaluate(state, sp)
}

func check(rule Rule, state plant.PlantState, sp plant.Setpoints) (alert plant.Alert, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RuleEvaluationError{Rule: rule.Name(), Cause: r}
			ok = false
		}
	}()
	alert, ok = rule.Check(state, sp)
	return alert, ok, nil
}

// Counts returns how many critical and warning alerts are in list.
func Counts(list []plant.Alert) (critical, warning int) {
	for _, a := range list {
		switch a.Severity {
		case plant.SeverityCritical:
			critical++
		case plant.SeverityWarning:
			warning++
		}
	}
	return critical, warning
}
