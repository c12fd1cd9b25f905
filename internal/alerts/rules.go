package alerts

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"topiary/internal/plant"
)

const (
	RuleImpossibleScenario = "impossible_scenario"
	RuleLowHeaderPressure  = "low_header_pressure"
	RuleHighConsumption    = "high_specific_consumption"
)

const (
	MinHeaderPressure = 7.5  // bar
	GridLoadTieBreak  = 40.0 // TR1 above this points at the condensing turbine
	MinOnlinePower    = 1.0  // MW
	MaxSpecificCons   = 7.0  // T/MW

	RecommendLowerGTAA = "Lower GTA A Load"
	RecommendCheckCAP  = "Check CAP Consumption"
	turbineCount       = 3

	// float64 times 10^decimals stays exact well inside this many mantissa bits.
	exactPrec = 1024
)

// Rule inspects one (state, setpoints) pair and produces at most one alert.
type Rule interface {
	Name() string
	Check(state plant.PlantState, sp plant.Setpoints) (plant.Alert, bool)
}

// DefaultRules returns the plant rules in evaluation order.
func DefaultRules() []Rule {
	rules := []Rule{ImpossibleScenario{}, LowHeaderPressure{}}
	for i := 1; i <= turbineCount; i++ {
		rules = append(rules, HighConsumption{Turbine: i})
	}
	return rules
}

// ImpossibleScenario fires when the turbines are asked for more steam than the acid plant
// generates.
type ImpossibleScenario struct{}

func (ImpossibleScenario) Name() string { return RuleImpossibleScenario }

func (ImpossibleScenario) Check(state plant.PlantState, sp plant.Setpoints) (plant.Alert, bool) {
	total := sp.TotalExtraction()
	generated := state.Meta.EstSteamGen
	if !(generated < total) {
		return plant.Alert{}, false
	}
	return plant.Alert{
		Rule:     RuleImpossibleScenario,
		Severity: plant.SeverityCritical,
		Message: fmt.Sprintf(
			"IMPOSSIBLE SCENARIO: Total Extraction (%s T/h) > Generated Steam (%s T/h)",
			strconv.FormatFloat(total, 'f', -1, 64),
			FormatFixed(generated, 0),
		),
		Params: map[string]float64{"total_extraction": total, "est_steam_gen": generated},
	}, true
}

// LowHeaderPressure fires below MinHeaderPressure. The first grid reading decides whether
// the condensing load or the acid plant draw is the likelier cause.
type LowHeaderPressure struct{}

func (LowHeaderPressure) Name() string { return RuleLowHeaderPressure }

func (LowHeaderPressure) Check(state plant.PlantState, _ plant.Setpoints) (plant.Alert, bool) {
	if !(state.MPPressure < MinHeaderPressure) {
		return plant.Alert{}, false
	}
	rec := RecommendCheckCAP
	if state.TR1 > GridLoadTieBreak {
		rec = RecommendLowerGTAA
	}
	return plant.Alert{
		Rule:     RuleLowHeaderPressure,
		Severity: plant.SeverityCritical,
		Message:  fmt.Sprintf("Low MP Pressure (%s bar). Recommendation: %s", FormatFixed(state.MPPressure, 2), rec),
		Params:   map[string]float64{"mp_pressure": state.MPPressure, "tr1": state.TR1},
	}, true
}

// HighConsumption fires when an online turbine burns more than MaxSpecificCons tons of
// steam per MW. Turbines at or below MinOnlinePower are skipped.
type HighConsumption struct {
	Turbine int
}

func (r HighConsumption) Name() string { return fmt.Sprintf("%s_%d", RuleHighConsumption, r.Turbine) }

func (r HighConsumption) Check(state plant.PlantState, sp plant.Setpoints) (plant.Alert, bool) {
	power := state.Power(r.Turbine)
	if !(power > MinOnlinePower) {
		return plant.Alert{}, false
	}
	cs := SpecificConsumption(sp.Admission(r.Turbine), power)
	if !(cs > MaxSpecificCons) {
		return plant.Alert{}, false
	}
	return plant.Alert{
		Rule:     RuleHighConsumption,
		Severity: plant.SeverityWarning,
		Message:  fmt.Sprintf("GTA %d High Consumption: %s T/MW", r.Turbine, FormatFixed(cs, 1)),
		Params:   map[string]float64{"turbine": float64(r.Turbine), "specific_consumption": cs},
	}, true
}

// SpecificConsumption is admission over power, T/MW. Callers guard the denominator.
func SpecificConsumption(admission, power float64) float64 {
	return admission / power
}

// FormatFixed renders v with the given decimals. The exact binary value is rounded and an
// exact tie goes to the larger magnitude: 0.125 gives "0.13", while 0.015, stored just below
// the tie, gives "0.01".
func FormatFixed(v float64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', decimals, 64)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Float).SetPrec(exactPrec).SetFloat64(math.Abs(v))
	scaled.Mul(scaled, new(big.Float).SetPrec(exactPrec).SetInt(scale))
	n, _ := scaled.Int(nil)
	frac := new(big.Float).SetPrec(exactPrec).Sub(scaled, new(big.Float).SetPrec(exactPrec).SetInt(n))
	if frac.Cmp(big.NewFloat(0.5)) >= 0 {
		n.Add(n, big.NewInt(1))
	}

	digits := n.String()
	if decimals > 0 {
		if len(digits) <= decimals {
			digits = strings.Repeat("0", decimals-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-decimals] + "." + digits[len(digits)-decimals:]
	}
	if v < 0 {
		digits = "-" + digits
	}
	return digits
}
