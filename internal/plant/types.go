// Package plant holds the value types shared by the twin pipeline: operator setpoints, the
// plant state returned by the simulation oracle, derived alerts and advisory messages.
package plant

import (
	"fmt"
	"time"
)

const (
	FieldSulfurIn = "sulfur_in"
	FieldAdm1     = "adm1"
	FieldAdm2     = "adm2"
	FieldAdm3     = "adm3"
)

// Fields lists the operator-controlled setpoint names in display order.
var Fields = []string{FieldSulfurIn, FieldAdm1, FieldAdm2, FieldAdm3}

const (
	SetpointMin = 0.0
	SetpointMax = 220.0
)

// Setpoints is a value type; every edit produces a new snapshot.
type Setpoints struct {
	SulfurIn   float64 `json:"sulfur_in" yaml:"sulfur_in"`
	Admission1 float64 `json:"adm1" yaml:"adm1"`
	Admission2 float64 `json:"adm2" yaml:"adm2"`
	Admission3 float64 `json:"adm3" yaml:"adm3"`
}

// DefaultSetpoints is the operating point the dashboard opens on.
func DefaultSetpoints() Setpoints {
	return Setpoints{SulfurIn: 100, Admission1: 150, Admission2: 150, Admission3: 150}
}

// Get returns the named field.
func (s Setpoints) Get(field string) (float64, bool) {
	switch field {
	case FieldSulfurIn:
		return s.SulfurIn, true
	case FieldAdm1:
		return s.Admission1, true
	case FieldAdm2:
		return s.Admission2, true
	case FieldAdm3:
		return s.Admission3, true
	default:
		return 0, false
	}
}

// With returns a copy of s with one field replaced. The receiver is never modified.
func (s Setpoints) With(field string, value float64) (Setpoints, bool) {
	switch field {
	case FieldSulfurIn:
		s.SulfurIn = value
	case FieldAdm1:
		s.Admission1 = value
	case FieldAdm2:
		s.Admission2 = value
	case FieldAdm3:
		s.Admission3 = value
	default:
		return s, false
	}
	return s, true
}

// Admission returns the admission of turbine i (1..3).
func (s Setpoints) Admission(i int) float64 {
	switch i {
	case 1:
		return s.Admission1
	case 2:
		return s.Admission2
	case 3:
		return s.Admission3
	default:
		return 0
	}
}

func (s Setpoints) Admissions() [3]float64 {
	return [3]float64{s.Admission1, s.Admission2, s.Admission3}
}

// TotalExtraction is the steam drawn by the three extraction turbines, T/h.
func (s Setpoints) TotalExtraction() float64 {
	return s.Admission1 + s.Admission2 + s.Admission3
}

func (s Setpoints) String() string {
	return fmt.Sprintf("sulfur=%g adm=%g/%g/%g", s.SulfurIn, s.Admission1, s.Admission2, s.Admission3)
}

type Meta struct {
	EstSteamGen      float64 `json:"est_steam_gen" yaml:"est_steam_gen"`
	VapDispo         float64 `json:"vap_dispo" yaml:"vap_dispo"`
	TotalPower       float64 `json:"total_power" yaml:"total_power"`
	GlobalEfficiency float64 `json:"global_efficiency" yaml:"global_efficiency"`
}

// PlantState is the simulation oracle's answer for one Setpoints snapshot. It is read-only
// once decoded.
type PlantState struct {
	PGTA1      float64 `json:"P_GTA1" yaml:"P_GTA1"`
	PGTA2      float64 `json:"P_GTA2" yaml:"P_GTA2"`
	PGTA3      float64 `json:"P_GTA3" yaml:"P_GTA3"`
	PGTAA      float64 `json:"P_GTAA" yaml:"P_GTAA"`
	PGTAB      float64 `json:"P_GTAB" yaml:"P_GTAB"`
	MPPressure float64 `json:"MP_Pressure" yaml:"MP_Pressure"`
	TR1        float64 `json:"TR1" yaml:"TR1"`
	TR2        float64 `json:"TR2" yaml:"TR2"`
	TR3        float64 `json:"TR3" yaml:"TR3"`
	Sout1      float64 `json:"Sout1" yaml:"Sout1"`
	Sout2      float64 `json:"Sout2" yaml:"Sout2"`
	Sout3      float64 `json:"Sout3" yaml:"Sout3"`
	HPTR       float64 `json:"HP_TR" yaml:"HP_TR"`
	MPTR       float64 `json:"MP_TR" yaml:"MP_TR"`
	Meta       Meta    `json:"meta" yaml:"meta"`
}

// Power returns the electrical output of extraction turbine i (1..3), MW.
func (p PlantState) Power(i int) float64 {
	switch i {
	case 1:
		return p.PGTA1
	case 2:
		return p.PGTA2
	case 3:
		return p.PGTA3
	default:
		return 0
	}
}

// Extraction returns the MP steam drawn from extraction turbine i (1..3), T/h.
func (p PlantState) Extraction(i int) float64 {
	switch i {
	case 1:
		return p.Sout1
	case 2:
		return p.Sout2
	case 3:
		return p.Sout3
	default:
		return 0
	}
}

// TotalMPSteam is the steam entering the MP header: three extractions plus the acid plant feed.
func (p PlantState) TotalMPSteam() float64 {
	return p.Sout1 + p.Sout2 + p.Sout3 + p.MPTR
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Alert is derived from a (PlantState, Setpoints) pair and never persisted.
type Alert struct {
	Rule     string             `json:"rule" yaml:"rule"`
	Severity Severity           `json:"severity" yaml:"severity"`
	Message  string             `json:"message" yaml:"message"`
	Params   map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
}

type Role string

const (
	RoleOperator  Role = "operator"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type AdvisoryMessage struct {
	ID        string    `json:"id" yaml:"id"`
	Role      Role      `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}
