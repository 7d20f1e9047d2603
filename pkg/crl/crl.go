// Package crl computes the Composite Run Loss: one scalar per run combining
// quality, cost and safety signals. Lower is better; 0 is a perfect run.
package crl

import "time"

// Normalization caps for the count-valued terms.
const (
	SecurityCap    = 10.0
	APIBreakageCap = 5.0
)

// Terms are the nine run-quality signals for one run.
// Counts are kept as float64 so replay can average them across seeds.
type Terms struct {
	GatePass          float64 `json:"gate_pass"`           // [0,1] fraction of gates passed
	Contradictions    float64 `json:"contradictions"`      // [0,1] contradiction rate
	Grounding         float64 `json:"grounding"`           // [0,1]
	CostOverBudgetPct float64 `json:"cost_over_budget_pct"` // fraction over budget, clamped at 1 when weighted
	LatencyP95Norm    float64 `json:"latency_p95_norm"`    // [0,1] p95 latency / cap
	SecurityCriticals float64 `json:"security_criticals"`  // count, normalized by SecurityCap
	APIBreakages      float64 `json:"api_breakages"`       // count, normalized by APIBreakageCap
	DBMigrationFail   float64 `json:"db_migration_fail"`   // 0 or 1
	RAGCoverage       float64 `json:"rag_coverage"`        // [0,1] cited claims fraction
}

// PerfectTerms returns the terms of a run with nothing wrong.
func PerfectTerms() Terms {
	return Terms{GatePass: 1, Grounding: 1, RAGCoverage: 1}
}

// Weights holds one non-negative weight per term. They should sum to 1.
type Weights struct {
	GatePass       float64 `json:"gate_pass"`
	Contradictions float64 `json:"contradictions"`
	Grounding      float64 `json:"grounding"`
	Cost           float64 `json:"cost"`
	Latency        float64 `json:"latency"`
	Security       float64 `json:"security"`
	APIBreakages   float64 `json:"api_breakages"`
	DBMigration    float64 `json:"db_migration"`
	RAGCoverage    float64 `json:"rag_coverage"`
}

// DefaultWeights returns the platform default weighting.
func DefaultWeights() Weights {
	return Weights{
		GatePass:       0.25,
		Contradictions: 0.15,
		Grounding:      0.15,
		Cost:           0.10,
		Latency:        0.05,
		Security:       0.10,
		APIBreakages:   0.08,
		DBMigration:    0.05,
		RAGCoverage:    0.07,
	}
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.GatePass + w.Contradictions + w.Grounding + w.Cost + w.Latency +
		w.Security + w.APIBreakages + w.DBMigration + w.RAGCoverage
}

// Result is the stored outcome for one run.
type Result struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Terms     Terms     `json:"terms"`
	Weights   Weights   `json:"weights"`
	Loss      float64   `json:"loss"`
}

// Clamp01 limits x to [0,1].
func Clamp01(x float64) float64 {
	return max(0, min(1, x))
}

// Compute returns the weighted loss for terms.
func Compute(t Terms, w Weights) float64 {
	return w.GatePass*(1-t.GatePass) +
		w.Contradictions*t.Contradictions +
		w.Grounding*(1-t.Grounding) +
		w.Cost*Clamp01(t.CostOverBudgetPct) +
		w.Latency*t.LatencyP95Norm +
		w.Security*Clamp01(t.SecurityCriticals/SecurityCap) +
		w.APIBreakages*Clamp01(t.APIBreakages/APIBreakageCap) +
		w.DBMigration*t.DBMigrationFail +
		w.RAGCoverage*(1-t.RAGCoverage)
}

// Add returns the element-wise sum of two term sets.
func (t Terms) Add(o Terms) Terms {
	return Terms{
		GatePass:          t.GatePass + o.GatePass,
		Contradictions:    t.Contradictions + o.Contradictions,
		Grounding:         t.Grounding + o.Grounding,
		CostOverBudgetPct: t.CostOverBudgetPct + o.CostOverBudgetPct,
		LatencyP95Norm:    t.LatencyP95Norm + o.LatencyP95Norm,
		SecurityCriticals: t.SecurityCriticals + o.SecurityCriticals,
		APIBreakages:      t.APIBreakages + o.APIBreakages,
		DBMigrationFail:   t.DBMigrationFail + o.DBMigrationFail,
		RAGCoverage:       t.RAGCoverage + o.RAGCoverage,
	}
}

// Scale multiplies every term by f.
func (t Terms) Scale(f float64) Terms {
	return Terms{
		GatePass:          t.GatePass * f,
		Contradictions:    t.Contradictions * f,
		Grounding:         t.Grounding * f,
		CostOverBudgetPct: t.CostOverBudgetPct * f,
		LatencyP95Norm:    t.LatencyP95Norm * f,
		SecurityCriticals: t.SecurityCriticals * f,
		APIBreakages:      t.APIBreakages * f,
		DBMigrationFail:   t.DBMigrationFail * f,
		RAGCoverage:       t.RAGCoverage * f,
	}
}

// Mean averages a set of terms. The mean of no terms is the zero value.
func Mean(all []Terms) Terms {
	if len(all) == 0 {
		return Terms{}
	}
	var sum Terms
	for _, t := range all {
		sum = sum.Add(t)
	}
	return sum.Scale(1 / float64(len(all)))
}
