package crl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"learnops/pkg/opserrors"
	"learnops/pkg/persistence"
)

// Severity values accepted for security findings.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Weight override scopes. Run scope wins over tenant scope.
const (
	ScopeRun    = "run"
	ScopeTenant = "tenant"
)

// Run describes one orchestrator run.
type Run struct {
	CreatedAt time.Time `json:"created_at"`
	RunID     string    `json:"run_id"`
	TenantID  string    `json:"tenant_id"`
	Phase     string    `json:"phase"`
	Doer      string    `json:"doer"`
	Model     string    `json:"model"`
	PolicyID  string    `json:"policy_id,omitempty"`
}

// Validation is one Q/A/V validation record for a run.
type Validation struct {
	Grounding     float64 `json:"grounding"`
	Specificity   float64 `json:"specificity"`
	Correctness   float64 `json:"correctness"`
	Contradiction bool    `json:"contradiction"`
}

// TelemetryStore records and aggregates the per-run signals CRL terms are built from.
type TelemetryStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewTelemetryStore creates a telemetry store on store.
func NewTelemetryStore(store *persistence.Store) *TelemetryStore {
	return &TelemetryStore{db: store.DB(), now: time.Now}
}

func (t *TelemetryStore) stamp() string {
	return persistence.FormatTime(t.now())
}

// RecordRun upserts run metadata.
func (t *TelemetryStore) RecordRun(ctx context.Context, run Run) error {
	if run.RunID == "" {
		return opserrors.Validation("telemetry.record_run", "run_id is required")
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = t.now()
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, tenant_id, phase, doer, model, policy_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			phase = excluded.phase,
			doer = excluded.doer,
			model = excluded.model,
			policy_id = excluded.policy_id`,
		run.RunID, run.TenantID, run.Phase, run.Doer, run.Model,
		persistence.NullString(run.PolicyID), persistence.FormatTime(created))
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun returns run metadata.
func (t *TelemetryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var (
		run       Run
		policyID  sql.NullString
		createdAt string
	)
	err := t.db.QueryRowContext(ctx, `
		SELECT run_id, tenant_id, phase, doer, model, policy_id, created_at
		FROM runs WHERE run_id = ?`, runID).
		Scan(&run.RunID, &run.TenantID, &run.Phase, &run.Doer, &run.Model, &policyID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, opserrors.NotFound("telemetry.get_run", "run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	run.PolicyID = policyID.String
	if run.CreatedAt, err = persistence.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &run, nil
}

// RecordGate records one gate evaluation.
func (t *TelemetryStore) RecordGate(ctx context.Context, runID, gateID string, passed bool) error {
	return t.exec(ctx, "gate evaluation",
		`INSERT INTO gate_evaluations (run_id, gate_id, passed, created_at) VALUES (?, ?, ?, ?)`,
		runID, gateID, persistence.BoolInt(passed), t.stamp())
}

// RecordValidation records one Q/A/V validation.
func (t *TelemetryStore) RecordValidation(ctx context.Context, runID string, v Validation) error {
	return t.exec(ctx, "validation",
		`INSERT INTO qav_validations (run_id, grounding, contradiction, specificity, correctness, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, v.Grounding, persistence.BoolInt(v.Contradiction), v.Specificity, v.Correctness, t.stamp())
}

// RecordCost upserts a run's spend against its budget.
func (t *TelemetryStore) RecordCost(ctx context.Context, runID string, spendUSD, budgetUSD float64) error {
	return t.exec(ctx, "cost",
		`INSERT INTO cost_tracking (run_id, spend_usd, budget_usd, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET spend_usd = excluded.spend_usd, budget_usd = excluded.budget_usd, updated_at = excluded.updated_at`,
		runID, spendUSD, budgetUSD, t.stamp())
}

// RecordLatency records one task latency.
func (t *TelemetryStore) RecordLatency(ctx context.Context, runID, taskID string, latencyMS float64, timedOut bool) error {
	return t.exec(ctx, "latency",
		`INSERT INTO task_latencies (run_id, task_id, latency_ms, timed_out, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, taskID, latencyMS, persistence.BoolInt(timedOut), t.stamp())
}

// RecordSecurityFinding records a security finding.
func (t *TelemetryStore) RecordSecurityFinding(ctx context.Context, runID, severity, description string) error {
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return opserrors.Validation("telemetry.record_security", "unknown severity %q", severity)
	}
	return t.exec(ctx, "security finding",
		`INSERT INTO security_findings (run_id, severity, description, created_at) VALUES (?, ?, ?, ?)`,
		runID, severity, description, t.stamp())
}

// RecordAPIBreakage records a breaking API change.
func (t *TelemetryStore) RecordAPIBreakage(ctx context.Context, runID, endpoint, description string) error {
	return t.exec(ctx, "api breakage",
		`INSERT INTO api_breakages (run_id, endpoint, description, created_at) VALUES (?, ?, ?, ?)`,
		runID, endpoint, description, t.stamp())
}

// RecordMigrationRehearsal records a migration rehearsal outcome.
func (t *TelemetryStore) RecordMigrationRehearsal(ctx context.Context, runID string, success bool) error {
	return t.exec(ctx, "migration rehearsal",
		`INSERT INTO migration_rehearsals (run_id, success, created_at) VALUES (?, ?, ?)`,
		runID, persistence.BoolInt(success), t.stamp())
}

// RecordRAGCitations records a citation report.
func (t *TelemetryStore) RecordRAGCitations(ctx context.Context, runID string, claims, cited int) error {
	if claims < 0 || cited < 0 || cited > claims {
		return opserrors.Validation("telemetry.record_rag", "invalid citation counts: %d cited of %d claims", cited, claims)
	}
	return t.exec(ctx, "rag citations",
		`INSERT INTO rag_citation_reports (run_id, claims, cited, created_at) VALUES (?, ?, ?, ?)`,
		runID, claims, cited, t.stamp())
}

// SetWeightOverride stores weights for a run or tenant.
func (t *TelemetryStore) SetWeightOverride(ctx context.Context, scope, scopeID string, w Weights) error {
	if scope != ScopeRun && scope != ScopeTenant {
		return opserrors.Validation("telemetry.set_weights", "unknown scope %q", scope)
	}
	encoded, err := persistence.EncodeJSON(w)
	if err != nil {
		return err
	}
	return t.exec(ctx, "weight override",
		`INSERT INTO crl_weight_overrides (scope, scope_id, weights, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(scope, scope_id) DO UPDATE SET weights = excluded.weights, updated_at = excluded.updated_at`,
		scope, scopeID, encoded, t.stamp())
}

// WeightOverride returns the override for scope/scopeID, if any.
func (t *TelemetryStore) WeightOverride(ctx context.Context, scope, scopeID string) (*Weights, error) {
	var raw sql.NullString
	err := t.db.QueryRowContext(ctx,
		`SELECT weights FROM crl_weight_overrides WHERE scope = ? AND scope_id = ?`, scope, scopeID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // no override
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read weight override: %w", err)
	}
	var w Weights
	if err := persistence.DecodeJSON(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (t *TelemetryStore) exec(ctx context.Context, what, query string, args ...any) error {
	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record %s: %w", what, err)
	}
	return nil
}

// Terms aggregates all telemetry for runID into CRL terms. latencyCapMS normalizes
// the p95 task latency. A run with no telemetry in any source is not found.
func (t *TelemetryStore) Terms(ctx context.Context, runID string, latencyCapMS float64) (Terms, error) {
	var (
		terms Terms
		found bool
	)

	// Gate pass rate.
	var gateTotal, gatePassed int
	if err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(passed), 0) FROM gate_evaluations WHERE run_id = ?`, runID).
		Scan(&gateTotal, &gatePassed); err != nil {
		return Terms{}, fmt.Errorf("failed to aggregate gates: %w", err)
	}
	terms.GatePass = 1
	if gateTotal > 0 {
		found = true
		terms.GatePass = float64(gatePassed) / float64(gateTotal)
	}

	// Q/A/V: contradiction rate and mean grounding.
	var (
		qavCount       int
		contra, ground sql.NullFloat64
	)
	if err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(contradiction), AVG(grounding) FROM qav_validations WHERE run_id = ?`, runID).
		Scan(&qavCount, &contra, &ground); err != nil {
		return Terms{}, fmt.Errorf("failed to aggregate validations: %w", err)
	}
	terms.Grounding = 1
	if qavCount > 0 {
		found = true
		terms.Contradictions = contra.Float64
		terms.Grounding = ground.Float64
	}

	// Cost over budget.
	var spend, budget float64
	err := t.db.QueryRowContext(ctx,
		`SELECT spend_usd, budget_usd FROM cost_tracking WHERE run_id = ?`, runID).Scan(&spend, &budget)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Terms{}, fmt.Errorf("failed to read cost: %w", err)
	default:
		found = true
		terms.CostOverBudgetPct = CostOverBudget(spend, budget)
	}

	// P95 latency.
	latencies, err := t.latencies(ctx, runID)
	if err != nil {
		return Terms{}, err
	}
	if len(latencies) > 0 {
		found = true
		if latencyCapMS > 0 {
			terms.LatencyP95Norm = Clamp01(Percentile(latencies, 0.95) / latencyCapMS)
		}
	}

	// Counts.
	var criticals, securityRows, breakages int
	if err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN severity = 'critical' THEN 1 ELSE 0 END), 0)
		 FROM security_findings WHERE run_id = ?`, runID).Scan(&securityRows, &criticals); err != nil {
		return Terms{}, fmt.Errorf("failed to aggregate security findings: %w", err)
	}
	if securityRows > 0 {
		found = true
		terms.SecurityCriticals = float64(criticals)
	}
	if err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_breakages WHERE run_id = ?`, runID).Scan(&breakages); err != nil {
		return Terms{}, fmt.Errorf("failed to aggregate api breakages: %w", err)
	}
	if breakages > 0 {
		found = true
		terms.APIBreakages = float64(breakages)
	}

	// Migration rehearsals: any failure fails the run.
	var rehearsals, failures int
	if err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		 FROM migration_rehearsals WHERE run_id = ?`, runID).Scan(&rehearsals, &failures); err != nil {
		return Terms{}, fmt.Errorf("failed to aggregate migration rehearsals: %w", err)
	}
	if rehearsals > 0 {
		found = true
		if failures > 0 {
			terms.DBMigrationFail = 1
		}
	}

	// RAG coverage.
	var reports, claims, cited int
	if err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(claims), 0), COALESCE(SUM(cited), 0)
		 FROM rag_citation_reports WHERE run_id = ?`, runID).Scan(&reports, &claims, &cited); err != nil {
		return Terms{}, fmt.Errorf("failed to aggregate rag citations: %w", err)
	}
	terms.RAGCoverage = 1
	if reports > 0 {
		found = true
		if claims > 0 {
			terms.RAGCoverage = float64(cited) / float64(claims)
		}
	}

	if !found {
		return Terms{}, opserrors.NotFound("crl.terms", "run", runID)
	}
	return terms, nil
}

func (t *TelemetryStore) latencies(ctx context.Context, runID string) ([]float64, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT latency_ms FROM task_latencies WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read latencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan latency: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate latencies: %w", err)
	}
	return out, nil
}

// CostOverBudget returns the overspend as a fraction of budget. No budget means no overspend.
func CostOverBudget(spend, budget float64) float64 {
	if budget <= 0 {
		return 0
	}
	return math.Max(0, spend-budget) / budget
}

// Percentile returns the nearest-rank percentile p in [0,1] of values.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(Clamp01(p), stat.Empirical, sorted, nil)
}
