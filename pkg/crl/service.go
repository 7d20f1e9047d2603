package crl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"learnops/pkg/logx"
	"learnops/pkg/metrics"
	"learnops/pkg/opserrors"
	"learnops/pkg/persistence"
)

// CostSource supplies a run's spend from outside the telemetry tables.
// ok is false when the source has nothing for the run.
type CostSource interface {
	RunSpend(ctx context.Context, runID string) (spend float64, ok bool, err error)
}

// ServiceOptions configures a Service. Zero values fall back to defaults.
type ServiceOptions struct {
	CostSource     CostSource
	Recorder       metrics.Recorder
	Retry          *persistence.RetryPolicy
	DefaultWeights *Weights
	LatencyCapMS   float64
}

// Service computes, stores and queries CRL results.
type Service struct {
	store     *persistence.Store
	telemetry *TelemetryStore
	cost      CostSource
	recorder  metrics.Recorder
	retry     *persistence.RetryPolicy
	logger    *logx.Logger
	now       func() time.Time
	defaults  Weights
	latencyMS float64
}

// NewService creates a CRL service backed by store.
func NewService(store *persistence.Store, opts ServiceOptions) *Service {
	s := &Service{
		store:     store,
		telemetry: NewTelemetryStore(store),
		cost:      opts.CostSource,
		recorder:  opts.Recorder,
		retry:     opts.Retry,
		logger:    logx.NewLogger("crl"),
		now:       time.Now,
		defaults:  DefaultWeights(),
		latencyMS: opts.LatencyCapMS,
	}
	if opts.DefaultWeights != nil {
		s.defaults = *opts.DefaultWeights
	}
	if s.recorder == nil {
		s.recorder = metrics.Nop()
	}
	if s.retry == nil {
		s.retry = persistence.NewRetryPolicy(persistence.DefaultRetryConfig, nil)
	}
	if s.latencyMS <= 0 {
		s.latencyMS = 30000
	}
	return s
}

// Telemetry returns the underlying telemetry store.
func (s *Service) Telemetry() *TelemetryStore {
	return s.telemetry
}

// Terms fetches the CRL terms for a run, applying the external cost source if configured.
func (s *Service) Terms(ctx context.Context, runID string) (Terms, error) {
	terms, err := s.telemetry.Terms(ctx, runID, s.latencyMS)
	if err != nil {
		return Terms{}, err
	}

	if s.cost != nil {
		spend, ok, err := s.cost.RunSpend(ctx, runID)
		switch {
		case err != nil:
			s.logger.Warn("cost source unavailable for run %s, using recorded spend: %v", runID, err)
		case ok:
			budget, hasBudget, err := s.budget(ctx, runID)
			if err != nil {
				return Terms{}, err
			}
			if hasBudget {
				terms.CostOverBudgetPct = CostOverBudget(spend, budget)
			}
		}
	}
	return terms, nil
}

func (s *Service) budget(ctx context.Context, runID string) (float64, bool, error) {
	var budget float64
	err := s.store.DB().QueryRowContext(ctx, `SELECT budget_usd FROM cost_tracking WHERE run_id = ?`, runID).Scan(&budget)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read budget: %w", err)
	}
	return budget, true, nil
}

// WeightsFor resolves the weights for a run: run override, then tenant override, then defaults.
func (s *Service) WeightsFor(ctx context.Context, runID string) (Weights, error) {
	w, err := s.telemetry.WeightOverride(ctx, ScopeRun, runID)
	if err != nil {
		return Weights{}, err
	}
	if w != nil {
		return *w, nil
	}

	run, err := s.telemetry.GetRun(ctx, runID)
	if err != nil && !opserrors.IsNotFound(err) {
		return Weights{}, err
	}
	if run != nil && run.TenantID != "" {
		w, err = s.telemetry.WeightOverride(ctx, ScopeTenant, run.TenantID)
		if err != nil {
			return Weights{}, err
		}
		if w != nil {
			return *w, nil
		}
	}
	return s.defaults, nil
}

// Compute aggregates terms for runID, scores them and upserts the result.
func (s *Service) Compute(ctx context.Context, runID string) (*Result, error) {
	if runID == "" {
		return nil, opserrors.Validation("crl.compute", "run id is required")
	}

	terms, err := s.Terms(ctx, runID)
	if err != nil {
		return nil, err
	}
	weights, err := s.WeightsFor(ctx, runID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		RunID:     runID,
		Terms:     terms,
		Weights:   weights,
		Loss:      Compute(terms, weights),
		Timestamp: s.now().UTC(),
	}
	if err := s.Save(ctx, result); err != nil {
		return nil, err
	}

	phase := ""
	if run, err := s.telemetry.GetRun(ctx, runID); err == nil {
		phase = run.Phase
	}
	s.recorder.ObserveCRL(phase, result.Loss)
	logx.Debug(logx.WithComponent(ctx, "crl"), "crl", "run %s loss=%.4f", runID, result.Loss)
	return result, nil
}

// Save upserts a result keyed by run id.
func (s *Service) Save(ctx context.Context, r *Result) error {
	termsJSON, err := persistence.EncodeJSON(r.Terms)
	if err != nil {
		return err
	}
	weightsJSON, err := persistence.EncodeJSON(r.Weights)
	if err != nil {
		return err
	}

	return s.retry.Do(ctx, "crl.save", func(ctx context.Context) error {
		_, err := s.store.DB().ExecContext(ctx, `
			INSERT INTO crl_results (run_id, loss_value, terms, weights, timestamp)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				loss_value = excluded.loss_value,
				terms = excluded.terms,
				weights = excluded.weights,
				timestamp = excluded.timestamp`,
			r.RunID, r.Loss, termsJSON, weightsJSON, persistence.FormatTime(r.Timestamp))
		if err != nil {
			return fmt.Errorf("failed to upsert crl result %s: %w", r.RunID, err)
		}
		return nil
	})
}

// Get returns the stored result for a run.
func (s *Service) Get(ctx context.Context, runID string) (*Result, error) {
	var (
		r                    Result
		termsRaw, weightsRaw sql.NullString
		ts                   string
	)
	err := s.store.DB().QueryRowContext(ctx,
		`SELECT run_id, loss_value, terms, weights, timestamp FROM crl_results WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.Loss, &termsRaw, &weightsRaw, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, opserrors.NotFound("crl.get", "crl result", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crl result %s: %w", runID, err)
	}
	if err := persistence.DecodeJSON(termsRaw, &r.Terms); err != nil {
		return nil, err
	}
	if err := persistence.DecodeJSON(weightsRaw, &r.Weights); err != nil {
		return nil, err
	}
	if r.Timestamp, err = persistence.ParseTime(ts); err != nil {
		return nil, err
	}
	return &r, nil
}

// TrendQuery filters the daily loss trend.
type TrendQuery struct {
	TenantID string `json:"tenant_id,omitempty"`
	Phase    string `json:"phase,omitempty"`
	Days     int    `json:"days,omitempty"` // trailing window, default 30
}

// TrendBucket summarizes one day of results.
type TrendBucket struct {
	Day      string  `json:"day"` // YYYY-MM-DD (UTC)
	MeanLoss float64 `json:"mean_loss"`
	MinLoss  float64 `json:"min_loss"`
	MaxLoss  float64 `json:"max_loss"`
	Runs     int     `json:"runs"`
}

// Trend returns daily loss buckets, oldest first. Results for runs without
// run metadata only match unfiltered queries.
func (s *Service) Trend(ctx context.Context, q TrendQuery) ([]TrendBucket, error) {
	if q.Days < 0 {
		return nil, opserrors.Validation("crl.trend", "days must be non-negative, got %d", q.Days)
	}
	if q.Days == 0 {
		q.Days = 30
	}
	since := persistence.FormatTime(s.now().AddDate(0, 0, -q.Days))

	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT substr(c.timestamp, 1, 10) AS day, AVG(c.loss_value), MIN(c.loss_value), MAX(c.loss_value), COUNT(*)
		FROM crl_results c
		LEFT JOIN runs r ON r.run_id = c.run_id
		WHERE c.timestamp >= ?
		  AND (? = '' OR r.tenant_id = ?)
		  AND (? = '' OR r.phase = ?)
		GROUP BY day
		ORDER BY day ASC`,
		since, q.TenantID, q.TenantID, q.Phase, q.Phase)
	if err != nil {
		return nil, fmt.Errorf("failed to query crl trend: %w", err)
	}
	defer func() { _ = rows.Close() }()

	buckets := []TrendBucket{}
	for rows.Next() {
		var b TrendBucket
		if err := rows.Scan(&b.Day, &b.MeanLoss, &b.MinLoss, &b.MaxLoss, &b.Runs); err != nil {
			return nil, fmt.Errorf("failed to scan trend bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trend: %w", err)
	}
	return buckets, nil
}
