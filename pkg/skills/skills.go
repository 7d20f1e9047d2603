// Package skills maintains per-doer skill cards: rolling summaries of CRL
// trend, strengths, weaknesses, best models and failure modes.
package skills

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"learnops/pkg/experiment"
	"learnops/pkg/logx"
	"learnops/pkg/opserrors"
	"learnops/pkg/persistence"
	"learnops/pkg/policy"
)

// TimeoutTag is the failure mode added when a doer times out too often.
const TimeoutTag = "task timeouts"

// ExperimentSummary is the part of an experiment shown on a card.
type ExperimentSummary struct {
	CreatedAt time.Time         `json:"created_at"`
	CRLDelta  *float64          `json:"crl_delta,omitempty"`
	ID        string            `json:"id"`
	Type      experiment.Type   `json:"type"`
	Status    experiment.Status `json:"status"`
}

// Card is the skill card of one doer.
type Card struct {
	LastUpdated   time.Time           `json:"last_updated"`
	Doer          string              `json:"doer"`
	CurrentPolicy string              `json:"current_policy,omitempty"`
	Strengths     []string            `json:"strengths"`
	Weaknesses    []string            `json:"weaknesses"`
	BestModels    []string            `json:"best_models"`
	FailureModes  []string            `json:"failure_modes"`
	Experiments   []ExperimentSummary `json:"experiments"`
	LossDelta7d   float64             `json:"loss_delta_7d"`
	LossDelta30d  float64             `json:"loss_delta_30d"`
}

// PolicySource resolves the active policy. *policy.Store satisfies it.
type PolicySource interface {
	Get(ctx context.Context, doer, version string) (*policy.Record, error)
}

// ExperimentSource lists a doer's experiments. *experiment.Registry satisfies it.
type ExperimentSource interface {
	ListByDoer(ctx context.Context, doer string, limit int) ([]*experiment.Experiment, error)
}

// Options configures a Service.
type Options struct {
	Retry             *persistence.RetryPolicy
	BestModels        int
	FailureModes      int
	TimeoutThreshold  int
	RecentExperiments int
}

// Service computes and stores skill cards.
type Service struct {
	store       *persistence.Store
	policies    PolicySource
	experiments ExperimentSource
	opts        Options
	logger      *logx.Logger
	now         func() time.Time
}

// NewService creates a skill card service.
func NewService(store *persistence.Store, policies PolicySource, experiments ExperimentSource, opts Options) *Service {
	if opts.BestModels <= 0 {
		opts.BestModels = 3
	}
	if opts.FailureModes <= 0 {
		opts.FailureModes = 3
	}
	if opts.TimeoutThreshold <= 0 {
		opts.TimeoutThreshold = 5
	}
	if opts.RecentExperiments <= 0 {
		opts.RecentExperiments = 5
	}
	if opts.Retry == nil {
		opts.Retry = persistence.NewRetryPolicy(persistence.DefaultRetryConfig, nil)
	}
	return &Service{
		store:       store,
		policies:    policies,
		experiments: experiments,
		opts:        opts,
		logger:      logx.NewLogger("skills"),
		now:         time.Now,
	}
}

// Refresh recomputes the doer's card from CRL history, gate and latency
// telemetry, experiments and the active policy, and stores it.
func (s *Service) Refresh(ctx context.Context, doer string) (*Card, error) {
	if doer == "" {
		return nil, opserrors.Validation("skills.refresh", "doer is required")
	}
	now := s.now().UTC()
	card := &Card{Doer: doer, LastUpdated: now}

	var err error
	if card.LossDelta7d, err = s.lossDelta(ctx, doer, now, 7); err != nil {
		return nil, err
	}
	if card.LossDelta30d, err = s.lossDelta(ctx, doer, now, 30); err != nil {
		return nil, err
	}
	monthAgo := persistence.FormatTime(now.AddDate(0, 0, -30))
	if card.Strengths, card.Weaknesses, err = s.traits(ctx, doer, monthAgo); err != nil {
		return nil, err
	}
	if card.BestModels, err = s.bestModels(ctx, doer, monthAgo); err != nil {
		return nil, err
	}
	if card.FailureModes, err = s.failureModes(ctx, doer, monthAgo); err != nil {
		return nil, err
	}

	exps, err := s.experiments.ListByDoer(ctx, doer, s.opts.RecentExperiments)
	if err != nil {
		return nil, err
	}
	card.Experiments = make([]ExperimentSummary, 0, len(exps))
	for _, e := range exps {
		sum := ExperimentSummary{CreatedAt: e.CreatedAt, ID: e.ID, Type: e.Type, Status: e.Status}
		if e.Metrics != nil {
			delta := e.Metrics.CRLDelta
			sum.CRLDelta = &delta
		}
		card.Experiments = append(card.Experiments, sum)
	}

	active, err := s.policies.Get(ctx, doer, "")
	switch {
	case err == nil:
		card.CurrentPolicy = active.ID
	case !opserrors.IsNotFound(err):
		return nil, err
	}

	if err := s.save(ctx, card); err != nil {
		return nil, err
	}
	s.logger.Info("refreshed skill card for %s: 7d delta %+.4f, 30d delta %+.4f", doer, card.LossDelta7d, card.LossDelta30d)
	return card, nil
}

// lossDelta is mean CRL over the trailing window minus the mean over the window before it.
// It is 0 when either window has no results.
func (s *Service) lossDelta(ctx context.Context, doer string, now time.Time, days int) (float64, error) {
	recent, okRecent, err := s.meanLoss(ctx, doer, now.AddDate(0, 0, -days), now)
	if err != nil {
		return 0, err
	}
	prior, okPrior, err := s.meanLoss(ctx, doer, now.AddDate(0, 0, -2*days), now.AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	if !okRecent || !okPrior {
		return 0, nil
	}
	return recent - prior, nil
}

func (s *Service) meanLoss(ctx context.Context, doer string, from, to time.Time) (float64, bool, error) {
	var mean sql.NullFloat64
	err := s.store.DB().QueryRowContext(ctx, `
		SELECT AVG(c.loss_value)
		FROM crl_results c JOIN runs r ON r.run_id = c.run_id
		WHERE r.doer = ? AND c.timestamp >= ? AND c.timestamp < ?`,
		doer, persistence.FormatTime(from), persistence.FormatTime(to)).Scan(&mean)
	if err != nil {
		return 0, false, fmt.Errorf("failed to average CRL for %s: %w", doer, err)
	}
	return mean.Float64, mean.Valid, nil
}

// trait maps a mean term to a strength or weakness tag.
type trait struct {
	term               string
	strongAbove        bool
	strong, weak       float64
	strength, weakness string
}

//nolint:gochecknoglobals // static thresholds
var traitRules = []trait{
	{term: "gate_pass", strongAbove: true, strong: 0.9, weak: 0.7,
		strength: "high gate pass rate", weakness: "low gate pass rate"},
	{term: "contradictions", strongAbove: false, strong: 0.1, weak: 0.2,
		strength: "low contradiction rate", weakness: "frequent contradictions"},
	{term: "grounding", strongAbove: true, strong: 0.85, weak: 0.7,
		strength: "strong grounding", weakness: "weak grounding"},
	{term: "cost_over_budget_pct", strongAbove: false, strong: 0.1, weak: 0.3,
		strength: "budget adherence", weakness: "frequent cost overruns"},
}

func (s *Service) traits(ctx context.Context, doer, since string) (strengths, weaknesses []string, err error) {
	strengths, weaknesses = []string{}, []string{}
	for _, t := range traitRules {
		var mean sql.NullFloat64
		if err := s.store.DB().QueryRowContext(ctx, `
			SELECT AVG(json_extract(c.terms, '$.`+t.term+`'))
			FROM crl_results c JOIN runs r ON r.run_id = c.run_id
			WHERE r.doer = ? AND c.timestamp >= ?`, doer, since).Scan(&mean); err != nil {
			return nil, nil, fmt.Errorf("failed to average %s for %s: %w", t.term, doer, err)
		}
		if !mean.Valid {
			continue
		}
		v := mean.Float64
		if t.strongAbove {
			switch {
			case v > t.strong:
				strengths = append(strengths, t.strength)
			case v < t.weak:
				weaknesses = append(weaknesses, t.weakness)
			}
			continue
		}
		switch {
		case v < t.strong:
			strengths = append(strengths, t.strength)
		case v > t.weak:
			weaknesses = append(weaknesses, t.weakness)
		}
	}
	return strengths, weaknesses, nil
}

func (s *Service) bestModels(ctx context.Context, doer, since string) ([]string, error) {
	return s.strings(ctx, `
		SELECT r.model
		FROM crl_results c JOIN runs r ON r.run_id = c.run_id
		WHERE r.doer = ? AND r.model != '' AND c.timestamp >= ?
		GROUP BY r.model
		ORDER BY AVG(c.loss_value) ASC, r.model ASC
		LIMIT ?`, doer, since, s.opts.BestModels)
}

func (s *Service) failureModes(ctx context.Context, doer, since string) ([]string, error) {
	modes, err := s.strings(ctx, `
		SELECT g.gate_id
		FROM gate_evaluations g JOIN runs r ON r.run_id = g.run_id
		WHERE r.doer = ? AND g.passed = 0 AND g.created_at >= ?
		GROUP BY g.gate_id
		ORDER BY COUNT(*) DESC, g.gate_id ASC
		LIMIT ?`, doer, since, s.opts.FailureModes)
	if err != nil {
		return nil, err
	}

	var timeouts int
	if err := s.store.DB().QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM task_latencies l JOIN runs r ON r.run_id = l.run_id
		WHERE r.doer = ? AND l.timed_out = 1 AND l.created_at >= ?`, doer, since).Scan(&timeouts); err != nil {
		return nil, fmt.Errorf("failed to count timeouts for %s: %w", doer, err)
	}
	if timeouts > s.opts.TimeoutThreshold {
		modes = append(modes, TimeoutTag)
	}
	return modes, nil
}

func (s *Service) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query skill signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// save upserts a computed card.
func (s *Service) save(ctx context.Context, card *Card) error {
	return s.write(ctx, card, `ON CONFLICT (doer) DO UPDATE SET
				strengths = excluded.strengths,
				weaknesses = excluded.weaknesses,
				best_models = excluded.best_models,
				failure_modes = excluded.failure_modes,
				loss_delta_7d = excluded.loss_delta_7d,
				loss_delta_30d = excluded.loss_delta_30d,
				experiments = excluded.experiments,
				current_policy = excluded.current_policy,
				last_updated = excluded.last_updated`)
}

// insertDefault stores card only when the doer has no card yet, so a
// concurrent Refresh is never overwritten with zeros.
func (s *Service) insertDefault(ctx context.Context, card *Card) error {
	return s.write(ctx, card, `ON CONFLICT (doer) DO NOTHING`)
}

func (s *Service) write(ctx context.Context, card *Card, onConflict string) error {
	cols := make([]string, 5)
	for i, v := range []any{card.Strengths, card.Weaknesses, card.BestModels, card.FailureModes, card.Experiments} {
		enc, err := persistence.EncodeJSON(v)
		if err != nil {
			return err
		}
		cols[i] = enc
	}
	return s.opts.Retry.Do(ctx, "skills.save", func(ctx context.Context) error {
		_, err := s.store.DB().ExecContext(ctx, `
			INSERT INTO skill_cards (doer, strengths, weaknesses, best_models, failure_modes,
				loss_delta_7d, loss_delta_30d, experiments, current_policy, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`+onConflict,
			card.Doer, cols[0], cols[1], cols[2], cols[3], card.LossDelta7d, card.LossDelta30d, cols[4],
			persistence.NullString(card.CurrentPolicy), persistence.FormatTime(card.LastUpdated))
		if err != nil {
			return fmt.Errorf("failed to save skill card for %s: %w", card.Doer, err)
		}
		return nil
	})
}

// Get returns the doer's card, storing a zeroed default on first access.
func (s *Service) Get(ctx context.Context, doer string) (*Card, error) {
	if doer == "" {
		return nil, opserrors.Validation("skills.get", "doer is required")
	}
	card, err := s.load(ctx, doer)
	if err == nil {
		return card, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err := s.insertDefault(ctx, defaultCard(doer, s.now().UTC())); err != nil {
		return nil, err
	}
	return s.load(ctx, doer)
}

func (s *Service) load(ctx context.Context, doer string) (*Card, error) {
	return scanCard(s.store.DB().QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM skill_cards WHERE doer = ?`, doer))
}

func defaultCard(doer string, now time.Time) *Card {
	return &Card{
		Doer:         doer,
		LastUpdated:  now,
		Strengths:    []string{},
		Weaknesses:   []string{},
		BestModels:   []string{},
		FailureModes: []string{},
		Experiments:  []ExperimentSummary{},
	}
}

// GetAll returns every stored card ordered by doer.
func (s *Service) GetAll(ctx context.Context) ([]*Card, error) {
	rows, err := s.store.DB().QueryContext(ctx, `SELECT `+cardColumns+` FROM skill_cards ORDER BY doer`)
	if err != nil {
		return nil, fmt.Errorf("failed to list skill cards: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cards []*Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

const cardColumns = `doer, strengths, weaknesses, best_models, failure_modes, loss_delta_7d, loss_delta_30d,
	experiments, current_policy, last_updated`

type scanner interface {
	Scan(dest ...any) error
}

func scanCard(row scanner) (*Card, error) {
	var (
		card                                 Card
		strengths, weaknesses, models, modes sql.NullString
		exps, current                        sql.NullString
		updated                              string
	)
	if err := row.Scan(&card.Doer, &strengths, &weaknesses, &models, &modes, &card.LossDelta7d,
		&card.LossDelta30d, &exps, &current, &updated); err != nil {
		return nil, err
	}
	card.CurrentPolicy = current.String
	for _, col := range []struct {
		ns  sql.NullString
		dst any
	}{
		{strengths, &card.Strengths},
		{weaknesses, &card.Weaknesses},
		{models, &card.BestModels},
		{modes, &card.FailureModes},
		{exps, &card.Experiments},
	} {
		if err := persistence.DecodeJSON(col.ns, col.dst); err != nil {
			return nil, err
		}
	}
	t, err := persistence.ParseTime(updated)
	if err != nil {
		return nil, err
	}
	card.LastUpdated = t
	return &card, nil
}
