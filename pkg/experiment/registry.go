// Package experiment implements the Experiment Registry: candidate-policy
// experiments, their seeds and their outcomes.
package experiment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"learnops/pkg/logx"
	"learnops/pkg/opserrors"
	"learnops/pkg/persistence"
)

// Type is the kind of change an experiment tries.
type Type string

// Experiment types.
const (
	TypePromptSynthesis Type = "prompt_synthesis"
	TypeAdapterTraining Type = "adapter_training"
	TypeToolTuning      Type = "tool_tuning"
	TypeRAGOptimization Type = "rag_optimization"
)

// Status is an experiment lifecycle state.
type Status string

// Experiment states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

//nolint:gochecknoglobals // static transition table
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether an experiment may move from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Config describes a new experiment.
type Config struct {
	Params         map[string]any `json:"params,omitempty"`
	Type           Type           `json:"type" validate:"required,oneof=prompt_synthesis adapter_training tool_tuning rag_optimization"`
	Doer           string         `json:"doer" validate:"required"`
	Phase          string         `json:"phase" validate:"required"`
	ParentPolicyID string         `json:"parent_policy_id,omitempty"`
	DatasetID      string         `json:"dataset_id,omitempty"`
	Seeds          []int64        `json:"seeds"`
}

// Metrics is the outcome of a completed experiment. CRLDelta < 0 is an improvement.
type Metrics struct {
	Offline     map[string]any `json:"offline,omitempty"`
	Shadow      map[string]any `json:"shadow,omitempty"`
	Canary      map[string]any `json:"canary,omitempty"`
	CRLDelta    float64        `json:"crl_delta"`
	Stability   float64        `json:"stability"`
	Cost        float64        `json:"cost"`
	DurationSec float64        `json:"duration_sec"`
}

// Result completes an experiment, optionally naming the policy it produced.
type Result struct {
	PolicyID string  `json:"policy_id,omitempty"`
	Metrics  Metrics `json:"metrics"`
}

// Experiment is a stored experiment.
type Experiment struct {
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Metrics        *Metrics       `json:"metrics,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	ID             string         `json:"id"`
	Type           Type           `json:"type"`
	Doer           string         `json:"doer"`
	Phase          string         `json:"phase"`
	ParentPolicyID string         `json:"parent_policy_id,omitempty"`
	DatasetID      string         `json:"dataset_id,omitempty"`
	Status         Status         `json:"status"`
	PolicyID       string         `json:"policy_id,omitempty"`
	Error          string         `json:"error,omitempty"`
	Seeds          []int64        `json:"seeds"`
}

const experimentColumns = `id, type, doer, phase, parent_policy_id, dataset_id, config, seeds, status,
	policy_id, metrics, error, created_at, completed_at`

//nolint:gochecknoglobals // validator caches struct metadata
var validate = validator.New()

// Registry stores experiments.
type Registry struct {
	store  *persistence.Store
	logger *logx.Logger
	now    func() time.Time
}

// NewRegistry creates a registry on store.
func NewRegistry(store *persistence.Store) *Registry {
	return &Registry{store: store, logger: logx.NewLogger("experiment"), now: time.Now}
}

// Create records a pending experiment and returns its id.
func (r *Registry) Create(ctx context.Context, cfg Config) (string, error) {
	if err := validate.Struct(cfg); err != nil {
		return "", opserrors.Validation("experiment.create", "%v", err)
	}
	if cfg.Seeds == nil {
		cfg.Seeds = []int64{}
	}
	params, err := persistence.EncodeJSON(cfg.Params)
	if err != nil {
		return "", err
	}
	seeds, err := persistence.EncodeJSON(cfg.Seeds)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err = r.store.DB().ExecContext(ctx, `
		INSERT INTO experiments (id, type, doer, phase, parent_policy_id, dataset_id, config, seeds, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		id, string(cfg.Type), cfg.Doer, cfg.Phase, persistence.NullString(cfg.ParentPolicyID),
		persistence.NullString(cfg.DatasetID), params, seeds, persistence.FormatTime(r.now()))
	if err != nil {
		if persistence.IsConstraintViolation(err) {
			return "", opserrors.Validation("experiment.create", "parent policy %q does not exist", cfg.ParentPolicyID)
		}
		return "", fmt.Errorf("failed to create experiment: %w", err)
	}
	r.logger.Info("created %s experiment %s for %s", cfg.Type, id, cfg.Doer)
	return id, nil
}

// UpdateStatus moves an experiment to status. errMsg is kept for failed and cancelled experiments.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if status == StatusCompleted {
		return opserrors.Validation("experiment.update_status", "use RecordResult to complete an experiment")
	}
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		from, err := currentStatus(ctx, tx, "experiment.update_status", id)
		if err != nil {
			return err
		}
		if !CanTransition(from, status) {
			return opserrors.Validation("experiment.update_status", "transition %s -> %s is not allowed", from, status)
		}

		var completedAt any
		if status.Terminal() {
			completedAt = persistence.FormatTime(r.now())
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE experiments SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
			string(status), persistence.NullString(errMsg), completedAt, id); err != nil {
			return fmt.Errorf("failed to update experiment status: %w", err)
		}
		logx.DebugState(logx.WithComponent(ctx, "experiment"), "experiment", id, string(from), string(status))
		return nil
	})
}

// Cancel cancels a pending or running experiment.
func (r *Registry) Cancel(ctx context.Context, id, reason string) error {
	return r.UpdateStatus(ctx, id, StatusCancelled, reason)
}

// RecordResult completes a running experiment. Completed results are immutable.
func (r *Registry) RecordResult(ctx context.Context, id string, res Result) error {
	metrics, err := persistence.EncodeJSON(res.Metrics)
	if err != nil {
		return err
	}
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		from, err := currentStatus(ctx, tx, "experiment.record_result", id)
		if err != nil {
			return err
		}
		if from == StatusCompleted {
			return opserrors.Validation("experiment.record_result", "experiment %s is completed; results are immutable", id)
		}
		if !CanTransition(from, StatusCompleted) {
			return opserrors.Validation("experiment.record_result", "experiment %s is %s, not running", id, from)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE experiments SET status = 'completed', metrics = ?, policy_id = ?, completed_at = ?
			WHERE id = ?`,
			metrics, persistence.NullString(res.PolicyID), persistence.FormatTime(r.now()), id)
		if err != nil {
			if persistence.IsConstraintViolation(err) {
				return opserrors.Validation("experiment.record_result", "policy %q does not exist", res.PolicyID)
			}
			return fmt.Errorf("failed to record experiment result: %w", err)
		}
		r.logger.Info("experiment %s completed: crl_delta=%.4f stability=%.3f", id, res.Metrics.CRLDelta, res.Metrics.Stability)
		return nil
	})
}

// Get returns an experiment by id.
func (r *Registry) Get(ctx context.Context, id string) (*Experiment, error) {
	exp, err := scanExperiment(r.store.DB().QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, opserrors.NotFound("experiment.get", "experiment", id)
	}
	return exp, err
}

// ListByDoer returns doer's experiments, newest first.
func (r *Registry) ListByDoer(ctx context.Context, doer string, limit int) ([]*Experiment, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE doer = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, doer, limit)
}

// ListSuccessful returns completed experiments that improved CRL (crl_delta < 0),
// optionally restricted to a doer and to those completed in the trailing days.
func (r *Registry) ListSuccessful(ctx context.Context, doer string, days int) ([]*Experiment, error) {
	if days < 0 {
		return nil, opserrors.Validation("experiment.list_successful", "days must be non-negative, got %d", days)
	}
	since := ""
	if days > 0 {
		since = persistence.FormatTime(r.now().AddDate(0, 0, -days))
	}
	return r.list(ctx, `SELECT `+experimentColumns+` FROM experiments
		WHERE status = 'completed'
		  AND json_extract(metrics, '$.crl_delta') < 0
		  AND (? = '' OR doer = ?)
		  AND (? = '' OR completed_at >= ?)
		ORDER BY completed_at DESC, rowid DESC`, doer, doer, since, since)
}

func (r *Registry) list(ctx context.Context, query string, args ...any) ([]*Experiment, error) {
	rows, err := r.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*Experiment{}
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate experiments: %w", err)
	}
	return out, nil
}

func currentStatus(ctx context.Context, tx *sql.Tx, op, id string) (Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM experiments WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", opserrors.NotFound(op, "experiment", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read experiment status: %w", err)
	}
	return Status(status), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (*Experiment, error) {
	var (
		exp                             Experiment
		typ, status, createdAt          string
		parent, dataset, policy, errMsg sql.NullString
		params, seeds, metrics          sql.NullString
		completedAt                     sql.NullString
	)
	err := row.Scan(&exp.ID, &typ, &exp.Doer, &exp.Phase, &parent, &dataset, &params, &seeds, &status,
		&policy, &metrics, &errMsg, &createdAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan experiment: %w", err)
	}
	exp.Type, exp.Status = Type(typ), Status(status)
	exp.ParentPolicyID, exp.DatasetID, exp.PolicyID, exp.Error = parent.String, dataset.String, policy.String, errMsg.String

	if err := persistence.DecodeJSON(params, &exp.Params); err != nil {
		return nil, err
	}
	if err := persistence.DecodeJSON(seeds, &exp.Seeds); err != nil {
		return nil, err
	}
	if metrics.Valid && metrics.String != "" {
		exp.Metrics = &Metrics{}
		if err := persistence.DecodeJSON(metrics, exp.Metrics); err != nil {
			return nil, err
		}
	}
	if exp.CreatedAt, err = persistence.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if exp.CompletedAt, err = persistence.ScanTime(completedAt); err != nil {
		return nil, err
	}
	return &exp, nil
}
