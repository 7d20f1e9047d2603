// Package rollout runs shadow and canary deployments of candidate policies,
// routes live tasks between control and candidate, and decides from observed
// CRL whether a candidate is promoted, rolled back, or left running.
package rollout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"learnops/pkg/logx"
	"learnops/pkg/metrics"
	"learnops/pkg/opserrors"
	"learnops/pkg/persistence"
)

// Mode is the kind of deployment.
type Mode string

// Deployment modes.
const (
	ModeShadow Mode = "shadow"
	ModeCanary Mode = "canary"
)

// Status is the lifecycle state of a deployment.
type Status string

// Deployment states. active -> promoted | rolled_back.
const (
	StatusActive     Status = "active"
	StatusPromoted   Status = "promoted"
	StatusRolledBack Status = "rolled_back"
)

// Route is where a task is executed.
type Route string

// Routes.
const (
	RouteControl   Route = "control"
	RouteCandidate Route = "candidate"
)

// Rollback reasons set by the controller itself.
const (
	ReasonExpired    = "max duration exceeded"
	ReasonSuperseded = "superseded by %s"
)

// DeploymentConfig describes a deployment to start.
type DeploymentConfig struct {
	Safety            *SafetyThresholds `json:"safety_thresholds,omitempty"`
	Doer              string            `json:"doer" validate:"required"`
	CandidatePolicyID string            `json:"candidate_policy_id" validate:"required"`
	ControlPolicyID   string            `json:"control_policy_id" validate:"required,nefield=CandidatePolicyID"`
	AllocationPct     float64           `json:"allocation_pct" validate:"gte=0,lte=100"`
	MinJobs           int               `json:"min_jobs,omitempty" validate:"gte=0"`
	MaxDurationHours  float64           `json:"max_duration_hours,omitempty" validate:"gte=0"`
	AutoPromote       bool              `json:"auto_promote,omitempty"`
}

// Deployment is a stored shadow or canary deployment.
type Deployment struct {
	CreatedAt         time.Time        `json:"created_at"`
	PromotedAt        *time.Time       `json:"promoted_at,omitempty"`
	RolledBackAt      *time.Time       `json:"rolled_back_at,omitempty"`
	Safety            SafetyThresholds `json:"safety_thresholds"`
	ID                string           `json:"id"`
	Doer              string           `json:"doer"`
	CandidatePolicyID string           `json:"candidate_policy_id"`
	ControlPolicyID   string           `json:"control_policy_id"`
	Mode              Mode             `json:"mode"`
	Status            Status           `json:"status"`
	RollbackReason    string           `json:"rollback_reason,omitempty"`
	AllocationPct     float64          `json:"allocation_pct"`
	MaxDurationHours  float64          `json:"max_duration_hours"`
	MinJobs           int              `json:"min_jobs"`
	AutoPromote       bool             `json:"auto_promote"`
}

// ExpiresAt is when the deployment must be force-concluded.
func (d *Deployment) ExpiresAt() time.Time {
	return d.CreatedAt.Add(time.Duration(d.MaxDurationHours * float64(time.Hour)))
}

// CanaryReport compares the candidate against the control.
type CanaryReport struct {
	GeneratedAt    time.Time      `json:"generated_at"`
	DeploymentID   string         `json:"deployment_id"`
	Doer           string         `json:"doer"`
	Mode           Mode           `json:"mode"`
	Status         Status         `json:"status"`
	Recommendation Recommendation `json:"recommendation"`
	Violations     []string       `json:"safety_violations,omitempty"`
	Candidate      RouteStats     `json:"candidate"`
	Control        RouteStats     `json:"control"`
	Significance   Significance   `json:"significance"`
	Delta          float64        `json:"delta"`
	SampleSize     int            `json:"sample_size"`
	MinJobs        int            `json:"min_jobs"`
}

// Event is emitted when a deployment's candidate wins.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	DeploymentID string    `json:"deployment_id"`
	PolicyID     string    `json:"policy_id"`
	Doer         string    `json:"doer"`
}

// EventHandler reacts to a promotion.
type EventHandler func(ctx context.Context, ev Event) error

// Options configures a Controller.
type Options struct {
	Recorder                metrics.Recorder
	Rand                    func() float64 // Uniform in [0,1); defaults to math/rand/v2
	Alpha                   float64
	DefaultMinJobs          int
	DefaultMaxDurationHours float64
	MaxCRLIncrease          float64
}

//nolint:gochecknoglobals // validator caches struct metadata
var validate = validator.New()

// Controller manages deployments. At most one deployment per doer is active.
type Controller struct {
	store    *persistence.Store
	opts     Options
	logger   *logx.Logger
	now      func() time.Time
	handlers []EventHandler
	mu       sync.RWMutex
}

// NewController creates a controller.
func NewController(store *persistence.Store, opts Options) *Controller {
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = DefaultAlpha
	}
	if opts.DefaultMinJobs <= 0 {
		opts.DefaultMinJobs = 100
	}
	if opts.DefaultMaxDurationHours <= 0 {
		opts.DefaultMaxDurationHours = 72
	}
	return &Controller{
		store:  store,
		opts:   opts,
		logger: logx.NewLogger("rollout"),
		now:    time.Now,
	}
}

// Subscribe registers a promotion handler and returns a function that removes it.
func (c *Controller) Subscribe(h EventHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
	idx := len(c.handlers) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.handlers) {
			c.handlers[idx] = nil
		}
	}
}

func (c *Controller) emit(ctx context.Context, ev Event) error {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if h == nil {
			continue
		}
		if err := h(ctx, ev); err != nil {
			c.logger.Error("promotion handler failed for deployment %s: %v", ev.DeploymentID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartShadow starts a shadow deployment. Live traffic always runs on the control.
func (c *Controller) StartShadow(ctx context.Context, cfg DeploymentConfig) (string, error) {
	cfg.AllocationPct = 0
	return c.start(ctx, ModeShadow, cfg)
}

// StartCanary starts a canary routing AllocationPct percent of tasks to the candidate.
func (c *Controller) StartCanary(ctx context.Context, cfg DeploymentConfig) (string, error) {
	return c.start(ctx, ModeCanary, cfg)
}

func (c *Controller) start(ctx context.Context, mode Mode, cfg DeploymentConfig) (string, error) {
	op := "rollout.start_" + string(mode)
	if err := validate.Struct(cfg); err != nil {
		return "", opserrors.Validation(op, "invalid deployment config: %v", err)
	}
	if cfg.MinJobs == 0 {
		cfg.MinJobs = c.opts.DefaultMinJobs
	}
	if cfg.MaxDurationHours == 0 {
		cfg.MaxDurationHours = c.opts.DefaultMaxDurationHours
	}
	safety := SafetyThresholds{MaxCRLIncrease: c.opts.MaxCRLIncrease}
	if cfg.Safety != nil {
		safety = *cfg.Safety
	}
	safetyJSON, err := persistence.EncodeJSON(safety)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	now := persistence.FormatTime(c.now())
	var superseded []string
	err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM shadow_deployments WHERE doer = ? AND status = 'active'`, cfg.Doer)
		if err != nil {
			return fmt.Errorf("failed to query active deployments: %w", err)
		}
		for rows.Next() {
			var prev string
			if err := rows.Scan(&prev); err != nil {
				_ = rows.Close()
				return err
			}
			superseded = append(superseded, prev)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, prev := range superseded {
			if _, err := tx.ExecContext(ctx, `
				UPDATE shadow_deployments SET status = 'rolled_back', rolled_back_at = ?, rollback_reason = ?
				WHERE id = ?`, now, fmt.Sprintf(ReasonSuperseded, id), prev); err != nil {
				return fmt.Errorf("failed to end deployment %s: %w", prev, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO shadow_deployments (id, doer, candidate_policy_id, control_policy_id, allocation_pct, mode,
				min_jobs, max_duration_hours, auto_promote, safety_thresholds, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'active', ?)`,
			id, cfg.Doer, cfg.CandidatePolicyID, cfg.ControlPolicyID, cfg.AllocationPct, string(mode),
			cfg.MinJobs, cfg.MaxDurationHours, persistence.BoolInt(cfg.AutoPromote), safetyJSON, now)
		if err != nil {
			if persistence.IsConstraintViolation(err) {
				return opserrors.Validation(op, "unknown candidate or control policy")
			}
			return fmt.Errorf("failed to insert deployment: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	for _, prev := range superseded {
		c.recordEnd(ctx, prev, StatusRolledBack, cfg.Doer)
	}
	c.logger.Info("started %s deployment %s for %s: candidate %s vs control %s at %.1f%%",
		mode, id, cfg.Doer, cfg.CandidatePolicyID, cfg.ControlPolicyID, cfg.AllocationPct)
	return id, nil
}

func (c *Controller) recordEnd(ctx context.Context, id string, to Status, doer string) {
	c.opts.Recorder.IncPromotion(doer, "deployment_"+string(to))
	logx.DebugState(ctx, "rollout", id, string(StatusActive), string(to))
}

// RouteTask decides where taskID runs for doer and logs the decision.
// Without an active deployment every task runs on the control. Routing the
// same task again returns the logged decision.
func (c *Controller) RouteTask(ctx context.Context, doer, taskID string) (Route, error) {
	if doer == "" || taskID == "" {
		return "", opserrors.Validation("rollout.route", "doer and task id are required")
	}
	dep, err := c.active(ctx, doer)
	if err != nil {
		return "", err
	}
	if dep == nil {
		return RouteControl, nil
	}

	route := RouteControl
	if dep.Mode == ModeCanary && c.opts.Rand()*100 < dep.AllocationPct {
		route = RouteCandidate
	}

	result, err := c.store.DB().ExecContext(ctx, `
		INSERT INTO deployment_routings (id, deployment_id, task_id, route, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (deployment_id, task_id) DO NOTHING`,
		uuid.New().String(), dep.ID, taskID, string(route), persistence.FormatTime(c.now()))
	if err != nil {
		return "", fmt.Errorf("failed to log routing for task %s: %w", taskID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var prior string
		if err := c.store.DB().QueryRowContext(ctx,
			`SELECT route FROM deployment_routings WHERE deployment_id = ? AND task_id = ?`,
			dep.ID, taskID).Scan(&prior); err != nil {
			return "", fmt.Errorf("failed to read routing for task %s: %w", taskID, err)
		}
		return Route(prior), nil
	}

	c.opts.Recorder.IncRouting(doer, string(route))
	logx.Debug(ctx, "rollout", "task %s -> %s (deployment %s)", taskID, route, dep.ID)
	return route, nil
}

// active returns the doer's active deployment, or nil.
func (c *Controller) active(ctx context.Context, doer string) (*Deployment, error) {
	dep, err := scanDeployment(c.store.DB().QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM shadow_deployments WHERE doer = ? AND status = 'active'
		 ORDER BY created_at DESC LIMIT 1`, doer))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // no active deployment
	}
	return dep, err
}

// Get returns a deployment by id.
func (c *Controller) Get(ctx context.Context, id string) (*Deployment, error) {
	dep, err := scanDeployment(c.store.DB().QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM shadow_deployments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, opserrors.NotFound("rollout.get", "deployment", id)
	}
	return dep, err
}

// List returns deployments for doer, newest first. An empty doer lists all.
func (c *Controller) List(ctx context.Context, doer string) ([]*Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM shadow_deployments`
	var args []any
	if doer != "" {
		query += ` WHERE doer = ?`
		args = append(args, doer)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := c.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// GetCanaryReport aggregates per-route CRL from routed tasks that have a CRL result.
func (c *Controller) GetCanaryReport(ctx context.Context, id string) (*CanaryReport, error) {
	dep, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := c.store.DB().QueryContext(ctx, `
		SELECT r.route, c.loss_value
		FROM deployment_routings r
		JOIN crl_results c ON c.run_id = r.task_id
		WHERE r.deployment_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load routed outcomes: %w", err)
	}
	losses := map[Route][]float64{}
	for rows.Next() {
		var (
			route string
			loss  float64
		)
		if err := rows.Scan(&route, &loss); err != nil {
			_ = rows.Close()
			return nil, err
		}
		losses[Route(route)] = append(losses[Route(route)], loss)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	report := &CanaryReport{
		GeneratedAt:  c.now().UTC(),
		DeploymentID: dep.ID,
		Doer:         dep.Doer,
		Mode:         dep.Mode,
		Status:       dep.Status,
		Candidate:    Summarize(losses[RouteCandidate]),
		Control:      Summarize(losses[RouteControl]),
		MinJobs:      dep.MinJobs,
	}
	report.SampleSize = report.Candidate.N + report.Control.N
	if report.Candidate.N > 0 && report.Control.N > 0 {
		report.Delta = report.Candidate.Mean - report.Control.Mean
	}
	report.Significance = WelchTest(report.Candidate, report.Control, c.opts.Alpha)
	report.Violations = dep.Safety.Check(report.Candidate, report.Delta)
	report.Recommendation = Recommend(report.SampleSize, dep.MinJobs, report.Delta, report.Significance, report.Violations)
	return report, nil
}

// Promote concludes an active deployment in the candidate's favour and notifies subscribers.
// Handler failures are returned after the deployment is marked promoted.
func (c *Controller) Promote(ctx context.Context, id string) error {
	dep, err := c.conclude(ctx, "rollout.promote", id, StatusPromoted, "")
	if err != nil {
		return err
	}
	c.logger.Info("deployment %s promoted: policy %s wins for %s", id, dep.CandidatePolicyID, dep.Doer)
	return c.emit(ctx, Event{
		Timestamp:    c.now().UTC(),
		DeploymentID: id,
		PolicyID:     dep.CandidatePolicyID,
		Doer:         dep.Doer,
	})
}

// Rollback concludes an active deployment in the control's favour.
func (c *Controller) Rollback(ctx context.Context, id, reason string) error {
	if reason == "" {
		return opserrors.Validation("rollout.rollback", "a rollback reason is required")
	}
	dep, err := c.conclude(ctx, "rollout.rollback", id, StatusRolledBack, reason)
	if err != nil {
		return err
	}
	c.logger.Warn("deployment %s rolled back for %s: %s", id, dep.Doer, reason)
	return nil
}

func (c *Controller) conclude(ctx context.Context, op, id string, to Status, reason string) (*Deployment, error) {
	dep, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if dep.Status != StatusActive {
		return nil, opserrors.Validation(op, "deployment %s is already %s", id, dep.Status)
	}

	now := persistence.FormatTime(c.now())
	var result sql.Result
	if to == StatusPromoted {
		result, err = c.store.DB().ExecContext(ctx, `
			UPDATE shadow_deployments SET status = 'promoted', promoted_at = ? WHERE id = ? AND status = 'active'`,
			now, id)
	} else {
		result, err = c.store.DB().ExecContext(ctx, `
			UPDATE shadow_deployments SET status = 'rolled_back', rolled_back_at = ?, rollback_reason = ?
			WHERE id = ? AND status = 'active'`, now, reason, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to conclude deployment %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, opserrors.Validation(op, "deployment %s is no longer active", id)
	}
	c.recordEnd(ctx, id, to, dep.Doer)
	return dep, nil
}

// Evaluate reports on a deployment and promotes it when auto-promotion is on
// and the report recommends it.
func (c *Controller) Evaluate(ctx context.Context, id string) (*CanaryReport, error) {
	report, err := c.GetCanaryReport(ctx, id)
	if err != nil {
		return nil, err
	}
	dep, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if dep.Status == StatusActive && dep.AutoPromote && report.Recommendation == RecommendPromote {
		if err := c.Promote(ctx, id); err != nil {
			return report, err
		}
		report.Status = StatusPromoted
	}
	return report, nil
}

// ConcludeExpired force-concludes active deployments past their maximum duration:
// promoted when the report recommends it, otherwise rolled back. It returns the concluded ids.
func (c *Controller) ConcludeExpired(ctx context.Context) ([]string, error) {
	deps, err := c.List(ctx, "")
	if err != nil {
		return nil, err
	}
	now := c.now()
	var (
		concluded []string
		errs      []error
	)
	for _, dep := range deps {
		if dep.Status != StatusActive || now.Before(dep.ExpiresAt()) {
			continue
		}
		report, err := c.GetCanaryReport(ctx, dep.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if report.Recommendation == RecommendPromote {
			err = c.Promote(ctx, dep.ID)
		} else {
			err = c.Rollback(ctx, dep.ID, ReasonExpired)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("conclude expired deployment %s: %w", dep.ID, err))
			continue
		}
		concluded = append(concluded, dep.ID)
	}
	return concluded, errors.Join(errs...)
}

const deploymentColumns = `id, doer, candidate_policy_id, control_policy_id, allocation_pct, mode, min_jobs,
	max_duration_hours, auto_promote, safety_thresholds, status, promoted_at, rolled_back_at, rollback_reason, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row scanner) (*Deployment, error) {
	var (
		dep                  Deployment
		mode, status         string
		autoPromote          int
		safety, reason       sql.NullString
		promoted, rolledBack sql.NullString
		createdAt            string
	)
	if err := row.Scan(&dep.ID, &dep.Doer, &dep.CandidatePolicyID, &dep.ControlPolicyID, &dep.AllocationPct,
		&mode, &dep.MinJobs, &dep.MaxDurationHours, &autoPromote, &safety, &status,
		&promoted, &rolledBack, &reason, &createdAt); err != nil {
		return nil, err
	}
	dep.Mode = Mode(mode)
	dep.Status = Status(status)
	dep.AutoPromote = autoPromote != 0
	dep.RollbackReason = reason.String
	if err := persistence.DecodeJSON(safety, &dep.Safety); err != nil {
		return nil, err
	}

	var err error
	if dep.CreatedAt, err = persistence.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if dep.PromotedAt, err = persistence.ScanTime(promoted); err != nil {
		return nil, err
	}
	if dep.RolledBackAt, err = persistence.ScanTime(rolledBack); err != nil {
		return nil, err
	}
	return &dep, nil
}
