// Package replay evaluates a candidate policy offline: it replays a curated
// dataset against the policy under several seeds and scores every seed with CRL.
package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/stat"

	"learnops/pkg/crl"
	"learnops/pkg/curator"
	"learnops/pkg/logx"
	"learnops/pkg/metrics"
	"learnops/pkg/opserrors"
	"learnops/pkg/persistence"
	"learnops/pkg/policy"
)

// Status is the state of a replay job.
type Status string

// Replay states. pending -> running -> completed | failed | timeout.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Reasons persisted on non-completed replays.
const (
	ReasonOrphaned  = "orphaned by restart"
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "replay timed out"
)

// Config describes one replay request.
type Config struct {
	DatasetID  string  `json:"dataset_id" validate:"required"`
	PolicyID   string  `json:"policy_id" validate:"required"`
	Seeds      []int64 `json:"seeds" validate:"required,min=1"`
	MaxTasks   int     `json:"max_tasks,omitempty" validate:"gte=0"`
	TimeoutSec int     `json:"timeout_sec,omitempty" validate:"gte=0"`
}

// SeedResult is the outcome of replaying under one seed.
type SeedResult struct {
	Terms     crl.Terms `json:"terms"`
	Seed      int64     `json:"seed"`
	CRL       float64   `json:"crl"`
	Tasks     int       `json:"tasks"`
	CacheHits int       `json:"cache_hits"`
	CostUSD   float64   `json:"cost_usd"`
}

// Result is the persisted state of a replay.
type Result struct {
	CreatedAt     time.Time    `json:"created_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	TermsAvg      *crl.Terms   `json:"terms_avg,omitempty"`
	ID            string       `json:"id"`
	DatasetID     string       `json:"dataset_id"`
	PolicyID      string       `json:"policy_id"`
	Status        Status       `json:"status"`
	Error         string       `json:"error,omitempty"`
	Seeds         []int64      `json:"seeds"`
	SeedResults   []SeedResult `json:"seed_results,omitempty"`
	CRLAvg        float64      `json:"crl_avg"`
	CRLStd        float64      `json:"crl_std"`
	Stability     float64      `json:"stability"`
	DurationSec   float64      `json:"duration_sec"`
	CostUSD       float64      `json:"cost_usd"`
	TasksReplayed int          `json:"tasks_replayed"`
}

// SampleSource supplies dataset samples. *curator.Curator satisfies it.
type SampleSource interface {
	Samples(ctx context.Context, datasetID string) ([]curator.Sample, error)
}

// PolicySource resolves policies. *policy.Store satisfies it.
type PolicySource interface {
	GetByID(ctx context.Context, id string) (*policy.Record, error)
}

// Options configures a Replayer.
type Options struct {
	Executor        Executor
	Scorer          Scorer
	Cache           *Cache // Optional; nil disables output caching
	Recorder        metrics.Recorder
	Weights         *crl.Weights
	Workers         int
	Timeout         time.Duration
	DefaultMaxTasks int
}

//nolint:gochecknoglobals // validator caches struct metadata
var validate = validator.New()

//nolint:gochecknoglobals // package tracer, a no-op without an installed SDK
var tracer = otel.Tracer("learnops/replay")

// Replayer runs replay jobs in the background and persists their state.
type Replayer struct {
	store    *persistence.Store
	samples  SampleSource
	policies PolicySource
	opts     Options
	weights  crl.Weights
	logger   *logx.Logger
	now      func() time.Time

	baseCtx    context.Context //nolint:containedctx // parent of every job, cancelled by Close
	baseCancel context.CancelFunc
	jobs       map[string]context.CancelCauseFunc
	flight     singleflight.Group // one execution per cache key in flight
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
}

// New creates a replayer.
func New(store *persistence.Store, samples SampleSource, policies PolicySource, opts Options) *Replayer {
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.DefaultMaxTasks < 1 {
		opts.DefaultMaxTasks = 50
	}
	weights := crl.DefaultWeights()
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Replayer{
		store:      store,
		samples:    samples,
		policies:   policies,
		opts:       opts,
		weights:    weights,
		logger:     logx.NewLogger("replay"),
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		jobs:       make(map[string]context.CancelCauseFunc),
	}
}

var errCancelled = errors.New(ReasonCancelled)

// StartReplay validates cfg, persists a pending replay and runs it in the background.
func (r *Replayer) StartReplay(ctx context.Context, cfg Config) (string, error) {
	const op = "replay.Start"
	if err := validate.Struct(cfg); err != nil {
		return "", opserrors.Validation(op, "invalid replay config: %v", err)
	}
	if r.opts.Executor == nil || r.opts.Scorer == nil {
		return "", opserrors.Validation(op, "%v", errNoExecutor)
	}

	pol, err := r.policies.GetByID(ctx, cfg.PolicyID)
	if err != nil {
		return "", err
	}
	samples, err := r.samples.Samples(ctx, cfg.DatasetID)
	if err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", opserrors.Validation(op, "dataset %s has no samples", cfg.DatasetID)
	}

	seeds, err := persistence.EncodeJSON(cfg.Seeds)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	if _, err := r.store.DB().ExecContext(ctx, `
		INSERT INTO offline_replays (id, dataset_id, policy_id, seeds, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, cfg.DatasetID, cfg.PolicyID, seeds, string(StatusPending), persistence.FormatTime(r.now()),
	); err != nil {
		return "", fmt.Errorf("failed to insert replay %s: %w", id, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.finish(context.Background(), id, StatusFailed, ReasonCancelled, nil)
		return "", opserrors.Validation(op, "replayer is closed")
	}
	jobCtx, cancel := context.WithCancelCause(r.baseCtx)
	r.jobs[id] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	timeout := r.opts.Timeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	maxTasks := cfg.MaxTasks
	if maxTasks == 0 {
		maxTasks = r.opts.DefaultMaxTasks
	}

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.jobs, id)
			r.mu.Unlock()
			cancel(nil)
		}()
		r.run(jobCtx, id, pol, samples, cfg.Seeds, maxTasks, timeout)
	}()

	r.logger.Info("replay %s started: policy %s, dataset %s, %d seeds", id, cfg.PolicyID, cfg.DatasetID, len(cfg.Seeds))
	return id, nil
}

// run executes a replay and always leaves it in a terminal state.
func (r *Replayer) run(ctx context.Context, id string, pol *policy.Record, samples []curator.Sample,
	seeds []int64, maxTasks int, timeout time.Duration) {
	start := r.now()
	persistCtx := context.WithoutCancel(ctx)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "replay.Run", trace.WithAttributes(
		attribute.String("replay.id", id),
		attribute.String("policy.id", pol.ID),
		attribute.Int("replay.seeds", len(seeds)),
	))
	defer span.End()

	if err := r.setStatus(persistCtx, id, StatusPending, StatusRunning); err != nil {
		r.logger.Error("replay %s: %v", id, err)
		r.finish(persistCtx, id, StatusFailed, err.Error(), nil)
		return
	}
	logx.DebugState(ctx, "replay", id, string(StatusPending), string(StatusRunning))

	results := make([]SeedResult, len(seeds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i, seed := range seeds {
		g.Go(func() error {
			res, err := r.runSeed(gctx, pol, samples, seed, maxTasks)
			if err != nil {
				return fmt.Errorf("seed %d: %w", seed, err)
			}
			results[i] = *res
			return nil
		})
	}
	err := g.Wait()
	elapsed := r.now().Sub(start)

	if err != nil {
		status, reason := StatusFailed, err.Error()
		switch {
		case errors.Is(context.Cause(ctx), errCancelled):
			reason = ReasonCancelled
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			status, reason = StatusTimeout, ReasonTimeout
		case ctx.Err() != nil:
			reason = ReasonCancelled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		r.logger.Warn("replay %s %s: %v", id, status, err)
		r.finish(persistCtx, id, status, reason, nil)
		r.opts.Recorder.ObserveReplay(string(status), elapsed)
		return
	}

	agg := Aggregate(results)
	agg.DurationSec = elapsed.Seconds()
	r.finish(persistCtx, id, StatusCompleted, "", agg)
	r.opts.Recorder.ObserveReplay(string(StatusCompleted), elapsed)
	span.SetAttributes(attribute.Float64("replay.crl_avg", agg.CRLAvg), attribute.Float64("replay.stability", agg.Stability))
	span.SetStatus(codes.Ok, "")
	r.logger.Info("replay %s completed: crl %.4f (std %.4f, stability %.3f) over %d tasks",
		id, agg.CRLAvg, agg.CRLStd, agg.Stability, agg.TasksReplayed)
}

// runSeed replays up to maxTasks samples chosen by seed and scores them.
func (r *Replayer) runSeed(ctx context.Context, pol *policy.Record, samples []curator.Sample,
	seed int64, maxTasks int) (*SeedResult, error) {
	ctx, span := tracer.Start(ctx, "replay.Seed", trace.WithAttributes(attribute.Int64("replay.seed", seed)))
	defer span.End()

	picked := SelectSamples(samples, seed, maxTasks)
	res := &SeedResult{Seed: seed, Tasks: len(picked)}
	tasks := make([]TaskResult, 0, len(picked))
	for _, s := range picked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := r.execute(ctx, pol, Task{Sample: s, Seed: seed})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("sample %s: %w", s.ArtifactID, err)
		}
		if out.Cached {
			res.CacheHits++
		}
		res.CostUSD += out.CostUSD
		tasks = append(tasks, TaskResult{Sample: s, Output: out})
	}

	terms, err := r.opts.Scorer.Score(ctx, tasks)
	if err != nil {
		return nil, err
	}
	res.Terms = terms
	res.CRL = crl.Compute(terms, r.weights)
	logx.Debug(ctx, "replay", "seed %d: %d tasks, %d cached, crl %.4f", seed, res.Tasks, res.CacheHits, res.CRL)
	return res, nil
}

// execute runs task once per cache key at a time: concurrent callers with the
// same key (a repeated seed, or two replays of one policy) share the leader's
// output and see it as cached.
func (r *Replayer) execute(ctx context.Context, pol *policy.Record, task Task) (*Output, error) {
	key := CacheKey(pol.Provenance.Signature, task.Seed, task.Sample.InputHash)
	for {
		var led bool
		ch := r.flight.DoChan(key, func() (any, error) {
			led = true
			return r.executeCached(ctx, pol, task, key)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// The leader's context ended but ours did not; run it ourselves.
				if !led && ctx.Err() == nil &&
					(errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)) {
					continue
				}
				return nil, res.Err
			}
			out := *res.Val.(*Output)
			if !led {
				out.Cached = true
			}
			return &out, nil
		}
	}
}

// executeCached consults the cache before calling the executor.
func (r *Replayer) executeCached(ctx context.Context, pol *policy.Record, task Task, key string) (*Output, error) {
	if r.opts.Cache == nil {
		return r.opts.Executor.Execute(ctx, pol, task)
	}
	if out, ok, err := r.opts.Cache.Get(key); err != nil {
		r.logger.Warn("replay cache read failed, executing: %v", err)
	} else if ok {
		out.Cached = true
		return out, nil
	}
	out, err := r.opts.Executor.Execute(ctx, pol, task)
	if err != nil {
		return nil, err
	}
	if err := r.opts.Cache.Put(key, out); err != nil {
		r.logger.Warn("replay cache write failed: %v", err)
	}
	return out, nil
}

// SelectSamples picks up to maxTasks samples in an order fixed by seed.
func SelectSamples(samples []curator.Sample, seed int64, maxTasks int) []curator.Sample {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)) //nolint:gosec // deterministic selection, not security
	order := rng.Perm(len(samples))
	if maxTasks > 0 && maxTasks < len(order) {
		order = order[:maxTasks]
	}
	picked := make([]curator.Sample, len(order))
	for i, idx := range order {
		picked[i] = samples[idx]
	}
	return picked
}

// Aggregate combines per-seed results. stability = 1 - std/mean, and 1 when mean is 0.
func Aggregate(seeds []SeedResult) *Result {
	res := &Result{SeedResults: seeds}
	if len(seeds) == 0 {
		res.Stability = 1
		return res
	}
	losses := make([]float64, len(seeds))
	terms := make([]crl.Terms, len(seeds))
	for i := range seeds {
		losses[i] = seeds[i].CRL
		terms[i] = seeds[i].Terms
		res.TasksReplayed += seeds[i].Tasks
		res.CostUSD += seeds[i].CostUSD
	}
	mean, variance := stat.PopMeanVariance(losses, nil)
	res.CRLAvg = mean
	res.CRLStd = math.Sqrt(variance)
	res.Stability = 1
	if mean != 0 {
		res.Stability = 1 - res.CRLStd/mean
	}
	avg := crl.Mean(terms)
	res.TermsAvg = &avg
	return res
}

func (r *Replayer) setStatus(ctx context.Context, id string, from, to Status) error {
	result, err := r.store.DB().ExecContext(ctx,
		`UPDATE offline_replays SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update replay %s status: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("replay %s is no longer %s", id, from)
	}
	return nil
}

// finish writes a terminal state. agg is nil for failed and timed out replays.
func (r *Replayer) finish(ctx context.Context, id string, status Status, reason string, agg *Result) {
	now := persistence.FormatTime(r.now())
	var err error
	if agg == nil {
		_, err = r.store.DB().ExecContext(ctx, `
			UPDATE offline_replays SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
			string(status), reason, now, id)
	} else {
		var termsAvg, seedResults string
		if termsAvg, err = persistence.EncodeJSON(agg.TermsAvg); err == nil {
			seedResults, err = persistence.EncodeJSON(agg.SeedResults)
		}
		if err == nil {
			_, err = r.store.DB().ExecContext(ctx, `
				UPDATE offline_replays
				SET status = ?, crl_avg = ?, crl_std = ?, terms_avg = ?, stability = ?, tasks_replayed = ?,
					duration = ?, cost = ?, seed_results = ?, completed_at = ?
				WHERE id = ?`,
				string(status), agg.CRLAvg, agg.CRLStd, termsAvg, agg.Stability, agg.TasksReplayed,
				agg.DurationSec, agg.CostUSD, seedResults, now, id)
		}
	}
	if err != nil {
		r.logger.Error("failed to persist terminal state %s for replay %s: %v", status, id, err)
		return
	}
	logx.DebugState(ctx, "replay", id, string(StatusRunning), string(status))
}

// GetReplayStatus returns the persisted state of a replay.
func (r *Replayer) GetReplayStatus(ctx context.Context, id string) (*Result, error) {
	row := r.store.DB().QueryRowContext(ctx, `
		SELECT id, dataset_id, policy_id, seeds, status, crl_avg, crl_std, terms_avg, stability,
			tasks_replayed, duration, cost, seed_results, error, created_at, completed_at
		FROM offline_replays WHERE id = ?`, id)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, opserrors.NotFound("replay.GetStatus", "replay", id)
	}
	return res, err
}

// CancelReplay stops a running replay; it ends as failed with reason "cancelled".
func (r *Replayer) CancelReplay(ctx context.Context, id string) error {
	res, err := r.GetReplayStatus(ctx, id)
	if err != nil {
		return err
	}
	if res.Status.Terminal() {
		return opserrors.Validation("replay.Cancel", "replay %s is already %s", id, res.Status)
	}
	r.mu.Lock()
	cancel, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return opserrors.Validation("replay.Cancel", "replay %s is not running in this process", id)
	}
	cancel(errCancelled)
	r.logger.Info("replay %s cancellation requested", id)
	return nil
}

// Recover fails replays left pending or running by a previous process.
func (r *Replayer) Recover(ctx context.Context) (int, error) {
	r.mu.Lock()
	live := make([]any, 0, len(r.jobs))
	for id := range r.jobs {
		live = append(live, id)
	}
	r.mu.Unlock()

	query := `UPDATE offline_replays SET status = ?, error = ?, completed_at = ?
		WHERE status IN ('pending','running')`
	args := []any{string(StatusFailed), ReasonOrphaned, persistence.FormatTime(r.now())}
	if len(live) > 0 {
		query += ` AND id NOT IN (?` + repeatPlaceholders(len(live)-1) + `)`
		args = append(args, live...)
	}
	result, err := r.store.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned replays: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		r.logger.Warn("marked %d orphaned replays as failed", n)
	}
	return int(n), nil
}

func repeatPlaceholders(n int) string {
	s := ""
	for range n {
		s += ", ?"
	}
	return s
}

// Wait blocks until every running replay has finished.
func (r *Replayer) Wait() {
	r.wg.Wait()
}

// Close cancels every running replay and waits for them to persist a terminal state.
func (r *Replayer) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.baseCancel()
	r.wg.Wait()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (*Result, error) {
	var (
		res                                  Result
		status                               string
		seeds, termsAvg, seedResults, errMsg sql.NullString
		createdAt                            string
		completedAt                          sql.NullString
		crlAvg, crlStd, stability            sql.NullFloat64
		duration, cost                       sql.NullFloat64
	)
	if err := row.Scan(&res.ID, &res.DatasetID, &res.PolicyID, &seeds, &status, &crlAvg, &crlStd, &termsAvg,
		&stability, &res.TasksReplayed, &duration, &cost, &seedResults, &errMsg, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	res.Status = Status(status)
	res.Error = errMsg.String
	res.CRLAvg = crlAvg.Float64
	res.CRLStd = crlStd.Float64
	res.Stability = stability.Float64
	res.DurationSec = duration.Float64
	res.CostUSD = cost.Float64

	if err := persistence.DecodeJSON(seeds, &res.Seeds); err != nil {
		return nil, err
	}
	if err := persistence.DecodeJSON(seedResults, &res.SeedResults); err != nil {
		return nil, err
	}
	if termsAvg.Valid && termsAvg.String != "null" {
		res.TermsAvg = &crl.Terms{}
		if err := persistence.DecodeJSON(termsAvg, res.TermsAvg); err != nil {
			return nil, err
		}
	}

	t, err := persistence.ParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	res.CreatedAt = t
	if res.CompletedAt, err = persistence.ScanTime(completedAt); err != nil {
		return nil, err
	}
	return &res, nil
}
