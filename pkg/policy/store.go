package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"learnops/pkg/logx"
	"learnops/pkg/metrics"
	"learnops/pkg/opserrors"
	"learnops/pkg/persistence"
)

const policyColumns = `id, doer, phase, version, prompts, hparams, router_rules, tools_allowlist,
	weights, provenance, status, activated_at, archived_at, performance_metrics, created_at`

// Options configures a Store.
type Options struct {
	Recorder metrics.Recorder
	Retry    *persistence.RetryPolicy
}

// Store persists policy records and serializes lifecycle changes per doer.
type Store struct {
	store    *persistence.Store
	recorder metrics.Recorder
	retry    *persistence.RetryPolicy
	logger   *logx.Logger
	now      func() time.Time
	locks    sync.Map // doer -> *sync.Mutex
}

// NewStore creates a policy store on store.
func NewStore(store *persistence.Store, opts Options) *Store {
	s := &Store{
		store:    store,
		recorder: opts.Recorder,
		retry:    opts.Retry,
		logger:   logx.NewLogger("policy"),
		now:      time.Now,
	}
	if s.recorder == nil {
		s.recorder = metrics.Nop()
	}
	if s.retry == nil {
		s.retry = persistence.NewRetryPolicy(persistence.DefaultRetryConfig, nil)
	}
	return s
}

func (s *Store) lock(doer string) func() {
	m, _ := s.locks.LoadOrStore(doer, &sync.Mutex{})
	mu := m.(*sync.Mutex) //nolint:forcetypeassert // only *sync.Mutex is stored
	mu.Lock()
	return mu.Unlock
}

// Create validates, signs and stores a draft policy, returning its id.
func (s *Store) Create(ctx context.Context, a *Artifact) (string, error) {
	if a == nil {
		return "", opserrors.Validation("policy.create", "artifact is required")
	}
	if err := a.Validate(); err != nil {
		return "", opserrors.Validation("policy.create", "%v", err)
	}

	now := s.now().UTC()
	if a.Prompts == nil {
		a.Prompts = map[string]string{}
	}
	if a.Provenance.CreatedAt.IsZero() {
		a.Provenance.CreatedAt = now
	}
	sig, err := a.Sign()
	if err != nil {
		return "", err
	}
	a.Provenance.Signature = sig

	cols, err := encodeArtifact(a)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err = s.store.DB().ExecContext(ctx, `
		INSERT INTO policies (id, doer, phase, version, prompts, hparams, router_rules, tools_allowlist,
			weights, provenance, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, a.Doer, a.Phase, a.Version, cols.prompts, cols.hparams, cols.routerRules, cols.tools,
		cols.weights, cols.provenance, string(StatusDraft), persistence.FormatTime(now))
	if err != nil {
		if persistence.IsConstraintViolation(err) {
			return "", opserrors.Validation("policy.create", "version %q already exists for doer %q", a.Version, a.Doer)
		}
		return "", fmt.Errorf("failed to create policy: %w", err)
	}

	s.logger.Info("created policy %s (%s@%s)", id, a.Doer, a.Version)
	return id, nil
}

// Get returns the policy for doer at version, or the active policy when version is empty.
func (s *Store) Get(ctx context.Context, doer, version string) (*Record, error) {
	var (
		row *sql.Row
		key string
	)
	if version == "" {
		key = doer + " (active)"
		row = s.store.DB().QueryRowContext(ctx,
			`SELECT `+policyColumns+` FROM policies WHERE doer = ? AND status = 'active'
			 ORDER BY activated_at DESC LIMIT 1`, doer)
	} else {
		key = doer + "@" + version
		row = s.store.DB().QueryRowContext(ctx,
			`SELECT `+policyColumns+` FROM policies WHERE doer = ? AND version = ?`, doer, version)
	}
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, opserrors.NotFound("policy.get", "policy", key)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Verify(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetByID returns the policy with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(s.store.DB().QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, opserrors.NotFound("policy.get_by_id", "policy", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Verify(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Verify recomputes the record's signature and reports tampering as an integrity error.
func (s *Store) Verify(rec *Record) error {
	sig, err := rec.Sign()
	if err != nil {
		return err
	}
	if sig != rec.Provenance.Signature {
		s.logger.Error("signature mismatch on policy %s (%s@%s): stored %s, computed %s",
			rec.ID, rec.Doer, rec.Version, rec.Provenance.Signature, sig)
		return opserrors.Integrity("policy.verify", "signature mismatch on policy %s", rec.ID)
	}
	return nil
}

// Promote moves a policy to target. Promoting to active archives every other
// active policy of the same doer in the same transaction.
func (s *Store) Promote(ctx context.Context, id string, target Status, rationale string) error {
	if !target.Valid() {
		return opserrors.Validation("policy.promote", "unknown status %q", target)
	}

	var doer string
	err := s.store.DB().QueryRowContext(ctx, `SELECT doer FROM policies WHERE id = ?`, id).Scan(&doer)
	if errors.Is(err, sql.ErrNoRows) {
		return opserrors.NotFound("policy.promote", "policy", id)
	}
	if err != nil {
		return fmt.Errorf("failed to look up policy %s: %w", id, err)
	}

	unlock := s.lock(doer)
	defer unlock()

	var from Status
	var archived []string
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM policies WHERE id = ?`, id).Scan(&current); err != nil {
			return fmt.Errorf("failed to read policy status: %w", err)
		}
		from = Status(current)
		if !CanTransition(from, target) {
			return opserrors.Validation("policy.promote", "transition %s -> %s is not allowed", from, target)
		}

		now := persistence.FormatTime(s.now())
		if target == StatusActive {
			ids, err := activeIDs(ctx, tx, doer, id)
			if err != nil {
				return err
			}
			for _, other := range ids {
				if _, err := tx.ExecContext(ctx,
					`UPDATE policies SET status = 'archived', archived_at = ? WHERE id = ?`, now, other); err != nil {
					return fmt.Errorf("failed to archive policy %s: %w", other, err)
				}
				if err := logPromotion(ctx, tx, other, StatusActive, StatusArchived, "superseded by "+id, now); err != nil {
					return err
				}
			}
			archived = ids
		}

		var err error
		switch target {
		case StatusActive:
			_, err = tx.ExecContext(ctx,
				`UPDATE policies SET status = ?, activated_at = ? WHERE id = ?`, string(target), now, id)
		case StatusArchived:
			_, err = tx.ExecContext(ctx,
				`UPDATE policies SET status = ?, archived_at = ? WHERE id = ?`, string(target), now, id)
		default:
			_, err = tx.ExecContext(ctx, `UPDATE policies SET status = ? WHERE id = ?`, string(target), id)
		}
		if err != nil {
			return fmt.Errorf("failed to update policy status: %w", err)
		}
		return logPromotion(ctx, tx, id, from, target, rationale, now)
	})
	if err != nil {
		return err
	}

	for range archived {
		s.recorder.IncPromotion(doer, string(StatusArchived))
	}
	s.recorder.IncPromotion(doer, string(target))
	s.logger.Info("policy %s (%s): %s -> %s", id, doer, from, target)
	logx.DebugState(logx.WithComponent(ctx, "policy"), "policy", id, string(from), string(target))
	return nil
}

// Advance walks a policy forward one step at a time until it reaches target.
func (s *Store) Advance(ctx context.Context, id string, target Status, rationale string) error {
	if !target.Valid() {
		return opserrors.Validation("policy.advance", "unknown status %q", target)
	}
	rec, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.rank() > target.rank() {
		return opserrors.Validation("policy.advance", "policy %s is already %s", id, rec.Status)
	}
	for st := rec.Status; st != target; {
		next, ok := st.Next()
		if !ok {
			break
		}
		if err := s.Promote(ctx, id, next, rationale); err != nil {
			return err
		}
		st = next
	}
	return nil
}

// History returns the most recent policies for doer, newest first.
func (s *Store) History(ctx context.Context, doer string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.list(ctx, `SELECT `+policyColumns+` FROM policies WHERE doer = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, doer, limit)
}

// ListByStatus returns doer's policies in status, newest first.
func (s *Store) ListByStatus(ctx context.Context, doer string, status Status) ([]*Record, error) {
	if !status.Valid() {
		return nil, opserrors.Validation("policy.list_by_status", "unknown status %q", status)
	}
	return s.list(ctx, `SELECT `+policyColumns+` FROM policies WHERE doer = ? AND status = ?
		ORDER BY created_at DESC, rowid DESC`, doer, string(status))
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policies: %w", err)
	}
	return out, nil
}

// UpdatePerformanceMetrics replaces the performance metrics of a policy.
func (s *Store) UpdatePerformanceMetrics(ctx context.Context, id string, m map[string]float64) error {
	data, err := persistence.EncodeJSON(m)
	if err != nil {
		return err
	}
	return s.retry.Do(ctx, "policy.update_metrics", func(ctx context.Context) error {
		res, err := s.store.DB().ExecContext(ctx,
			`UPDATE policies SET performance_metrics = ? WHERE id = ?`, data, id)
		if err != nil {
			return fmt.Errorf("failed to update performance metrics: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return opserrors.NotFound("policy.update_metrics", "policy", id)
		}
		return nil
	})
}

// PromotionLog returns every lifecycle change of a policy, oldest first.
func (s *Store) PromotionLog(ctx context.Context, id string) ([]Promotion, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT policy_id, from_status, to_status, rationale, timestamp
		FROM policy_promotions WHERE policy_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query promotion log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Promotion
	for rows.Next() {
		var (
			p         Promotion
			from, to  string
			rationale sql.NullString
			ts        string
		)
		if err := rows.Scan(&p.PolicyID, &from, &to, &rationale, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan promotion: %w", err)
		}
		p.From, p.To, p.Rationale = Status(from), Status(to), rationale.String
		if p.Timestamp, err = persistence.ParseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func activeIDs(ctx context.Context, tx *sql.Tx, doer, exclude string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM policies WHERE doer = ? AND status = 'active' AND id != ?`, doer, exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to query active policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan policy id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func logPromotion(ctx context.Context, tx *sql.Tx, id string, from, to Status, rationale, ts string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO policy_promotions (policy_id, from_status, to_status, rationale, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		id, string(from), string(to), persistence.NullString(rationale), ts)
	if err != nil {
		return fmt.Errorf("failed to log promotion: %w", err)
	}
	return nil
}

type artifactColumns struct {
	prompts, hparams, routerRules, tools, weights, provenance string
}

func encodeArtifact(a *Artifact) (artifactColumns, error) {
	var (
		c   artifactColumns
		err error
	)
	if c.prompts, err = persistence.EncodeJSON(a.Prompts); err != nil {
		return c, err
	}
	if c.hparams, err = persistence.EncodeJSON(a.HParams); err != nil {
		return c, err
	}
	if c.routerRules, err = persistence.EncodeJSON(a.RouterRules); err != nil {
		return c, err
	}
	if c.tools, err = persistence.EncodeJSON(a.ToolsAllowlist); err != nil {
		return c, err
	}
	if c.weights, err = persistence.EncodeJSON(a.Weights); err != nil {
		return c, err
	}
	if c.provenance, err = persistence.EncodeJSON(a.Provenance); err != nil {
		return c, err
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                     Record
		status, createdAt       string
		prompts, hparams, rules sql.NullString
		tools, weights, prov    sql.NullString
		perf                    sql.NullString
		activatedAt, archivedAt sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.Doer, &rec.Phase, &rec.Version, &prompts, &hparams, &rules, &tools,
		&weights, &prov, &status, &activatedAt, &archivedAt, &perf, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan policy: %w", err)
	}
	rec.Status = Status(status)

	for _, col := range []struct {
		raw sql.NullString
		dst any
	}{
		{prompts, &rec.Prompts},
		{hparams, &rec.HParams},
		{rules, &rec.RouterRules},
		{tools, &rec.ToolsAllowlist},
		{weights, &rec.Weights},
		{prov, &rec.Provenance},
		{perf, &rec.PerformanceMetrics},
	} {
		if err := persistence.DecodeJSON(col.raw, col.dst); err != nil {
			return nil, err
		}
	}

	if rec.ActivatedAt, err = persistence.ScanTime(activatedAt); err != nil {
		return nil, err
	}
	if rec.ArchivedAt, err = persistence.ScanTime(archivedAt); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = persistence.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
