// Package curator turns run artifact bundles into deduplicated, PII-redacted,
// labeled training samples grouped into datasets.
package curator

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"learnops/pkg/logx"
	"learnops/pkg/metrics"
	"learnops/pkg/opserrors"
	"learnops/pkg/persistence"
	"learnops/pkg/tokens"
)

// Validation holds Q/A/V scores for an artifact.
type Validation struct {
	Grounding     float64 `json:"grounding" validate:"gte=0,lte=1"`
	Specificity   float64 `json:"specificity" validate:"gte=0,lte=1"`
	Correctness   float64 `json:"correctness" validate:"gte=0,lte=1"`
	Contradiction bool    `json:"contradiction"`
}

// Artifact is one produced artifact in a bundle.
type Artifact struct {
	Validation *Validation `json:"validation,omitempty"`
	ID         string      `json:"id"`
	Type       string      `json:"type" validate:"required"`
	Content    string      `json:"content" validate:"required"`
}

// Bundle is the telemetry of one run handed to the curator. Bundle-level
// validation and gates apply to artifacts that carry no validation of their own.
type Bundle struct {
	Validation  *Validation `json:"validation,omitempty"`
	RunID       string      `json:"run_id"`
	Doer        string      `json:"doer"`
	Phase       string      `json:"phase"`
	Artifacts   []Artifact  `json:"artifacts" validate:"required,min=1,dive"`
	GatesPassed []string    `json:"gates_passed,omitempty"`
	GatesFailed []string    `json:"gates_failed,omitempty"`
}

// Sample is a stored, curated training sample.
type Sample struct {
	CreatedAt  time.Time `json:"created_at"`
	DatasetID  string    `json:"dataset_id"`
	ArtifactID string    `json:"artifact_id"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	InputHash  string    `json:"input_hash"`
	Labels     Labels    `json:"labels"`
}

// Dataset groups the samples kept from one bundle.
type Dataset struct {
	CreatedAt   time.Time `json:"created_at"`
	ID          string    `json:"id"`
	Doer        string    `json:"doer"`
	Phase       string    `json:"phase"`
	SourceRunID string    `json:"source_run_id"`
	SampleCount int       `json:"sample_count"`
}

// Report summarizes one ProcessBundle call.
type Report struct {
	DatasetID  string `json:"dataset_id"`
	Kept       int    `json:"kept"`
	Duplicates int    `json:"duplicates"`
	Redactions int    `json:"redactions"`
}

//nolint:gochecknoglobals // validator caches struct metadata
var validate = validator.New()

// Curator runs the extract, dedupe, redact, label and persist pipeline.
type Curator struct {
	store    *persistence.Store
	redactor *Redactor
	counter  *tokens.Counter
	recorder metrics.Recorder
	logger   *logx.Logger
	now      func() time.Time
}

// New creates a curator. A nil redactor uses the built-in patterns; a nil recorder disables metrics.
func New(store *persistence.Store, redactor *Redactor, recorder metrics.Recorder) (*Curator, error) {
	if redactor == nil {
		var err error
		if redactor, err = NewRedactor(""); err != nil {
			return nil, err
		}
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &Curator{
		store:    store,
		redactor: redactor,
		counter:  tokens.Default(),
		recorder: recorder,
		logger:   logx.NewLogger("curator"),
		now:      time.Now,
	}, nil
}

// ContentHash returns the hex BLAKE2b-256 of raw content.
func ContentHash(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

type candidate struct {
	artifact *Artifact
	raw      string
	sample   Sample
}

// ProcessBundle curates a bundle into a new dataset. Samples whose content hash
// is already stored, or repeats within the bundle, are dropped before
// redaction; raw content never reaches storage.
func (c *Curator) ProcessBundle(ctx context.Context, b *Bundle) (*Report, error) {
	if b == nil {
		return nil, opserrors.Validation("curator.process_bundle", "bundle is required")
	}
	if err := validate.Struct(b); err != nil {
		return nil, opserrors.Validation("curator.process_bundle", "%v", err)
	}

	// Extract.
	candidates := make([]candidate, 0, len(b.Artifacts))
	for i := range b.Artifacts {
		a := &b.Artifacts[i]
		id := a.ID
		if id == "" {
			id = fmt.Sprintf("artifact-%d", i)
		}
		candidates = append(candidates, candidate{
			artifact: a,
			raw:      a.Content,
			sample: Sample{
				ArtifactID: id,
				Type:       a.Type,
				InputHash:  ContentHash(a.Content),
			},
		})
	}

	// Deduplicate.
	report := &Report{}
	seen := make(map[string]struct{}, len(candidates))
	kept := candidates[:0]
	for _, cand := range candidates {
		if _, dup := seen[cand.sample.InputHash]; dup {
			report.Duplicates++
			continue
		}
		seen[cand.sample.InputHash] = struct{}{}
		exists, err := c.hashExists(ctx, cand.sample.InputHash)
		if err != nil {
			return nil, err
		}
		if exists {
			report.Duplicates++
			continue
		}
		kept = append(kept, cand)
	}

	// Redact and label.
	for i := range kept {
		cand := &kept[i]
		redacted, n, err := c.redactor.Redact(ctx, cand.raw)
		if err != nil {
			return nil, err
		}
		report.Redactions += n
		cand.sample.Content = redacted
		cand.raw = ""
		cand.sample.Labels = c.label(b, cand.artifact, redacted)
	}

	// Persist.
	datasetID := uuid.New().String()
	now := c.now()
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO datasets (id, doer, phase, source_run_id, sample_count, created_at)
			VALUES (?, ?, ?, ?, 0, ?)`,
			datasetID, b.Doer, b.Phase, b.RunID, persistence.FormatTime(now)); err != nil {
			return fmt.Errorf("failed to create dataset: %w", err)
		}

		for i := range kept {
			inserted, err := insertSample(ctx, tx, datasetID, &kept[i].sample, now)
			if err != nil {
				return err
			}
			if inserted {
				report.Kept++
			} else {
				report.Duplicates++
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE datasets SET sample_count = ? WHERE id = ?`,
			report.Kept, datasetID); err != nil {
			return fmt.Errorf("failed to update dataset count: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.DatasetID = datasetID
	c.recorder.AddCuratedSamples("kept", report.Kept)
	c.recorder.AddCuratedSamples("duplicate", report.Duplicates)
	c.logger.Info("curated run %s into dataset %s: kept=%d duplicates=%d redactions=%d",
		b.RunID, datasetID, report.Kept, report.Duplicates, report.Redactions)
	return report, nil
}

func (c *Curator) label(b *Bundle, a *Artifact, redacted string) Labels {
	synthetic := SyntheticConfidence(c.counter, redacted)
	l := Labels{
		GatesPassed:         nonNil(b.GatesPassed),
		GatesFailed:         nonNil(b.GatesFailed),
		Origin:              Origin(synthetic),
		SyntheticConfidence: synthetic,
	}

	v := a.Validation
	if v == nil {
		v = b.Validation
	}
	if v != nil {
		l.Grounding = v.Grounding
		l.Specificity = v.Specificity
		l.Correctness = v.Correctness
		l.Contradiction = v.Contradiction
	} else {
		l.Specificity = Specificity(c.counter, redacted)
	}
	return l
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (c *Curator) hashExists(ctx context.Context, hash string) (bool, error) {
	var one int
	err := c.store.DB().QueryRowContext(ctx, `SELECT 1 FROM dataset_samples WHERE input_hash = ? LIMIT 1`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check sample hash: %w", err)
	}
	return true, nil
}

// insertSample stores a sample; a concurrent insert of the same hash is reported as not inserted.
func insertSample(ctx context.Context, tx *sql.Tx, datasetID string, s *Sample, now time.Time) (bool, error) {
	passed, err := persistence.EncodeJSON(s.Labels.GatesPassed)
	if err != nil {
		return false, err
	}
	failed, err := persistence.EncodeJSON(s.Labels.GatesFailed)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO dataset_samples (dataset_id, artifact_id, type, content, input_hash, grounding, contradiction,
			specificity, correctness, gates_passed, gates_failed, origin, synthetic_confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		datasetID, s.ArtifactID, s.Type, s.Content, s.InputHash, s.Labels.Grounding,
		persistence.BoolInt(s.Labels.Contradiction), s.Labels.Specificity, s.Labels.Correctness,
		passed, failed, s.Labels.Origin, s.Labels.SyntheticConfidence, persistence.FormatTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to insert sample %s: %w", s.ArtifactID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// Samples returns the samples of a dataset in insertion order.
func (c *Curator) Samples(ctx context.Context, datasetID string) ([]Sample, error) {
	if _, err := c.GetDataset(ctx, datasetID); err != nil {
		return nil, err
	}
	rows, err := c.store.DB().QueryContext(ctx, `
		SELECT dataset_id, artifact_id, type, content, input_hash, grounding, contradiction, specificity,
			correctness, gates_passed, gates_failed, origin, synthetic_confidence, created_at
		FROM dataset_samples WHERE dataset_id = ? ORDER BY rowid ASC`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Sample{}
	for rows.Next() {
		var (
			s              Sample
			contradiction  int
			passed, failed sql.NullString
			createdAt      string
		)
		if err := rows.Scan(&s.DatasetID, &s.ArtifactID, &s.Type, &s.Content, &s.InputHash,
			&s.Labels.Grounding, &contradiction, &s.Labels.Specificity, &s.Labels.Correctness,
			&passed, &failed, &s.Labels.Origin, &s.Labels.SyntheticConfidence, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.Labels.Contradiction = contradiction != 0
		if err := persistence.DecodeJSON(passed, &s.Labels.GatesPassed); err != nil {
			return nil, err
		}
		if err := persistence.DecodeJSON(failed, &s.Labels.GatesFailed); err != nil {
			return nil, err
		}
		if s.CreatedAt, err = persistence.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetDataset returns dataset metadata.
func (c *Curator) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	d, err := scanDataset(c.store.DB().QueryRowContext(ctx, `
		SELECT id, doer, phase, source_run_id, sample_count, created_at FROM datasets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, opserrors.NotFound("curator.get_dataset", "dataset", id)
	}
	return d, err
}

// ListDatasets returns the most recent datasets, newest first.
func (c *Curator) ListDatasets(ctx context.Context, limit int) ([]Dataset, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.store.DB().QueryContext(ctx, `
		SELECT id, doer, phase, source_run_id, sample_count, created_at
		FROM datasets ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Dataset{}
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDataset(row scanner) (*Dataset, error) {
	var (
		d         Dataset
		createdAt string
	)
	if err := row.Scan(&d.ID, &d.Doer, &d.Phase, &d.SourceRunID, &d.SampleCount, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan dataset: %w", err)
	}
	var err error
	if d.CreatedAt, err = persistence.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &d, nil
}
