// Package policy implements the versioned, signed Policy Store.
//
// A policy is the behavior configuration for one (doer, phase) pair. Records move
// through draft -> shadow -> canary -> active -> archived; at most one record per
// doer is active at a time.
package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Status is a policy lifecycle state.
type Status string

// Lifecycle states in forward order.
const (
	StatusDraft    Status = "draft"
	StatusShadow   Status = "shadow"
	StatusCanary   Status = "canary"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// MaxExtraHParams bounds the open extension map on HParams.
const MaxExtraHParams = 32

//nolint:gochecknoglobals // lifecycle order is static
var lifecycle = []Status{StatusDraft, StatusShadow, StatusCanary, StatusActive, StatusArchived}

func (s Status) rank() int {
	for i, st := range lifecycle {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Next returns the following lifecycle state. Archived has no successor.
func (s Status) Next() (Status, bool) {
	r := s.rank()
	if r < 0 || r >= len(lifecycle)-1 {
		return "", false
	}
	return lifecycle[r+1], true
}

// CanTransition reports whether from -> to is allowed: exactly one step forward,
// or archived from any non-archived state.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from == StatusArchived {
		return false
	}
	if to == StatusArchived {
		return true
	}
	return to.rank() == from.rank()+1
}

// HParams holds model hyperparameters. Extra carries forward-compatible keys.
type HParams struct {
	Extra       map[string]any `json:"extra,omitempty"`
	Temperature float64        `json:"temperature" validate:"gte=0,lte=2"`
	TopP        float64        `json:"top_p,omitempty" validate:"gte=0,lte=1"`
	BudgetUSD   float64        `json:"budget_usd,omitempty" validate:"gte=0"`
	MaxTokens   int            `json:"max_tokens,omitempty" validate:"gte=0"`
}

// UnmarshalJSON keeps numbers in Extra as json.Number so they survive a
// round trip through storage with their exact digits.
func (h *HParams) UnmarshalJSON(data []byte) error {
	type plain HParams
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*h = HParams(p)
	return nil
}

// canonical re-encodes h through a generic JSON value: map keys are sorted at
// every depth and numbers keep their encoded digits, so an in-memory value
// and its stored copy encode identically.
func (h HParams) canonical() (json.RawMessage, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// RouterRule picks a model for a task type. Match "*" applies to every task type.
type RouterRule struct {
	Match         string `json:"match" validate:"required"`
	Model         string `json:"model" validate:"required"`
	FallbackModel string `json:"fallback_model,omitempty"`
}

// Provenance records where a policy came from and its content signature.
type Provenance struct {
	CreatedAt      time.Time `json:"created_at"`
	ParentPolicyID string    `json:"parent_policy_id,omitempty"`
	ExperimentID   string    `json:"experiment_id,omitempty"`
	CreatedBy      string    `json:"created_by,omitempty"`
	Signature      string    `json:"signature"`
}

// Artifact is the versioned configuration unit for one (doer, phase).
type Artifact struct {
	Prompts        map[string]string  `json:"prompts"`
	Weights        map[string]float64 `json:"weights,omitempty"`
	Doer           string             `json:"doer" validate:"required"`
	Phase          string             `json:"phase" validate:"required"`
	Version        string             `json:"version" validate:"required"`
	RouterRules    []RouterRule       `json:"router_rules,omitempty" validate:"dive"`
	ToolsAllowlist []string           `json:"tools_allowlist,omitempty"`
	Provenance     Provenance         `json:"provenance"`
	HParams        HParams            `json:"hparams"`
}

// Record is a stored artifact with its lifecycle state.
type Record struct {
	CreatedAt          time.Time          `json:"created_at"`
	ActivatedAt        *time.Time         `json:"activated_at,omitempty"`
	ArchivedAt         *time.Time         `json:"archived_at,omitempty"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics,omitempty"`
	ID                 string             `json:"id"`
	Status             Status             `json:"status"`
	Artifact
}

// Promotion is one entry of the append-only promotion log.
type Promotion struct {
	Timestamp time.Time `json:"timestamp"`
	PolicyID  string    `json:"policy_id"`
	From      Status    `json:"from_status"`
	To        Status    `json:"to_status"`
	Rationale string    `json:"rationale,omitempty"`
}

//nolint:gochecknoglobals // validator caches struct metadata
var validate = validator.New()

// Validate checks the artifact's required fields and bounds.
func (a *Artifact) Validate() error {
	if err := validate.Struct(a); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("field %s failed %s validation", fe.Namespace(), fe.Tag())
		}
		return err
	}
	if len(a.HParams.Extra) > MaxExtraHParams {
		return fmt.Errorf("hparams.extra has %d keys, limit is %d", len(a.HParams.Extra), MaxExtraHParams)
	}
	return nil
}

// signedFields are the semantically meaningful fields covered by the signature.
type signedFields struct {
	Prompts map[string]string `json:"prompts"`
	Doer    string            `json:"doer"`
	Phase   string            `json:"phase"`
	Version string            `json:"version"`
	HParams json.RawMessage   `json:"hparams"`
}

// Sign returns the hex SHA-256 of the canonical JSON of doer, phase, version,
// prompts and hparams. encoding/json sorts map keys, so the encoding is stable.
func (a *Artifact) Sign() (string, error) {
	hparams, err := a.HParams.canonical()
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize hparams: %w", err)
	}
	data, err := json.Marshal(signedFields{
		Doer:    a.Doer,
		Phase:   a.Phase,
		Version: a.Version,
		Prompts: a.Prompts,
		HParams: hparams,
	})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize policy: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Route returns the model and fallback for taskType. An exact match wins over "*".
func (a *Artifact) Route(taskType string) (model, fallback string, ok bool) {
	var wildcard *RouterRule
	for i := range a.RouterRules {
		r := &a.RouterRules[i]
		if r.Match == taskType {
			return r.Model, r.FallbackModel, true
		}
		if r.Match == "*" && wildcard == nil {
			wildcard = r
		}
	}
	if wildcard != nil {
		return wildcard.Model, wildcard.FallbackModel, true
	}
	return "", "", false
}
