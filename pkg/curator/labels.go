package curator

import (
	"strings"

	"learnops/pkg/crl"
	"learnops/pkg/tokens"
)

// Content origins assigned by the labeler.
const (
	OriginHuman     = "human"
	OriginGenerated = "generated"
	OriginMixed     = "mixed"
)

// Labels are the training labels attached to a sample.
type Labels struct {
	GatesPassed         []string `json:"gates_passed"`
	GatesFailed         []string `json:"gates_failed"`
	Origin              string   `json:"origin"`
	Grounding           float64  `json:"grounding"`
	Specificity         float64  `json:"specificity"`
	Correctness         float64  `json:"correctness"`
	SyntheticConfidence float64  `json:"synthetic_confidence"`
	Contradiction       bool     `json:"contradiction"`
}

//nolint:gochecknoglobals // static phrase list
var boilerplate = []string{
	"as an ai",
	"as a language model",
	"certainly!",
	"here is",
	"here's a",
	"in conclusion",
	"i hope this helps",
	"let me know if",
	"it is important to note",
	"lorem ipsum",
}

// SyntheticConfidence estimates how likely text is model-generated boilerplate, in [0,1].
// It blends low token diversity with stock-phrase and placeholder hits.
func SyntheticConfidence(counter *tokens.Counter, text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	lower := strings.ToLower(text)

	hits := 0
	for _, phrase := range boilerplate {
		if strings.Contains(lower, phrase) {
			hits++
		}
	}
	phraseScore := float64(hits) / 3
	if phraseScore > 1 {
		phraseScore = 1
	}

	placeholder := 0.0
	if strings.Contains(text, "{{") || strings.Contains(text, "TODO") || strings.Contains(text, "<placeholder>") {
		placeholder = 1
	}

	repetition := 1 - counter.Diversity(text)
	score := 0.4*repetition + 0.4*phraseScore + 0.2*placeholder
	return crl.Clamp01(score)
}

// Origin maps a synthetic-confidence score to an origin label.
func Origin(synthetic float64) string {
	switch {
	case synthetic >= 0.6:
		return OriginGenerated
	case synthetic <= 0.3:
		return OriginHuman
	default:
		return OriginMixed
	}
}

// Specificity estimates concreteness from token diversity and the share of
// numeric or identifier-like tokens, in [0,1]. Used when no validation score is supplied.
func Specificity(counter *tokens.Counter, text string) float64 {
	toks := counter.Tokens(text)
	if len(toks) == 0 {
		return 0
	}
	concrete := 0
	for _, t := range toks {
		if strings.ContainsAny(t, "0123456789_./:") {
			concrete++
		}
	}
	ratio := float64(concrete) / float64(len(toks))
	return crl.Clamp01(0.5*counter.Diversity(text) + ratio)
}
