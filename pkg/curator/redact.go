package curator

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// defaultPatterns is the built-in PII pattern set.
//
//go:embed patterns.yaml
var defaultPatterns []byte

// DefaultMarker replaces every redacted match.
const DefaultMarker = "[redacted]"

// PatternFile is the YAML layout of a redaction pattern set.
type PatternFile struct {
	Marker   string    `yaml:"marker"`
	Patterns []Pattern `yaml:"patterns"`
}

// Pattern is one named redaction rule.
type Pattern struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Regex       string `yaml:"regex"`
	compiled    *regexp.Regexp
}

// Redactor replaces PII matches with a marker.
type Redactor struct {
	marker   string
	patterns []Pattern
}

// NewRedactor loads the pattern set from path, or the built-in set when path is empty.
func NewRedactor(path string) (*Redactor, error) {
	data := defaultPatterns
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read pattern file %s: %w", path, err)
		}
	}
	return ParseRedactor(data)
}

// ParseRedactor builds a redactor from YAML pattern data.
func ParseRedactor(data []byte) (*Redactor, error) {
	var file PatternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pattern file: %w", err)
	}
	if len(file.Patterns) == 0 {
		return nil, fmt.Errorf("pattern file defines no patterns")
	}
	for i := range file.Patterns {
		p := &file.Patterns[i]
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("failed to compile pattern %s: %w", p.ID, err)
		}
		p.compiled = re
	}
	if file.Marker == "" {
		file.Marker = DefaultMarker
	}
	return &Redactor{marker: file.Marker, patterns: file.Patterns}, nil
}

// Redact replaces every match and returns the redacted text and the number of replacements.
// ctx is checked between patterns.
func (r *Redactor) Redact(ctx context.Context, text string) (string, int, error) {
	count := 0
	for i := range r.patterns {
		select {
		case <-ctx.Done():
			return "", 0, fmt.Errorf("context cancelled during redaction: %w", ctx.Err())
		default:
		}

		p := &r.patterns[i]
		matches := p.compiled.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		count += len(matches)
		text = p.compiled.ReplaceAllLiteralString(text, r.marker)
	}
	return text, count, nil
}

// PatternIDs returns the ids of the loaded patterns in evaluation order.
func (r *Redactor) PatternIDs() []string {
	ids := make([]string, len(r.patterns))
	for i := range r.patterns {
		ids[i] = r.patterns[i].ID
	}
	return ids
}
