// Package corpus turns admitted feedback into per-backend training corpora
// and encodes them as JSON Lines for upload.
package corpus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/ashita-ai/hikaku/internal/model"
)

// ErrMalformedExample is returned by Encode when an example violates the
// builder's guarantees. It indicates a bug, not an operational failure.
var ErrMalformedExample = errors.New("corpus: malformed training example")

// Prompt formats a user query as a completion prompt.
func Prompt(query string) string {
	return "Question: " + query + "\n\nAnswer:"
}

// Build produces one corpus per backend from queue. An event contributes to
// a backend when it meets cfg.QualityThreshold and the reviewer preferred
// that backend's answer (or both). Events must already be validated; a
// blank preferred answer surfaces as ErrMalformedExample at encode time.
// The result always has an entry for every backend, possibly empty.
func Build(queue []model.FeedbackEvent, cfg model.PipelineConfig) map[model.BackendID][]model.TrainingExample {
	out := make(map[model.BackendID][]model.TrainingExample, len(model.Backends))
	for _, b := range model.Backends {
		out[b] = []model.TrainingExample{}
	}

	for _, e := range queue {
		if !e.HighQuality(cfg.QualityThreshold) {
			continue
		}
		for _, b := range model.Backends {
			if !e.Preferred.Includes(b) {
				continue
			}
			out[b] = append(out[b], model.TrainingExample{
				Prompt:        Prompt(e.Query),
				Completion:    e.Response(b),
				Rating:        e.OverallRating,
				QualityScores: cloneScores(e.QualityScores),
			})
		}
	}
	return out
}

// Sizes returns the number of examples per backend.
func Sizes(corpora map[model.BackendID][]model.TrainingExample) map[model.BackendID]int {
	sizes := make(map[model.BackendID]int, len(corpora))
	for b, c := range corpora {
		sizes[b] = len(c)
	}
	return sizes
}

// Encode serializes examples as JSON Lines, one object per line with a
// trailing newline. An empty corpus encodes to an empty slice.
func Encode(examples []model.TrainingExample) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, ex := range examples {
		if err := check(ex); err != nil {
			return nil, fmt.Errorf("%w: example %d: %v", ErrMalformedExample, i, err)
		}
		if err := enc.Encode(ex); err != nil {
			return nil, fmt.Errorf("corpus: encode example %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Format selects the line schema of an encoded corpus.
type Format string

const (
	// FormatPromptCompletion writes TrainingExample objects as-is.
	FormatPromptCompletion Format = "prompt_completion"
	// FormatContents writes one user/model conversation per line, the shape
	// expected by Gemini supervised tuning.
	FormatContents Format = "contents"
)

// ParseFormat parses a format name; the empty string selects
// FormatPromptCompletion.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatPromptCompletion:
		return FormatPromptCompletion, nil
	case FormatContents:
		return FormatContents, nil
	default:
		return "", fmt.Errorf("corpus: unknown format %q", s)
	}
}

type contentPart struct {
	Text string `json:"text"`
}

type content struct {
	Role  string        `json:"role"`
	Parts []contentPart `json:"parts"`
}

type contentsLine struct {
	Contents []content `json:"contents"`
}

// EncodeFormat serializes examples in the given format.
func EncodeFormat(f Format, examples []model.TrainingExample) ([]byte, error) {
	switch f {
	case "", FormatPromptCompletion:
		return Encode(examples)
	case FormatContents:
	default:
		return nil, fmt.Errorf("corpus: unknown format %q", f)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, ex := range examples {
		if err := check(ex); err != nil {
			return nil, fmt.Errorf("%w: example %d: %v", ErrMalformedExample, i, err)
		}
		line := contentsLine{Contents: []content{
			{Role: "user", Parts: []contentPart{{Text: ex.Prompt}}},
			{Role: "model", Parts: []contentPart{{Text: ex.Completion}}},
		}}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("corpus: encode example %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func check(ex model.TrainingExample) error {
	if ex.Prompt == "" {
		return errors.New("empty prompt")
	}
	if ex.Completion == "" {
		return errors.New("empty completion")
	}
	if ex.Rating < model.MinRating || ex.Rating > model.MaxRating {
		return fmt.Errorf("rating %d out of range", ex.Rating)
	}
	return nil
}

func cloneScores(s map[string]int) map[string]int {
	if s == nil {
		return map[string]int{}
	}
	return maps.Clone(s)
}
