package corpus_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/service/corpus"
)

var cfg = model.PipelineConfig{AdmissionThreshold: 3, QualityThreshold: 3, CooldownSeconds: 5}

func event(q string, pref model.Preference, rating int) model.FeedbackEvent {
	return model.FeedbackEvent{
		Query:         q,
		ResponseA:     "answer-a:" + q,
		ResponseB:     "answer-b:" + q,
		Preferred:     pref,
		OverallRating: rating,
		QualityScores: map[string]int{"accuracy": rating},
	}
}

func TestBuild_Empty(t *testing.T) {
	out := corpus.Build(nil, cfg)
	require.Len(t, out, 2)
	assert.NotNil(t, out[model.BackendA])
	assert.NotNil(t, out[model.BackendB])
	assert.Empty(t, out[model.BackendA])
	assert.Empty(t, out[model.BackendB])
}

func TestBuild_InclusionRules(t *testing.T) {
	queue := []model.FeedbackEvent{
		event("only-a", model.PreferA, 4),
		event("only-b", model.PreferB, 5),
		event("both", model.PreferBoth, 5),
		event("neither", model.PreferNeither, 5),
		event("low-a", model.PreferA, 2),
		event("low-both", model.PreferBoth, 1),
	}

	out := corpus.Build(queue, cfg)

	a, b := out[model.BackendA], out[model.BackendB]
	require.Len(t, a, 2)
	require.Len(t, b, 2)

	assert.Equal(t, "answer-a:only-a", a[0].Completion)
	assert.Equal(t, "answer-a:both", a[1].Completion)
	assert.Equal(t, "answer-b:only-b", b[0].Completion)
	assert.Equal(t, "answer-b:both", b[1].Completion)
}

func TestBuild_BothProducesDistinctExamples(t *testing.T) {
	out := corpus.Build([]model.FeedbackEvent{event("shared", model.PreferBoth, 5)}, cfg)

	a, b := out[model.BackendA], out[model.BackendB]
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].Prompt, b[0].Prompt)
	assert.Equal(t, a[0].Rating, b[0].Rating)
	assert.NotEqual(t, a[0].Completion, b[0].Completion)
	assert.Equal(t, "Question: shared\n\nAnswer:", a[0].Prompt)

	// Quality scores are copied per example.
	a[0].QualityScores["accuracy"] = 1
	assert.Equal(t, 5, b[0].QualityScores["accuracy"])
}

func TestBuild_PartitionProperty(t *testing.T) {
	prefs := []model.Preference{model.PreferA, model.PreferB, model.PreferBoth, model.PreferNeither}
	for seed := 0; seed < 64; seed++ {
		var queue []model.FeedbackEvent
		qualifying, both := 0, 0
		for i := 0; i < 12; i++ {
			pref := prefs[(seed+i*7)%len(prefs)]
			rating := 1 + (seed*3+i)%5
			queue = append(queue, event("q", pref, rating))
			if rating >= cfg.QualityThreshold && pref != model.PreferNeither {
				qualifying++
				if pref == model.PreferBoth {
					both++
				}
			}
		}
		out := corpus.Build(queue, cfg)
		total := len(out[model.BackendA]) + len(out[model.BackendB])
		assert.Equal(t, qualifying+both, total, "seed %d", seed)
	}
}

func TestBuild_UnvalidatedEmptyCompletionFailsEncode(t *testing.T) {
	e := event("missing", model.PreferBoth, 5)
	e.ResponseB = ""
	out := corpus.Build([]model.FeedbackEvent{e}, cfg)
	require.Len(t, out[model.BackendA], 1)
	require.Len(t, out[model.BackendB], 1, "every qualifying event contributes")

	_, err := corpus.Encode(out[model.BackendB])
	assert.ErrorIs(t, err, corpus.ErrMalformedExample)
}

func TestSizes(t *testing.T) {
	out := corpus.Build([]model.FeedbackEvent{
		event("1", model.PreferA, 4),
		event("2", model.PreferA, 5),
		event("3", model.PreferA, 3),
	}, cfg)
	assert.Equal(t, map[model.BackendID]int{model.BackendA: 3, model.BackendB: 0}, corpus.Sizes(out))
}

func TestEncode_JSONLines(t *testing.T) {
	examples := corpus.Build([]model.FeedbackEvent{
		event("<html> & friends", model.PreferA, 4),
		event("second", model.PreferA, 5),
	}, cfg)[model.BackendA]

	data, err := corpus.Encode(examples)
	require.NoError(t, err)

	sc := bufio.NewScanner(bytes.NewReader(data))
	var lines int
	for sc.Scan() {
		var got model.TrainingExample
		require.NoError(t, json.Unmarshal(sc.Bytes(), &got))
		assert.Equal(t, examples[lines].Prompt, got.Prompt)
		lines++
	}
	assert.Equal(t, 2, lines)
	assert.Contains(t, string(data), "<html> & friends", "HTML must not be escaped")
}

func TestEncode_Empty(t *testing.T) {
	data, err := corpus.Encode(nil)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestEncodeFormat_Contents(t *testing.T) {
	examples := corpus.Build([]model.FeedbackEvent{event("hello", model.PreferB, 5)}, cfg)[model.BackendB]

	data, err := corpus.EncodeFormat(corpus.FormatContents, examples)
	require.NoError(t, err)

	var line struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	require.Len(t, line.Contents, 2)
	assert.Equal(t, "user", line.Contents[0].Role)
	assert.Equal(t, "Question: hello\n\nAnswer:", line.Contents[0].Parts[0].Text)
	assert.Equal(t, "model", line.Contents[1].Role)
	assert.Equal(t, "answer-b:hello", line.Contents[1].Parts[0].Text)
}

func TestParseFormat(t *testing.T) {
	f, err := corpus.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, corpus.FormatPromptCompletion, f)

	f, err = corpus.ParseFormat("contents")
	require.NoError(t, err)
	assert.Equal(t, corpus.FormatContents, f)

	_, err = corpus.ParseFormat("csv")
	assert.Error(t, err)

	_, err = corpus.EncodeFormat("csv", nil)
	assert.Error(t, err)
}

func TestEncode_Malformed(t *testing.T) {
	_, err := corpus.Encode([]model.TrainingExample{{Prompt: "p", Completion: "", Rating: 3}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, corpus.ErrMalformedExample))
}
