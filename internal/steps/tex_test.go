package steps

import (
	"encoding/json"
	"testing"

	"github.com/kiranshivaraju/gradeflow/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTex(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"crlf and trailing space", "a  \r\nb\t\r\n", "a\nb\n"},
		{"blank runs collapse", "a\n\n\n\nb", "a\n\nb\n"},
		{"surrounding blanks trimmed", "\n\nx\n\n", "x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTex(tt.in))
		})
	}
	once := NormalizeTex("a \r\n\r\n\r\nb")
	assert.Equal(t, once, NormalizeTex(once))
}

func TestSplitProblems(t *testing.T) {
	doc := NormalizeTex(`\documentclass{article}
\problem Derivatives
Compute f'(x).
\section{Integrals}
Compute the integral.
\problem
Last one.`)

	got := SplitProblems(doc)
	require.Len(t, got, 3)
	assert.Equal(t, Problem{Index: 1, Title: "Derivatives", Body: "Compute f'(x)."}, got[0])
	assert.Equal(t, "Integrals", got[1].Title)
	assert.Equal(t, 2, got[1].Index)
	assert.Equal(t, "Problem 3", got[2].Title)
	assert.Equal(t, "Last one.", got[2].Body)
}

func TestSplitProblems_NoMarkers(t *testing.T) {
	got := SplitProblems("% placeholder\n")
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, "% placeholder", got[0].Body)
}

func TestDecodeMeta(t *testing.T) {
	m, err := DecodeMeta(pipeline.StepPDFToTex, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, m.(*PDFToTexMeta).PageCount)

	m, err = DecodeMeta(pipeline.StepPDFToTex, json.RawMessage(`{"pageCount":7}`))
	require.NoError(t, err)
	assert.Equal(t, 7, m.(*PDFToTexMeta).PageCount)

	_, err = DecodeMeta(pipeline.StepPDFToTex, json.RawMessage(`{"pageCount":-2}`))
	assert.Error(t, err)

	_, err = DecodeMeta(pipeline.StepEvaluateProblem, json.RawMessage(`{}`))
	assert.Error(t, err)

	_, err = DecodeMeta(pipeline.StepEvaluateProblem, json.RawMessage(`not json`))
	assert.Error(t, err)

	m, err = DecodeMeta(pipeline.StepTexNormalize, nil)
	require.NoError(t, err)
	assert.Equal(t, NoMeta{}, m)
}
