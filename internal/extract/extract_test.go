package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkerExtractorToleratesNoise(t *testing.T) {
	raw := "Loading model...\nWARNING: tensorflow banner\n" +
		`JSON_RESULT_START{"success":true,"text":"hello"}JSON_RESULT_END` +
		"\ntrailing noise JSON_RESULT_END again"
	res, err := NewMarkerExtractor("", "", Options{}).Extract(raw)
	require.NoError(t, err)
	require.Equal(t, Result{Success: true, Text: "hello"}, res)
}

func TestMarkerExtractorCategories(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Category
	}{
		{"no markers", `{"success":true,"text":"hello"}`, CategoryMarkersMissing},
		{"start only", `noise JSON_RESULT_START{"success":true,"text":"hello"}`, CategoryMarkerUnterminated},
		{"end before start", `JSON_RESULT_END junk JSON_RESULT_START`, CategoryMarkerUnterminated},
		{"stray end before a complete pair", `banner JSON_RESULT_END noise JSON_RESULT_START{"success":true,"text":"hello"}JSON_RESULT_END`, CategoryMarkerUnterminated},
		{"invalid json", `JSON_RESULT_START{"success":tru JSON_RESULT_END`, CategoryJSONInvalid},
		{"empty slice", `JSON_RESULT_START   JSON_RESULT_END`, CategoryJSONInvalid},
		{"explicit failure", `JSON_RESULT_START{"success":false,"error":"no speech"}JSON_RESULT_END`, CategoryResultFailed},
		{"missing text", `JSON_RESULT_START{"success":true}JSON_RESULT_END`, CategoryTextMissing},
		{"blank text", `JSON_RESULT_START{"success":true,"text":"   "}JSON_RESULT_END`, CategoryTextMissing},
	}
	ex := NewMarkerExtractor("", "", Options{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ex.Extract(tc.raw)
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			require.Equal(t, tc.want, pe.Category)
			require.Equal(t, tc.raw, pe.Raw)
		})
	}
}

func TestStartOnlyIsDistinctFromInvalidJSON(t *testing.T) {
	ex := NewMarkerExtractor("", "", Options{})
	_, unterminated := ex.Extract(`JSON_RESULT_START{"text":"a"}`)
	_, invalid := ex.Extract(`JSON_RESULT_START{"text":JSON_RESULT_END`)
	require.NotEqual(t, CategoryOf(unterminated), CategoryOf(invalid))
}

func TestExplicitFailureCarriesMessage(t *testing.T) {
	_, err := NewMarkerExtractor("", "", Options{}).Extract(`JSON_RESULT_START{"success":false,"message":"model load failed"}JSON_RESULT_END`)
	require.ErrorContains(t, err, "model load failed")
}

func TestTextIsTrimmedAndNormalized(t *testing.T) {
	// "e" followed by a combining acute accent composes to a single rune under NFC.
	res, err := DirectExtractor{}.Extract("  {\"text\":\"  cafe\\u0301 \"}\n")
	require.NoError(t, err)
	require.Equal(t, "caf\u00e9", res.Text)
	require.True(t, res.Success)
}

func TestDirectExtractorRejectsStrayOutput(t *testing.T) {
	_, err := DirectExtractor{}.Extract("debug line\n{\"text\":\"hello\"}")
	require.Equal(t, CategoryJSONInvalid, CategoryOf(err))

	_, err = DirectExtractor{}.Extract(`{"text":"a"} {"text":"b"}`)
	require.Equal(t, CategoryJSONInvalid, CategoryOf(err))
}

func TestCustomMarkers(t *testing.T) {
	ex := NewMarkerExtractor("<<<", ">>>", Options{})
	res, err := ex.Extract(`noise <<<{"text":"你好","confidence":0.92}>>> more`)
	require.NoError(t, err)
	require.Equal(t, "你好", res.Text)
	require.InDelta(t, 0.92, res.Confidence, 1e-9)
}

func TestAllowEmptyTextForLabels(t *testing.T) {
	ex := NewMarkerExtractor("", "", Options{AllowEmptyText: true})

	res, err := ex.Extract(`JSON_RESULT_START{"success":true,"label":"give_you","confidence":0.8}JSON_RESULT_END`)
	require.NoError(t, err)
	require.Equal(t, "give_you", res.Label)
	require.Empty(t, res.Text)

	res, err = ex.Extract(`JSON_RESULT_START{"success":true,"label":"","idle":true}JSON_RESULT_END`)
	require.NoError(t, err)
	require.True(t, res.Idle)

	_, err = ex.Extract(`JSON_RESULT_START{"success":true}JSON_RESULT_END`)
	require.Equal(t, CategoryTextMissing, CategoryOf(err))
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New("regex", "", "", Options{})
	require.Error(t, err)

	ex, err := New("direct", "", "", Options{})
	require.NoError(t, err)
	require.IsType(t, DirectExtractor{}, ex)
}
