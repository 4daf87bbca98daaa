package job_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampValue(t *testing.T) {
	tests := []struct {
		raw    string
		want   float64
		wantOK bool
	}{
		{raw: "12.5", want: 12.5, wantOK: true},
		{raw: " -3 ", want: -3, wantOK: true},
		{raw: "1e10", want: 1e10, wantOK: true},
		{raw: "3.4e+35", want: 0, wantOK: false},
		{raw: "abc", want: 0, wantOK: false},
		{raw: "", want: 0, wantOK: false},
		{raw: "NaN", want: 0, wantOK: false},
		{raw: "+Inf", want: 0, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := job.ClampValue(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestValue_UnmarshalJSON(t *testing.T) {
	var samples []job.RawSample
	err := json.Unmarshal([]byte(`[
		{"object_instance":"W1","property":"Oil_rate","time":"01/01/2025","value":12.5},
		{"object_instance":"W1","property":"GOR","time":"01/01/2025","value":"3.4e+35"},
		{"object_instance":"W1","property":"WC","time":"01/01/2025","value":null}
	]`), &samples)
	require.NoError(t, err)

	assert.Equal(t, job.Value("12.5"), samples[0].Value)
	assert.Equal(t, job.Value("3.4e+35"), samples[1].Value)
	assert.Equal(t, job.Value(""), samples[2].Value)
}

func TestNewResult(t *testing.T) {
	completed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	out := &job.Output{
		Samples: []job.RawSample{
			{ObjectInstance: "W1", Property: "Oil_rate", Time: "01/01/2025", Value: "10"},
			{ObjectInstance: "W2", Property: "Oil_rate", Time: "01/01/2025", Value: "3.4e+35"},
		},
		GAP: []job.GAPSeries{{
			Timestep:   "timestep_01/02/2025",
			Wells:      "W1|",
			Separators: "SEP1|",
			Series:     map[string]string{"Gas_rate": "5|"},
		}},
		Log: strings.Repeat("x", job.MaxOutputLength+10),
	}

	r, warnings := job.NewResult(job.ScenarioKey("SC1"), 4, out, completed)

	assert.Equal(t, job.ResultSucceeded, r.Status)
	assert.Equal(t, 4, r.AttemptNumber)
	assert.Equal(t, completed, r.CompletedAt)
	assert.Len(t, r.Output, job.MaxOutputLength)
	require.Len(t, r.Samples, 3)
	assert.Equal(t, 0.0, r.Samples[1].Value)
	assert.Equal(t, job.Sample{ObjectInstance: "W1", Property: "Gas_rate", Time: "01/02/2025", Value: 5, SubSource: "SEP1"}, r.Samples[2])
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "1 sample values replaced")
}

func TestNewFailedResult(t *testing.T) {
	r := job.NewFailedResult(job.StepKey("wf", 1), 2, job.ReasonBudgetExhausted, "tail", time.Now())
	assert.Equal(t, job.ResultFailed, r.Status)
	assert.Equal(t, job.ReasonBudgetExhausted, r.Error)
	assert.Empty(t, r.Samples)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", job.Truncate("abc", 5))
	assert.Equal(t, "ab", job.Truncate("abc", 2))
	// "é" is two bytes; cutting inside it drops the whole rune.
	assert.Equal(t, "a", job.Truncate("aé", 2))
	assert.Equal(t, "aé", job.Truncate("aéb", 3))
}
