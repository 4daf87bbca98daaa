package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// OverflowThreshold is the magnitude above which the automation tool's
// values are treated as its "no data" sentinel (typically 3.4e+35).
const OverflowThreshold = 1e10

// MaxOutputLength bounds captured tool output stored with a result.
const MaxOutputLength = 5000

// ResultStatus is the terminal status of a persisted record.
type ResultStatus string

const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultFailed    ResultStatus = "failed"
)

// Value is a sample value as emitted by the tool. The tool writes numbers,
// numeric strings and occasionally free text, so decoding keeps the raw
// text and ClampValue decides the stored number.
type Value string

// UnmarshalJSON accepts JSON numbers, strings and null.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value(s)
	default:
		*v = Value(data)
	}
	return nil
}

// RawSample is one value reported by the tool.
type RawSample struct {
	ObjectInstance string `json:"object_instance"`
	Property       string `json:"property"`
	Time           string `json:"time"`
	Value          Value  `json:"value"`
	SubSource      string `json:"sub_source,omitempty"`
}

// Output is what the automation tool returns for one unit of work.
type Output struct {
	Samples []RawSample `json:"samples,omitempty"`
	GAP     []GAPSeries `json:"gap,omitempty"`

	// Log is the captured tool output, truncated to MaxOutputLength.
	Log string `json:"-"`
}

// Sample is a normalized value ready for persistence.
type Sample struct {
	ObjectInstance string  `json:"object_instance"`
	Property       string  `json:"property"`
	Time           string  `json:"time"`
	Value          float64 `json:"value"`
	SubSource      string  `json:"sub_source,omitempty"`
}

// Result is the normalized outcome of a job, tagged with the attempt that
// produced it.
type Result struct {
	Key           Key          `json:"key"`
	AttemptNumber int          `json:"attempt_number"`
	Status        ResultStatus `json:"status"`
	Error         string       `json:"error,omitempty"`
	Output        string       `json:"output,omitempty"`
	Samples       []Sample     `json:"samples,omitempty"`
	CompletedAt   time.Time    `json:"completed_at"`
}

// NewResult normalizes tool output into a successful result. The returned
// warnings describe data that was dropped or clamped.
func NewResult(key Key, attempt int, out *Output, completedAt time.Time) (*Result, []string) {
	r := &Result{
		Key:           key,
		AttemptNumber: attempt,
		Status:        ResultSucceeded,
		CompletedAt:   completedAt.UTC(),
	}
	if out == nil {
		return r, nil
	}
	r.Output = Truncate(out.Log, MaxOutputLength)

	var warnings []string
	clamped := 0
	add := func(raw RawSample) {
		value, ok := ClampValue(string(raw.Value))
		if !ok {
			clamped++
		}
		r.Samples = append(r.Samples, Sample{
			ObjectInstance: raw.ObjectInstance,
			Property:       raw.Property,
			Time:           raw.Time,
			Value:          value,
			SubSource:      raw.SubSource,
		})
	}

	for _, s := range out.Samples {
		add(s)
	}
	for i := range out.GAP {
		samples, warning := out.GAP[i].Samples()
		if warning != "" {
			warnings = append(warnings, warning)
		}
		for _, s := range samples {
			add(s)
		}
	}

	if clamped > 0 {
		warnings = append(warnings, fmt.Sprintf("%d sample values replaced with 0 (non-numeric or above %g)", clamped, OverflowThreshold))
	}
	return r, warnings
}

// NewFailedResult builds the record stored for a fatal failure.
func NewFailedResult(key Key, attempt int, reason, output string, completedAt time.Time) *Result {
	return &Result{
		Key:           key,
		AttemptNumber: attempt,
		Status:        ResultFailed,
		Error:         Truncate(reason, MaxOutputLength),
		Output:        Truncate(output, MaxOutputLength),
		CompletedAt:   completedAt.UTC(),
	}
}

// ClampValue applies the overflow policy: values that are not finite
// numbers, or exceed OverflowThreshold, become 0. ok is false when the
// value was replaced.
func ClampValue(raw string) (value float64, ok bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if v > OverflowThreshold {
		return 0, false
	}
	return v, true
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
