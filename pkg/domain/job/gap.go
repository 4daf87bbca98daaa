package job

import (
	"fmt"
	"sort"
	"strings"
)

// UnknownSeparator labels wells the tool reported without a routing unit.
const UnknownSeparator = "Unknown"

// GAPSeries is one timestep of network results in the tool's pipe-delimited
// form, for example Wells "W1|W2|" and Series["Oil_rate"] "12.5|3.4e+35|".
type GAPSeries struct {
	// Timestep carries the sample date, e.g. "timestep_01/03/2025".
	Timestep string `json:"timestep"`
	// CurrentTimestep carries the index, e.g. "timestep_3".
	CurrentTimestep string            `json:"current_timestep"`
	Wells           string            `json:"wells"`
	Separators      string            `json:"separators"`
	Series          map[string]string `json:"series"`
}

// SplitPipeline splits a pipe-delimited list, dropping the trailing empty
// element the tool emits after the last separator.
func SplitPipeline(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "|")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// Date returns the date part of Timestep ("timestep_01/03/2025" -> "01/03/2025").
func (g *GAPSeries) Date() string {
	if _, date, ok := strings.Cut(g.Timestep, "_"); ok {
		return date
	}
	return g.Timestep
}

// Samples expands the series into one sample per well and property.
// Series of unequal length are truncated to the shortest non-empty one and
// a warning is returned.
func (g *GAPSeries) Samples() ([]RawSample, string) {
	wells := SplitPipeline(g.Wells)
	separators := SplitPipeline(g.Separators)
	for len(separators) < len(wells) {
		separators = append(separators, UnknownSeparator)
	}

	properties := make([]string, 0, len(g.Series))
	values := make(map[string][]string, len(g.Series))
	minLen := len(wells)
	mismatch := false
	for prop, raw := range g.Series {
		series := SplitPipeline(raw)
		if len(series) == 0 {
			continue
		}
		properties = append(properties, prop)
		values[prop] = series
		if len(series) != len(wells) {
			mismatch = true
		}
		if len(series) < minLen {
			minLen = len(series)
		}
	}
	sort.Strings(properties)

	var warning string
	if mismatch {
		lengths := make([]string, 0, len(properties))
		for _, prop := range properties {
			lengths = append(lengths, fmt.Sprintf("%s=%d", prop, len(values[prop])))
		}
		warning = fmt.Sprintf("gap series length mismatch at %s: wells=%d, %s; truncated to %d",
			g.Timestep, len(wells), strings.Join(lengths, ", "), minLen)
	}

	date := g.Date()
	samples := make([]RawSample, 0, minLen*len(properties))
	for i := 0; i < minLen; i++ {
		for _, prop := range properties {
			samples = append(samples, RawSample{
				ObjectInstance: wells[i],
				Property:       prop,
				Time:           date,
				Value:          Value(values[prop][i]),
				SubSource:      separators[i],
			})
		}
	}
	return samples, warning
}
