package job

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Scenario statuses written to the scenarios table.
const (
	ScenarioStatusQueued  = "QUEUED"
	ScenarioStatusSuccess = "SUCCESS"
	ScenarioStatusError   = "ERROR"

	scenarioRunningPrefix = "running_"
)

// Progress is a progress event streamed by the tool while it runs.
type Progress struct {
	Timestep        string `json:"timestep"`
	CurrentTimestep string `json:"current_timestep"`
	Message         string `json:"message,omitempty"`
}

// TimestepIndex parses the index from "timestep_<n>". Unparseable values
// count as 0.
func TimestepIndex(s string) int {
	idx := strings.LastIndex(s, "_")
	n, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

// ProgressTotal is the expected number of timesteps: the declared count
// plus one per whole 30-day month between start and end.
func ProgressTotal(timesteps int, start, end time.Time) int {
	total := timesteps
	if end.After(start) {
		total += int(end.Sub(start).Hours()/24) / 30
	}
	return total
}

// ProgressPercent returns round((index+1)/total*100) clamped to [0, 100].
// It is 0 when total is not positive.
func ProgressPercent(currentTimestep string, total int) int {
	if total <= 0 {
		return 0
	}
	ratio := float64(TimestepIndex(currentTimestep)+1) / float64(total)
	p := int(math.Round(ratio * 100))
	return min(max(p, 0), 100)
}

// RunningStatus returns "running_<date>" for a timestep such as
// "timestep_03/01/2025".
func RunningStatus(timestep string) string {
	if _, date, ok := strings.Cut(timestep, "_"); ok {
		return scenarioRunningPrefix + date
	}
	return scenarioRunningPrefix + timestep
}
