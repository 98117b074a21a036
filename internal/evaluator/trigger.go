package evaluator

import (
	"github.com/t77yq/metron/internal/metric"
	"github.com/t77yq/metron/internal/model"
)

// FiredAt decides the instant, if any, at which the trigger condition has held
// continuously for at least the trigger's inertia, ignoring instants before
// cursor. The cursor lets callers skip fires already acted upon in a prior
// cycle without losing later qualifying instants in the same series.
//
// Inertia is wall-clock duration, not sample count: gaps between samples do
// not break a streak, only an actually-sampled violating value does. With zero
// inertia the first satisfying sample qualifies on its own; with positive
// inertia a lone satisfying sample can never establish elapsed duration.
func FiredAt(trigger *model.Trigger, series *model.Series, window metric.Window, cursor int64) (int64, bool) {
	if trigger.Type == model.TriggerNoData {
		return noDataFiredAt(trigger, series, window, cursor)
	}

	samples := series.SortedSamples()

	var streakStart int64
	inStreak := false
	for _, sample := range samples {
		if !trigger.Matches(sample.Value) {
			inStreak = false
			continue
		}
		if !inStreak {
			streakStart = sample.Timestamp
			inStreak = true
		}
		if sample.Timestamp-streakStart >= trigger.Inertia && sample.Timestamp >= cursor {
			return sample.Timestamp, true
		}
	}
	return 0, false
}

// noDataFiredAt applies the same continuous-duration logic to spans of absence
// within the resolved window: the leading gap before the first sample, gaps
// between consecutive samples, and the trailing gap after the last sample. A
// span of absence strictly longer than the inertia fires at the sample (or
// window edge) bounding its start. An ongoing trailing gap keeps qualifying at
// the window end on later cycles, so a sustained absence re-fires (subject to
// cooldown) instead of reading as recovered.
func noDataFiredAt(trigger *model.Trigger, series *model.Series, window metric.Window, cursor int64) (int64, bool) {
	samples := series.SortedSamples()

	if len(samples) == 0 {
		if window.End-window.Start >= trigger.Inertia && window.End >= cursor {
			return window.End, true
		}
		return 0, false
	}

	if trigger.Inertia <= 0 {
		// Any sampled instant refutes total absence, and with no minimum
		// duration there is no partial gap to measure.
		return 0, false
	}

	if samples[0].Timestamp-window.Start > trigger.Inertia && samples[0].Timestamp >= cursor {
		return samples[0].Timestamp, true
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Timestamp-samples[i-1].Timestamp > trigger.Inertia && samples[i-1].Timestamp >= cursor {
			return samples[i-1].Timestamp, true
		}
	}
	if window.End-samples[len(samples)-1].Timestamp > trigger.Inertia {
		ts := samples[len(samples)-1].Timestamp
		if ts >= cursor {
			return ts, true
		}
		// The trailing gap is still open: unlike a bounded gap, no later
		// sample has refuted the absence, so instants after the cursor keep
		// qualifying. Without this the cursor from the first fire would make
		// the next cycle read as "recovered" while data is still missing.
		if window.End >= cursor {
			return window.End, true
		}
	}
	return 0, false
}
