package model

import (
	"fmt"
	"sort"
	"strings"
)

// Sample is a single observed datapoint. Timestamps are epoch milliseconds.
type Sample struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Series is one time series resolved from an alert expression: a
// scope/metric/tag identity plus samples ordered by timestamp. Samples are not
// guaranteed sorted on arrival; the evaluator sorts before scanning.
type Series struct {
	Scope   string            `json:"scope"`
	Metric  string            `json:"metric"`
	Tags    map[string]string `json:"tags,omitempty"`
	Samples []Sample          `json:"samples"`
}

// Identity returns the canonical series identifier used in fingerprints.
// Tags are emitted in sorted key order so the identity is stable.
func (s *Series) Identity() string {
	if len(s.Tags) == 0 {
		return s.Scope + ":" + s.Metric
	}
	keys := make([]string, 0, len(s.Tags))
	for k := range s.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, s.Tags[k]))
	}
	return s.Scope + ":" + s.Metric + "{" + strings.Join(pairs, ",") + "}"
}

// Datacenter returns the source datacenter recorded in the series tags, if any.
func (s *Series) Datacenter() string {
	return s.Tags["dc"]
}

// SortedSamples returns the samples ordered by ascending timestamp without
// mutating the series.
func (s *Series) SortedSamples() []Sample {
	out := make([]Sample, len(s.Samples))
	copy(out, s.Samples)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// ValueAt returns the sampled value at the exact timestamp.
func (s *Series) ValueAt(ts int64) (float64, bool) {
	for _, sample := range s.Samples {
		if sample.Timestamp == ts {
			return sample.Value, true
		}
	}
	return 0, false
}
