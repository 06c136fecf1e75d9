package model

import "time"

// ScenarioSummary describes a constellation scenario offered by the data source.
type ScenarioSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	SatelliteCount int       `json:"satellite_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// CompareMetric selects the aggregate used when comparing scenarios.
type CompareMetric string

const (
	MetricCount    CompareMetric = "count"
	MetricAltitude CompareMetric = "altitude"
	MetricVelocity CompareMetric = "velocity"
	MetricCoverage CompareMetric = "coverage"
)

// ParseCompareMetric validates a metric name. The empty string selects
// MetricCount.
func ParseCompareMetric(s string) (CompareMetric, bool) {
	switch CompareMetric(s) {
	case "":
		return MetricCount, true
	case MetricCount, MetricAltitude, MetricVelocity, MetricCoverage:
		return CompareMetric(s), true
	}
	return "", false
}

// ScenarioStats holds aggregate statistics for one scenario. Which fields are
// populated depends on the metric.
type ScenarioStats struct {
	Name           string  `json:"name,omitempty"`
	SatelliteCount int     `json:"satellite_count"`
	Min            float64 `json:"min,omitempty"`
	Max            float64 `json:"max,omitempty"`
	Mean           float64 `json:"mean,omitempty"`
	Coverage       float64 `json:"coverage,omitempty"`
	Unit           string  `json:"unit,omitempty"`
}

// Comparison is the result of comparing scenarios on one metric.
type Comparison struct {
	Metric     CompareMetric            `json:"metric"`
	TimeOffset float64                  `json:"time_offset_seconds"`
	Scenarios  map[string]ScenarioStats `json:"comparison"`
	Meta       ResponseMeta             `json:"_meta"`
}
