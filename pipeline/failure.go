package pipeline

import (
	"fmt"
	"strings"
)

// Metrics a failure condition can check once a run's steps are done.
const (
	MetricArtifactSize  = "artifactSize"
	MetricBuildDuration = "buildDuration"
	MetricFailedSteps   = "failedSteps"
	MetricSkippedSteps  = "skippedSteps"
)

var metricAliases = map[string]string{
	"ARTIFACT_SIZE":     MetricArtifactSize,
	"BUILD_DURATION":    MetricBuildDuration,
	"FAILED_STEPS":      MetricFailedSteps,
	"SKIPPED_STEPS":     MetricSkippedSteps,
	MetricArtifactSize:  MetricArtifactSize,
	MetricBuildDuration: MetricBuildDuration,
	MetricFailedSteps:   MetricFailedSteps,
	MetricSkippedSteps:  MetricSkippedSteps,
}

var metricUnits = map[string]Unit{
	MetricArtifactSize:  UnitBytes,
	MetricBuildDuration: UnitMillis,
	MetricFailedSteps:   UnitCount,
	MetricSkippedSteps:  UnitCount,
}

// MetricParam is the parameter name a metric's value is published under
// when failure conditions are evaluated.
func MetricParam(metric string) string {
	return "metric." + metric
}

// FailureCondition fails a run when a metric compares against a threshold.
type FailureCondition struct {
	Metric     string
	Units      Unit
	Comparison Op
	Threshold  string
	StopBuild  bool

	pred Predicate
}

// NewFailureCondition validates a metric condition. Metric names also
// accept the upper-case forms used by other CI servers (ARTIFACT_SIZE).
func NewFailureCondition(metric string, units Unit, cmp Op, threshold string, stop bool) (FailureCondition, error) {
	name, ok := metricAliases[metric]
	if !ok {
		return FailureCondition{}, fmt.Errorf("unknown metric %q", metric)
	}

	switch strings.ToUpper(string(units)) {
	case "", "DEFAULT", "DEFAULT_UNIT":
		units = metricUnits[name]
	}

	cmp = Op(strings.ToUpper(string(cmp)))
	switch cmp {
	case OpMore, OpMoreOrEqual, OpLess, OpLessOrEqual, OpEqual, OpNotEqual:
	default:
		return FailureCondition{}, fmt.Errorf("unknown comparison %q", cmp)
	}

	pred, err := NewPredicate(MetricParam(name), cmp, threshold, units)
	if err != nil {
		return FailureCondition{}, err
	}

	return FailureCondition{
		Metric:     name,
		Units:      units,
		Comparison: cmp,
		Threshold:  threshold,
		StopBuild:  stop,
		pred:       pred,
	}, nil
}

// Breached reports whether the metric values in l breach the condition.
func (c FailureCondition) Breached(l Lookup) (bool, error) {
	return c.pred.Eval(l)
}

func (c FailureCondition) String() string {
	return fmt.Sprintf("%s %s %s", c.Metric, c.Comparison, c.Threshold)
}
