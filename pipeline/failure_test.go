package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureConditionArtifactSize(t *testing.T) {
	fc, err := NewFailureCondition("ARTIFACT_SIZE", "DEFAULT_UNIT", "MORE", "3MB", true)
	require.NoError(t, err)

	assert.Equal(t, MetricArtifactSize, fc.Metric)
	assert.Equal(t, UnitBytes, fc.Units)
	assert.Equal(t, "artifactSize MORE 3MB", fc.String())

	breached, err := fc.Breached(Params{MetricParam(MetricArtifactSize): "3000001"})
	require.NoError(t, err)
	assert.True(t, breached)

	breached, err = fc.Breached(Params{MetricParam(MetricArtifactSize): "3000000"})
	require.NoError(t, err)
	assert.False(t, breached)
}

func TestFailureConditionLowerCase(t *testing.T) {
	fc, err := NewFailureCondition(MetricFailedSteps, "", "more", "0", false)
	require.NoError(t, err)

	assert.Equal(t, OpMore, fc.Comparison)
	assert.Equal(t, UnitCount, fc.Units)
}

func TestFailureConditionErrors(t *testing.T) {
	_, err := NewFailureCondition("coverage", "", "MORE", "1", true)
	assert.Error(t, err)

	_, err = NewFailureCondition(MetricArtifactSize, "", "matches", "1", true)
	assert.Error(t, err)

	_, err = NewFailureCondition(MetricArtifactSize, "", "MORE", "big", true)
	assert.Error(t, err)
}
