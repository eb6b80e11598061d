package schedule

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeExample(t *testing.T) {
	s, err := Compute(1000, 8, 2, 1, 5)
	require.NoError(t, err)

	assert.Equal(t, 16, s.GlobalBatchSize)
	assert.Equal(t, 63, s.StepsPerEpoch)
	assert.Equal(t, 315, s.WarmupSteps)
	assert.Equal(t, s.StepsPerEpoch, s.SaveSteps)
	assert.Equal(t, s.StepsPerEpoch, s.EvalSteps)
	assert.Equal(t, s.StepsPerEpoch, s.LoggingSteps)
}

func TestStepsPerEpochMatchesCeiling(t *testing.T) {
	for _, datasetSize := range []int{1, 7, 16, 17, 999, 1000, 1001, 123457} {
		for _, batch := range []int{1, 3, 8} {
			for _, accum := range []int{1, 2, 5} {
				for _, gpus := range []int{1, 2, 8} {
					s, err := Compute(datasetSize, batch, accum, gpus, 5)
					require.NoError(t, err)

					want := int(math.Ceil(float64(datasetSize) / float64(batch*accum*gpus)))
					assert.Equal(t, want, s.StepsPerEpoch, "size=%d batch=%d accum=%d gpus=%d", datasetSize, batch, accum, gpus)
					assert.Equal(t, 5*s.StepsPerEpoch, s.WarmupSteps)
				}
			}
		}
	}
}

func TestComputeEmptyDataset(t *testing.T) {
	s, err := Compute(0, 8, 2, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, s.StepsPerEpoch)
	assert.Equal(t, 0, s.WarmupSteps)
}

func TestComputeWarmupEpochs(t *testing.T) {
	s, err := Compute(1000, 8, 2, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 126, s.WarmupSteps)
}

func TestComputeNoDevices(t *testing.T) {
	_, err := Compute(1000, 8, 2, 0, 5)
	require.ErrorIs(t, err, ErrNoDevices)
	assert.Contains(t, err.Error(), "gpu count is 0")
}

func TestComputeInvalidInputs(t *testing.T) {
	tests := []struct {
		name                             string
		size, batch, accum, gpus, warmup int
	}{
		{"zero batch", 10, 0, 1, 1, 5},
		{"zero accumulation", 10, 1, 0, 1, 5},
		{"negative dataset", -1, 1, 1, 1, 5},
		{"negative warmup", 10, 1, 1, 1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.size, tt.batch, tt.accum, tt.gpus, tt.warmup)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrNoDevices)
		})
	}
}
