package policy

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestScalingPolicy(t *testing.T) {
	t.Run("should build a fixed policy", func(t *testing.T) {
		p := FixedScaling(3)
		require.NoError(t, p.Validate())
		require.Equal(t, 3, p.InitialSegments())
		require.Equal(t, "fixed(3)", p.String())
	})
	t.Run("should build rate based policies", func(t *testing.T) {
		require.NoError(t, ScaleByDataRate(10, 2, 1).Validate())
		require.NoError(t, ScaleByEventRate(100, 2, 4).Validate())
		require.Equal(t, 4, ScaleByEventRate(100, 2, 4).InitialSegments())
	})
	t.Run("should reject invalid policies", func(t *testing.T) {
		require.True(t, errors.Is(FixedScaling(0).Validate(), ErrInvalidScaling))
		require.True(t, errors.Is(ScaleByDataRate(0, 2, 1).Validate(), ErrInvalidScaling))
		require.True(t, errors.Is(ScaleByEventRate(10, 0, 1).Validate(), ErrInvalidScaling))
	})
}

func TestRetentionPolicy(t *testing.T) {
	t.Run("should convert durations to milliseconds", func(t *testing.T) {
		p := RetainByTime(2 * time.Second)
		require.Equal(t, int64(2000), p.Value)
		require.Equal(t, "by-time(2s)", p.String())
	})
	t.Run("should validate limits", func(t *testing.T) {
		require.NoError(t, NoRetention().Validate())
		require.NoError(t, RetainBySize(1024).Validate())
		require.True(t, errors.Is(RetainBySize(0).Validate(), ErrInvalidRetain))
	})
}

func TestStreamConfiguration(t *testing.T) {
	cfg := StreamConfiguration{
		Scope:     "testScope",
		Stream:    "testStream",
		Scaling:   FixedScaling(1),
		Retention: NoRetention(),
		Tags:      []string{"t1"},
	}
	t.Run("should accept valid configurations", func(t *testing.T) {
		require.NoError(t, cfg.Validate())
	})
	t.Run("should reject invalid names", func(t *testing.T) {
		invalid := cfg
		invalid.Stream = "bad/name"
		require.True(t, errors.Is(invalid.Validate(), ErrInvalidName))
		require.Error(t, ValidateName(""))
	})
	t.Run("should replace tags without aliasing", func(t *testing.T) {
		tags := []string{"t4", "t5"}
		updated := cfg.WithTags(tags)
		tags[0] = "changed"
		require.Equal(t, []string{"t4", "t5"}, updated.Tags)
		require.Equal(t, []string{"t1"}, cfg.Tags)
	})
}
