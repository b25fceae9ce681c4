package storage

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestSegmentSet(t *testing.T) {
	stream := Stream{Scope: "scope", Name: "stream"}
	set := SegmentSet{
		Stream: stream,
		Segments: []SegmentWithRange{
			{Segment: Segment{Stream: stream, Number: 0}, Range: KeyRange{Low: 0, High: 0.5}},
			{Segment: Segment{Stream: stream, Number: 3}, Range: KeyRange{Low: 0.5, High: 0.75}},
			{Segment: Segment{Stream: stream, Number: 4}, Range: KeyRange{Low: 0.75, High: 1}},
		},
	}
	t.Run("should route positions to their owning segment", func(t *testing.T) {
		for position, expected := range map[float64]int64{0: 0, 0.49: 0, 0.5: 3, 0.8: 4, 0.9999: 4} {
			segment, ok := set.SegmentForPosition(position)
			require.True(t, ok)
			require.Equal(t, expected, segment.Number, position)
		}
	})
	t.Run("should not route positions outside the key space", func(t *testing.T) {
		_, ok := set.SegmentForPosition(1)
		require.False(t, ok)
	})
	t.Run("should format identities", func(t *testing.T) {
		require.Equal(t, "scope/stream/3", set.Segments[1].Segment.String())
	})
}

func TestIsTransient(t *testing.T) {
	t.Run("should classify unavailability as transient", func(t *testing.T) {
		require.True(t, IsTransient(errors.Wrap(ErrUnavailable, "append")))
		require.True(t, IsTransient(status.Error(codes.Unavailable, "connection refused")))
		require.True(t, IsTransient(errors.Wrap(status.Error(codes.DeadlineExceeded, "slow"), "commit")))
	})
	t.Run("should not retry logical failures", func(t *testing.T) {
		require.False(t, IsTransient(nil))
		require.False(t, IsTransient(ErrStreamSealed))
		require.False(t, IsTransient(status.Error(codes.NotFound, "missing")))
	})
}
