package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vx-labs/nestclient/storage"
	"go.uber.org/zap"
)

type countingService struct {
	storage.Service
	calls int64
}

func (c *countingService) GetSegments(ctx context.Context, stream storage.Stream) (storage.SegmentSet, error) {
	atomic.AddInt64(&c.calls, 1)
	return c.Service.GetSegments(ctx, stream)
}

func TestKeyPosition(t *testing.T) {
	t.Run("should hash keys into the key space", func(t *testing.T) {
		for i := 0; i < 1000; i++ {
			position := KeyPosition(fmt.Sprintf("key-%d", i))
			require.True(t, position >= 0 && position < 1)
		}
	})
	t.Run("should be deterministic", func(t *testing.T) {
		require.Equal(t, KeyPosition("key"), KeyPosition("key"))
		require.NotEqual(t, KeyPosition("key"), KeyPosition("other"))
	})
}

func TestLocator(t *testing.T) {
	ctx := context.Background()
	service, cleanup := newTestService(t)
	defer cleanup()
	m := newTestManager(t, service, service)
	setupStream(t, m, "testScope", "located", 2)
	stream := storage.Stream{Scope: "testScope", Name: "located"}
	l := NewLocator(stream, service, zap.NewNop())

	t.Run("should route keys to segments", func(t *testing.T) {
		segment, epoch, err := l.SegmentForKey(ctx, "key")
		require.NoError(t, err)
		require.Equal(t, uint64(1), epoch)
		expected := int64(0)
		if KeyPosition("key") >= 0.5 {
			expected = 1
		}
		require.Equal(t, expected, segment.Number)
	})
	t.Run("should refresh on topology changes", func(t *testing.T) {
		require.NoError(t, service.Scale(ctx, stream, []int64{0}, []storage.KeyRange{{Low: 0, High: 0.25}, {Low: 0.25, High: 0.5}}))
		set, err := l.Segments(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(2), set.Epoch)
		require.Len(t, set.Segments, 3)
	})
	t.Run("should route concurrently while the topology changes", func(t *testing.T) {
		wg := sync.WaitGroup{}
		errs := make(chan error, 100)
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, err := l.SegmentForKey(ctx, fmt.Sprintf("key-%d", i))
				errs <- err
			}(i)
		}
		require.NoError(t, service.Scale(ctx, stream, []int64{1}, []storage.KeyRange{{Low: 0.5, High: 1}}))
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	})
	t.Run("should report sealed streams", func(t *testing.T) {
		require.NoError(t, service.SealStream(ctx, stream))
		_, _, err := l.SegmentForKey(ctx, "key")
		require.True(t, errors.Is(err, ErrStreamSealed))
	})
}

func TestLocatorRefreshIfStale(t *testing.T) {
	ctx := context.Background()
	service, cleanup := newTestService(t)
	defer cleanup()
	m := newTestManager(t, service, service)
	setupStream(t, m, "testScope", "counted", 1)
	counting := &countingService{Service: service}
	l := NewLocator(storage.Stream{Scope: "testScope", Name: "counted"}, counting, zap.NewNop())

	t.Run("should fetch segments once", func(t *testing.T) {
		_, err := l.Segments(ctx)
		require.NoError(t, err)
		_, err = l.Segments(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), atomic.LoadInt64(&counting.calls))
	})
	t.Run("should skip refreshes already performed by others", func(t *testing.T) {
		_, err := l.RefreshIfStale(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, int64(1), atomic.LoadInt64(&counting.calls))
		_, err = l.RefreshIfStale(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, int64(2), atomic.LoadInt64(&counting.calls))
	})
}
