package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vx-labs/nestclient/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// flakyService fails the next appends with an unavailable error. When
// applyFirst is set, failed appends still reach the underlying service, as
// if the acknowledgement was lost.
type flakyService struct {
	storage.Service
	mtx        sync.Mutex
	failures   int
	applyFirst bool
}

func (f *flakyService) failNext(count int, applyFirst bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.failures = count
	f.applyFirst = applyFirst
}

func (f *flakyService) Append(ctx context.Context, segment storage.Segment, event storage.Event) (int64, error) {
	f.mtx.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	applyFirst := f.applyFirst
	f.mtx.Unlock()
	if fail {
		if applyFirst {
			f.Service.Append(ctx, segment, event)
		}
		return 0, status.Error(codes.Unavailable, "connection reset by peer")
	}
	return f.Service.Append(ctx, segment, event)
}

func TestEventWriter(t *testing.T) {
	ctx := context.Background()
	service, cleanup := newTestService(t)
	defer cleanup()
	flaky := &flakyService{Service: service}
	m := newTestManager(t, flaky, service)
	defer m.Close()
	setupStream(t, m, "testScope", "testStream", 3)

	w, err := m.CreateWriter(ctx, "testScope", "testStream")
	require.NoError(t, err)
	require.NotEmpty(t, w.ID())

	t.Run("should keep the submission order of a routing key", func(t *testing.T) {
		futures := make([]*WriteFuture, 20)
		for i := range futures {
			futures[i] = w.WriteEvent(ctx, []byte(fmt.Sprintf("event %d", i)), "key")
		}
		require.NoError(t, w.Flush(ctx))
		for _, future := range futures {
			select {
			case <-future.Done():
			default:
				t.Fatal("flush returned before every write completed")
			}
			require.NoError(t, future.Err())
		}
		events, err := m.ReadEvents(ctx, "testScope", "testStream")
		require.NoError(t, err)
		require.Len(t, events, 20)
		for i, event := range events {
			require.Equal(t, fmt.Sprintf("event %d", i), string(event))
		}
	})
	t.Run("should spread events without routing key", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			w.WriteEvent(ctx, []byte("random"), "")
		}
		require.NoError(t, w.Flush(ctx))
		events, err := m.ReadEvents(ctx, "testScope", "testStream")
		require.NoError(t, err)
		require.Len(t, events, 30)
	})
	t.Run("should retry transient failures without duplicating events", func(t *testing.T) {
		flaky.failNext(2, true)
		require.NoError(t, w.WriteEvent(ctx, []byte("once"), "dedup").Wait(ctx))
		events, err := m.ReadEvents(ctx, "testScope", "testStream")
		require.NoError(t, err)
		count := 0
		for _, event := range events {
			if string(event) == "once" {
				count++
			}
		}
		require.Equal(t, 1, count)
	})
	t.Run("should surface transient failures once retries are exhausted", func(t *testing.T) {
		flaky.failNext(100, false)
		err := w.WriteEvent(ctx, []byte("lost"), "key").Wait(ctx)
		require.True(t, storage.IsTransient(err), err)
		flaky.failNext(0, false)
	})
	t.Run("should reject oversized events", func(t *testing.T) {
		err := w.WriteEvent(ctx, make([]byte, MaxEventSize+1), "key").Wait(ctx)
		require.True(t, errors.Is(err, ErrInvalidArgument))
	})
	t.Run("should fail writes once closed", func(t *testing.T) {
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())
		err := w.WriteEvent(ctx, []byte("closed"), "key").Wait(ctx)
		require.Equal(t, ErrWriterClosed, err)
	})
}

func TestEventWriterScaling(t *testing.T) {
	ctx := context.Background()
	service, cleanup := newTestService(t)
	defer cleanup()
	// Without a topology notifier the writer only learns about the scale
	// from sealed segment errors.
	m := newTestManager(t, &flakyService{Service: service}, service)
	defer m.Close()
	setupStream(t, m, "testScope", "scaled", 1)
	stream := storage.Stream{Scope: "testScope", Name: "scaled"}

	w, err := m.CreateWriter(ctx, "testScope", "scaled")
	require.NoError(t, err)
	require.NoError(t, w.WriteEvent(ctx, []byte("before"), "key").Wait(ctx))
	require.NoError(t, service.Scale(ctx, stream, []int64{0}, []storage.KeyRange{{Low: 0, High: 0.5}, {Low: 0.5, High: 1}}))

	t.Run("should re-route writes to successor segments", func(t *testing.T) {
		require.NoError(t, w.WriteEvent(ctx, []byte("after"), "key").Wait(ctx))
		events, err := m.ReadEvents(ctx, "testScope", "scaled")
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("after")}, events)
	})
	t.Run("should fail with a sealed error once the stream is sealed", func(t *testing.T) {
		require.NoError(t, m.SealStream(ctx, "testScope", "scaled"))
		err := w.WriteEvent(ctx, []byte("sealed"), "key").Wait(ctx)
		require.True(t, errors.Is(err, ErrStreamSealed), err)
		require.False(t, storage.IsTransient(err))
	})
}

func BenchmarkEventWriter(b *testing.B) {
	ctx := context.Background()
	service, cleanup := newTestService(b)
	defer cleanup()
	m := NewManager(service, service)
	defer m.Close()
	_, err := m.CreateScope(ctx, "bench")
	require.NoError(b, err)
	_, err = m.CreateStream(ctx, "bench", "events", 4)
	require.NoError(b, err)
	w, err := m.CreateWriter(ctx, "bench", "events")
	require.NoError(b, err)
	payload := []byte("benchmark event")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.WriteEvent(ctx, payload, "")
	}
	require.NoError(b, w.Flush(ctx))
}
