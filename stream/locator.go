package stream

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/vx-labs/nestclient/stats"
	"github.com/vx-labs/nestclient/storage"
	"go.uber.org/zap"
)

// KeyPosition hashes a routing key into the [0, 1) key space.
func KeyPosition(key string) float64 {
	hash := fnv.New64a()
	hash.Write([]byte(key))
	return float64(hash.Sum64()>>11) / float64(1<<53)
}

func randomPosition() float64 {
	return rand.Float64()
}

func routingPosition(key string) float64 {
	if key == "" {
		return randomPosition()
	}
	return KeyPosition(key)
}

type topologySnapshot struct {
	set     storage.SegmentSet
	changed <-chan struct{}
}

func (s *topologySnapshot) stale() bool {
	if s.changed == nil {
		return false
	}
	select {
	case <-s.changed:
		return true
	default:
		return false
	}
}

// Locator maps routing keys to the writable segments of a stream. Lookups
// read an immutable snapshot; refreshes build a new one and swap it in.
type Locator struct {
	stream     storage.Stream
	service    storage.Service
	notifier   storage.TopologyNotifier
	current    atomic.Value
	refreshMtx sync.Mutex
	logger     *zap.Logger
}

func NewLocator(stream storage.Stream, service storage.Service, logger *zap.Logger) *Locator {
	l := &Locator{
		stream:  stream,
		service: service,
		logger:  logger.With(zap.String("stream_name", stream.String())),
	}
	if notifier, ok := service.(storage.TopologyNotifier); ok {
		l.notifier = notifier
	}
	return l
}

func (l *Locator) load() *topologySnapshot {
	snapshot, _ := l.current.Load().(*topologySnapshot)
	return snapshot
}

// Segments returns the current segment set, refreshing it first when the
// service signalled a topology change.
func (l *Locator) Segments(ctx context.Context) (storage.SegmentSet, error) {
	snapshot := l.load()
	if snapshot != nil && !snapshot.stale() {
		return snapshot.set, nil
	}
	var epoch uint64
	if snapshot != nil {
		epoch = snapshot.set.Epoch
	}
	return l.RefreshIfStale(ctx, epoch)
}

// Refresh fetches the segment set from the service.
func (l *Locator) Refresh(ctx context.Context) (storage.SegmentSet, error) {
	l.refreshMtx.Lock()
	defer l.refreshMtx.Unlock()
	return l.refresh(ctx)
}

// RefreshIfStale refreshes the segment set unless a snapshot newer than
// epoch was installed in the meantime.
func (l *Locator) RefreshIfStale(ctx context.Context, epoch uint64) (storage.SegmentSet, error) {
	l.refreshMtx.Lock()
	defer l.refreshMtx.Unlock()
	if snapshot := l.load(); snapshot != nil && snapshot.set.Epoch > epoch && !snapshot.stale() {
		return snapshot.set, nil
	}
	return l.refresh(ctx)
}

func (l *Locator) refresh(ctx context.Context) (storage.SegmentSet, error) {
	start := time.Now()
	var changed <-chan struct{}
	if l.notifier != nil {
		changed = l.notifier.SegmentsChanged(l.stream)
	}
	var set storage.SegmentSet
	err := observeCall(ctx, "get_segments", func() error {
		var err error
		set, err = l.service.GetSegments(ctx, l.stream)
		return err
	})
	if err != nil {
		return storage.SegmentSet{}, errors.Wrap(err, "failed to refresh segments")
	}
	l.current.Store(&topologySnapshot{set: set, changed: changed})
	stats.Histogram("locatorRefreshTime").Observe(stats.MilisecondsElapsed(start))
	l.logger.Debug("segment set refreshed",
		zap.Uint64("segment_epoch", set.Epoch),
		zap.Int("segment_count", len(set.Segments)),
		zap.Bool("stream_sealed", set.Sealed))
	return set, nil
}

// SegmentForPosition returns the segment owning position and the epoch of
// the segment set used to resolve it.
func (l *Locator) SegmentForPosition(ctx context.Context, position float64) (storage.Segment, uint64, error) {
	set, err := l.Segments(ctx)
	if err != nil {
		return storage.Segment{}, 0, err
	}
	if set.Sealed {
		return storage.Segment{}, set.Epoch, errors.Wrap(ErrStreamSealed, l.stream.String())
	}
	segment, ok := set.SegmentForPosition(position)
	if !ok {
		return storage.Segment{}, set.Epoch, errors.Errorf("no segment owns key position %f in %s", position, l.stream)
	}
	return segment, set.Epoch, nil
}

func (l *Locator) SegmentForKey(ctx context.Context, key string) (storage.Segment, uint64, error) {
	return l.SegmentForPosition(ctx, routingPosition(key))
}
