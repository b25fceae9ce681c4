package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vx-labs/nestclient/policy"
	"github.com/vx-labs/nestclient/storage"
	"go.uber.org/zap"
)

type ManagerOptions struct {
	Logger               *zap.Logger
	RetryMaxAttempts     uint64
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	WriterQueueSize      int
	FlushThreshold       int
	CallTimeout          time.Duration
}

func (o ManagerOptions) retryPolicy() retryPolicy {
	return retryPolicy{
		maxRetries:      o.RetryMaxAttempts,
		initialInterval: o.RetryInitialInterval,
		maxInterval:     o.RetryMaxInterval,
	}
}

type ManagerOption func(*ManagerOptions)

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(o *ManagerOptions) { o.Logger = logger }
}

// WithRetryPolicy sets how transient storage failures are retried.
func WithRetryPolicy(maxAttempts uint64, initialInterval, maxInterval time.Duration) ManagerOption {
	return func(o *ManagerOptions) {
		o.RetryMaxAttempts = maxAttempts
		o.RetryInitialInterval = initialInterval
		o.RetryMaxInterval = maxInterval
	}
}

func WithWriterQueueSize(size int) ManagerOption {
	return func(o *ManagerOptions) { o.WriterQueueSize = size }
}

// WithFlushThreshold sets the buffered size above which byte streams flush
// on write. Zero disables automatic flushes.
func WithFlushThreshold(size int) ManagerOption {
	return func(o *ManagerOptions) { o.FlushThreshold = size }
}

func WithCallTimeout(timeout time.Duration) ManagerOption {
	return func(o *ManagerOptions) { o.CallTimeout = timeout }
}

// StreamOptions carries the stream settings given to CreateStreamWithPolicy
// and UpdateStreamWithPolicy. Unset fields keep their current value on update.
type StreamOptions struct {
	Scaling   *policy.ScalingPolicy
	Retention *policy.RetentionPolicy
	Tags      []string
	tagsSet   bool
}

type StreamOption func(*StreamOptions)

func WithScalingPolicy(p policy.ScalingPolicy) StreamOption {
	return func(o *StreamOptions) { o.Scaling = &p }
}

func WithRetentionPolicy(p policy.RetentionPolicy) StreamOption {
	return func(o *StreamOptions) { o.Retention = &p }
}

// WithTags replaces the stream tag set.
func WithTags(tags ...string) StreamOption {
	return func(o *StreamOptions) {
		o.Tags = append([]string{}, tags...)
		o.tagsSet = true
	}
}

func (o StreamOptions) apply(config policy.StreamConfiguration) policy.StreamConfiguration {
	if o.Scaling != nil {
		config.Scaling = *o.Scaling
	}
	if o.Retention != nil {
		config.Retention = *o.Retention
	}
	if o.tagsSet {
		config = config.WithTags(o.Tags)
	}
	return config
}

// Manager creates scopes and streams, and the writers and byte streams
// operating on them.
type Manager struct {
	controller storage.Controller
	service    storage.Service
	opts       ManagerOptions
	logger     *zap.Logger
	arena      *txnArena
	mtx        sync.Mutex
	locators   map[storage.Stream]*Locator
	closers    map[io.Closer]struct{}
}

func NewManager(controller storage.Controller, service storage.Service, opts ...ManagerOption) *Manager {
	config := ManagerOptions{
		Logger:               zap.NewNop(),
		RetryMaxAttempts:     5,
		RetryInitialInterval: 50 * time.Millisecond,
		RetryMaxInterval:     2 * time.Second,
		WriterQueueSize:      128,
		FlushThreshold:       maxFlushChunkSize,
		CallTimeout:          30 * time.Second,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &Manager{
		controller: controller,
		service:    service,
		opts:       config,
		logger:     config.Logger,
		arena:      newTxnArena(),
		locators:   make(map[storage.Stream]*Locator),
		closers:    make(map[io.Closer]struct{}),
	}
}

func (m *Manager) locator(stream storage.Stream) *Locator {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	l, ok := m.locators[stream]
	if !ok {
		l = NewLocator(stream, m.service, m.logger)
		m.locators[stream] = l
	}
	return l
}

// track registers c to be closed with the manager. The returned function
// removes it once c was closed on its own.
func (m *Manager) track(c io.Closer) func() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.closers[c] = struct{}{}
	return func() {
		m.mtx.Lock()
		defer m.mtx.Unlock()
		delete(m.closers, c)
	}
}

func (m *Manager) trackedCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.closers)
}

// CreateScope returns false when the scope already exists.
func (m *Manager) CreateScope(ctx context.Context, scope string) (bool, error) {
	err := m.controller.CreateScope(ctx, scope)
	if errors.Is(err, storage.ErrScopeExists) {
		return false, nil
	}
	return err == nil, err
}

// DeleteScope returns false when the scope does not exist.
func (m *Manager) DeleteScope(ctx context.Context, scope string) (bool, error) {
	err := m.controller.DeleteScope(ctx, scope)
	if errors.Is(err, storage.ErrScopeNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *Manager) ListScopes(ctx context.Context) ([]string, error) {
	return m.controller.ListScopes(ctx)
}

// CreateStream creates a stream with a fixed number of segments. It returns
// false when the stream already exists.
func (m *Manager) CreateStream(ctx context.Context, scope, stream string, initialSegments int) (bool, error) {
	return m.CreateStreamWithPolicy(ctx, scope, stream, WithScalingPolicy(policy.FixedScaling(initialSegments)))
}

func (m *Manager) CreateStreamWithPolicy(ctx context.Context, scope, stream string, opts ...StreamOption) (bool, error) {
	options := StreamOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	config := options.apply(policy.StreamConfiguration{
		Scope:     scope,
		Stream:    stream,
		Scaling:   policy.FixedScaling(1),
		Retention: policy.NoRetention(),
		Tags:      []string{},
	})
	err := m.controller.CreateStream(ctx, config)
	if errors.Is(err, storage.ErrStreamExists) {
		return false, nil
	}
	return err == nil, err
}

// UpdateStreamWithPolicy changes the settings given in opts, keeping the others.
func (m *Manager) UpdateStreamWithPolicy(ctx context.Context, scope, stream string, opts ...StreamOption) error {
	current, err := m.controller.GetStreamConfiguration(ctx, storage.Stream{Scope: scope, Name: stream})
	if err != nil {
		return err
	}
	options := StreamOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return m.controller.UpdateStream(ctx, options.apply(current))
}

func (m *Manager) GetStreamConfiguration(ctx context.Context, scope, stream string) (policy.StreamConfiguration, error) {
	return m.controller.GetStreamConfiguration(ctx, storage.Stream{Scope: scope, Name: stream})
}

func (m *Manager) GetStreamTags(ctx context.Context, scope, stream string) ([]string, error) {
	config, err := m.GetStreamConfiguration(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	return append([]string{}, config.Tags...), nil
}

func (m *Manager) SealStream(ctx context.Context, scope, stream string) error {
	return m.controller.SealStream(ctx, storage.Stream{Scope: scope, Name: stream})
}

func (m *Manager) DeleteStream(ctx context.Context, scope, stream string) error {
	id := storage.Stream{Scope: scope, Name: stream}
	if err := m.controller.DeleteStream(ctx, id); err != nil {
		return err
	}
	m.mtx.Lock()
	delete(m.locators, id)
	m.mtx.Unlock()
	m.arena.forget(id)
	return nil
}

// ListStreams returns the streams of scope. A missing scope has no streams.
func (m *Manager) ListStreams(ctx context.Context, scope string) ([]storage.Stream, error) {
	streams, err := m.controller.ListStreams(ctx, scope)
	if errors.Is(err, storage.ErrScopeNotFound) {
		return []storage.Stream{}, nil
	}
	if err != nil {
		return nil, err
	}
	if streams == nil {
		streams = []storage.Stream{}
	}
	return streams, nil
}

func (m *Manager) resolve(ctx context.Context, scope, stream string) (storage.Stream, *Locator, error) {
	id := storage.Stream{Scope: scope, Name: stream}
	l := m.locator(id)
	if _, err := l.Segments(ctx); err != nil {
		return id, nil, err
	}
	return id, l, nil
}

func (m *Manager) CreateWriter(ctx context.Context, scope, stream string) (*EventWriter, error) {
	id, l, err := m.resolve(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	w := newEventWriter(id, m.service, l, m.opts)
	w.release = m.track(w)
	return w, nil
}

func (m *Manager) CreateTransactionalWriter(ctx context.Context, scope, stream string, writerID uint64) (*TransactionalWriter, error) {
	id, l, err := m.resolve(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	return newTransactionalWriter(fmt.Sprintf("%d", writerID), id, m.service, l, m.arena, m.opts), nil
}

// CreateByteStream opens a byte stream on a single segment stream. ctx
// bounds every call made by the returned byte stream.
func (m *Manager) CreateByteStream(ctx context.Context, scope, stream string) (*ByteStream, error) {
	b, err := openByteStream(ctx, storage.Stream{Scope: scope, Name: stream}, m.service, m.opts)
	if err != nil {
		return nil, err
	}
	b.release = m.track(b)
	return b, nil
}

// ReadEvents returns every event stored in the current segments of a stream.
func (m *Manager) ReadEvents(ctx context.Context, scope, stream string) ([][]byte, error) {
	id, l, err := m.resolve(ctx, scope, stream)
	if err != nil {
		return nil, err
	}
	set, err := l.Segments(ctx)
	if err != nil {
		return nil, err
	}
	out := [][]byte{}
	for _, segment := range set.Segments {
		info, err := m.service.GetSegmentInfo(ctx, segment.Segment)
		if err != nil {
			return nil, err
		}
		reader := NewSegmentReader(ctx, m.service, segment.Segment, info.StartOffset)
		for {
			event, err := reader.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read %s", segment.Segment)
			}
			out = append(out, event)
		}
	}
	m.logger.Debug("events read", zap.String("stream_name", id.String()), zap.Int("event_count", len(out)))
	return out, nil
}

// Close closes every writer and byte stream created by the manager.
func (m *Manager) Close() error {
	m.mtx.Lock()
	closers := make([]io.Closer, 0, len(m.closers))
	for c := range m.closers {
		closers = append(closers, c)
	}
	m.closers = make(map[io.Closer]struct{})
	m.mtx.Unlock()
	var firstErr error
	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
