package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	"github.com/vx-labs/nestclient/policy"
	"github.com/vx-labs/nestclient/storage"
	"go.uber.org/zap"
)

type scopeRecord struct {
	Name string `json:"name"`
}

type segmentRecord struct {
	Number int64   `json:"number"`
	Low    float64 `json:"low"`
	High   float64 `json:"high"`
	Sealed bool    `json:"sealed"`
	Head   int64   `json:"head"`
}

type streamRecord struct {
	Config      policy.StreamConfiguration `json:"config"`
	Sealed      bool                       `json:"sealed"`
	Epoch       uint64                     `json:"epoch"`
	NextSegment int64                      `json:"next_segment"`
	Segments    []segmentRecord            `json:"segments"`
}

func (r *streamRecord) stream() storage.Stream {
	return storage.Stream{Scope: r.Config.Scope, Name: r.Config.Stream}
}

func (r *streamRecord) segment(number int64) (*segmentRecord, bool) {
	for idx := range r.Segments {
		if r.Segments[idx].Number == number {
			return &r.Segments[idx], true
		}
	}
	return nil, false
}

// successor returns the open segment owning the given key position.
func (r *streamRecord) successor(position float64) (*segmentRecord, bool) {
	for idx := range r.Segments {
		s := &r.Segments[idx]
		if !s.Sealed && position >= s.Low && position < s.High {
			return s, true
		}
	}
	return nil, false
}

func (r *streamRecord) segmentSet() storage.SegmentSet {
	stream := r.stream()
	set := storage.SegmentSet{Stream: stream, Epoch: r.Epoch, Sealed: r.Sealed}
	if r.Sealed {
		return set
	}
	for _, s := range r.Segments {
		if s.Sealed {
			continue
		}
		set.Segments = append(set.Segments, storage.SegmentWithRange{
			Segment: storage.Segment{Stream: stream, Number: s.Number},
			Range:   storage.KeyRange{Low: s.Low, High: s.High},
		})
	}
	sort.Slice(set.Segments, func(i, j int) bool { return set.Segments[i].Range.Low < set.Segments[j].Range.Low })
	return set
}

func scopeKey(scope string) []byte {
	return []byte(fmt.Sprintf("scopes/%s", scope))
}

func streamPrefix(scope string) []byte {
	return []byte(fmt.Sprintf("streams/%s/", scope))
}

func streamKey(stream storage.Stream) []byte {
	return []byte(fmt.Sprintf("streams/%s/%s", stream.Scope, stream.Name))
}

func getJSON(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, value interface{}) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return txn.Set(key, buf)
}

func listKeys(txn *badger.Txn, prefix []byte) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	out := []string{}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
	}
	return out
}

func (s *Service) loadStream(txn *badger.Txn, stream storage.Stream) (*streamRecord, error) {
	record := &streamRecord{}
	err := getJSON(txn, streamKey(stream), record)
	if err == badger.ErrKeyNotFound {
		return nil, errors.Wrap(storage.ErrStreamNotFound, stream.String())
	}
	return record, err
}

func (s *Service) viewStream(stream storage.Stream) (*streamRecord, error) {
	var record *streamRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		record, err = s.loadStream(txn, stream)
		return err
	})
	return record, err
}

// updateStream loads, mutates then stores a stream record in one metadata transaction.
func (s *Service) updateStream(stream storage.Stream, fn func(record *streamRecord) error) (*streamRecord, error) {
	var record *streamRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		record, err = s.loadStream(txn, stream)
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
		return setJSON(txn, streamKey(stream), record)
	})
	return record, err
}

func (s *Service) CreateScope(ctx context.Context, scope string) error {
	if err := policy.ValidateName(scope); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(scopeKey(scope))
		if err == nil {
			return storage.ErrScopeExists
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return setJSON(txn, scopeKey(scope), scopeRecord{Name: scope})
	})
	if err == nil {
		s.logger.Info("scope created", zap.String("scope_name", scope))
	}
	return err
}

func (s *Service) DeleteScope(ctx context.Context, scope string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(scopeKey(scope))
		if err == badger.ErrKeyNotFound {
			return errors.Wrap(storage.ErrScopeNotFound, scope)
		}
		if err != nil {
			return err
		}
		if len(listKeys(txn, streamPrefix(scope))) > 0 {
			return errors.Wrap(storage.ErrScopeNotEmpty, scope)
		}
		return txn.Delete(scopeKey(scope))
	})
	if err == nil {
		s.logger.Info("scope deleted", zap.String("scope_name", scope))
	}
	return err
}

func (s *Service) ListScopes(ctx context.Context) ([]string, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if err := s.checkAvailable(ctx); err != nil {
		return nil, err
	}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		out = listKeys(txn, []byte("scopes/"))
		return nil
	})
	return out, err
}

// initialSegments splits the key space into count equal ranges.
func initialSegments(count int) []segmentRecord {
	out := make([]segmentRecord, count)
	for i := 0; i < count; i++ {
		out[i] = segmentRecord{
			Number: int64(i),
			Low:    float64(i) / float64(count),
			High:   float64(i+1) / float64(count),
		}
	}
	out[count-1].High = 1
	return out
}

func (s *Service) CreateStream(ctx context.Context, config policy.StreamConfiguration) error {
	if err := config.Validate(); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return err
	}
	stream := storage.Stream{Scope: config.Scope, Name: config.Stream}
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(scopeKey(config.Scope))
		if err == badger.ErrKeyNotFound {
			return errors.Wrap(storage.ErrScopeNotFound, config.Scope)
		}
		if err != nil {
			return err
		}
		_, err = txn.Get(streamKey(stream))
		if err == nil {
			return errors.Wrap(storage.ErrStreamExists, stream.String())
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		segments := initialSegments(config.Scaling.InitialSegments())
		return setJSON(txn, streamKey(stream), streamRecord{
			Config:      config.WithTags(config.Tags),
			Epoch:       1,
			NextSegment: int64(len(segments)),
			Segments:    segments,
		})
	})
	if err == nil {
		s.logger.Info("stream created", zap.String("stream_name", stream.String()),
			zap.String("scaling_policy", config.Scaling.String()),
			zap.String("retention_policy", config.Retention.String()))
	}
	return err
}

// UpdateStream replaces the stored configuration. The segment set is left untouched.
func (s *Service) UpdateStream(ctx context.Context, config policy.StreamConfiguration) error {
	if err := config.Validate(); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return err
	}
	stream := storage.Stream{Scope: config.Scope, Name: config.Stream}
	_, err := s.updateStream(stream, func(record *streamRecord) error {
		record.Config = config.WithTags(config.Tags)
		return nil
	})
	return err
}

func (s *Service) GetStreamConfiguration(ctx context.Context, stream storage.Stream) (policy.StreamConfiguration, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if err := s.checkAvailable(ctx); err != nil {
		return policy.StreamConfiguration{}, err
	}
	record, err := s.viewStream(stream)
	if err != nil {
		return policy.StreamConfiguration{}, err
	}
	return record.Config, nil
}

// SealStream seals every segment of the stream and aborts its open transactions.
func (s *Service) SealStream(ctx context.Context, stream storage.Stream) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return err
	}
	sealedNow := false
	_, err := s.updateStream(stream, func(record *streamRecord) error {
		if record.Sealed {
			return nil
		}
		sealedNow = true
		record.Sealed = true
		record.Epoch++
		for idx := range record.Segments {
			record.Segments[idx].Sealed = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if sealedNow {
		for _, txn := range s.txns {
			if txn.stream == stream && txn.state == storage.TxnOpen {
				txn.state = storage.TxnAborted
				txn.staged = nil
			}
		}
		s.signalSegmentsChanged(stream)
		s.logger.Info("stream sealed", zap.String("stream_name", stream.String()))
	}
	return nil
}

func (s *Service) DeleteStream(ctx context.Context, stream storage.Stream) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return err
	}
	var record *streamRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		record, err = s.loadStream(txn, stream)
		if err != nil {
			return err
		}
		if !record.Sealed {
			return errors.Wrap(storage.ErrStreamNotSealed, stream.String())
		}
		return txn.Delete(streamKey(stream))
	})
	if err != nil {
		return err
	}
	for _, segment := range record.Segments {
		if err := s.dropSegmentState(storage.Segment{Stream: stream, Number: segment.Number}); err != nil {
			return errors.Wrapf(err, "failed to delete segment %d", segment.Number)
		}
	}
	for id, txn := range s.txns {
		if txn.stream == stream {
			delete(s.txns, id)
		}
	}
	s.signalSegmentsChanged(stream)
	s.logger.Info("stream deleted", zap.String("stream_name", stream.String()))
	return os.RemoveAll(s.streamDir(stream))
}

// ListStreams returns the streams of a scope. Unknown scopes have no streams.
func (s *Service) ListStreams(ctx context.Context, scope string) ([]storage.Stream, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if err := s.checkAvailable(ctx); err != nil {
		return nil, err
	}
	out := []storage.Stream{}
	err := s.db.View(func(txn *badger.Txn) error {
		for _, name := range listKeys(txn, streamPrefix(scope)) {
			out = append(out, storage.Stream{Scope: scope, Name: name})
		}
		return nil
	})
	return out, err
}

// Scale seals the given segments and replaces them with new segments
// covering the provided key ranges.
func (s *Service) Scale(ctx context.Context, stream storage.Stream, sealed []int64, ranges []storage.KeyRange) error {
	if len(sealed) == 0 || len(ranges) == 0 {
		return errors.New("scale requires segments to seal and new ranges")
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.checkAvailable(ctx); err != nil {
		return err
	}
	_, err := s.updateStream(stream, func(record *streamRecord) error {
		if record.Sealed {
			return errors.Wrap(storage.ErrStreamSealed, stream.String())
		}
		replaced := make([]storage.KeyRange, 0, len(sealed))
		for _, number := range sealed {
			segment, ok := record.segment(number)
			if !ok || segment.Sealed {
				return errors.Wrapf(storage.ErrSegmentNotFound, "segment %d is not active", number)
			}
			replaced = append(replaced, storage.KeyRange{Low: segment.Low, High: segment.High})
		}
		sort.Slice(replaced, func(i, j int) bool { return replaced[i].Low < replaced[j].Low })
		for idx := 1; idx < len(replaced); idx++ {
			if replaced[idx].Low != replaced[idx-1].High {
				return errors.New("sealed segments must be contiguous")
			}
		}
		low, high := replaced[0].Low, replaced[len(replaced)-1].High
		sorted := append([]storage.KeyRange{}, ranges...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Low < sorted[j].Low })
		cursor := low
		for _, r := range sorted {
			if r.Low != cursor || r.High <= r.Low {
				return errors.New("new ranges must exactly cover the sealed segments")
			}
			cursor = r.High
		}
		if cursor != high {
			return errors.New("new ranges must exactly cover the sealed segments")
		}
		for _, number := range sealed {
			segment, _ := record.segment(number)
			segment.Sealed = true
		}
		for _, r := range sorted {
			record.Segments = append(record.Segments, segmentRecord{Number: record.NextSegment, Low: r.Low, High: r.High})
			record.NextSegment++
		}
		record.Epoch++
		return nil
	})
	if err != nil {
		return err
	}
	s.signalSegmentsChanged(stream)
	s.logger.Info("stream scaled", zap.String("stream_name", stream.String()), zap.Int64s("sealed_segments", sealed))
	return nil
}
