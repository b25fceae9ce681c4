// Package storage defines the boundary between the client core and the
// stream storage service: identity types, the service and control plane
// interfaces, and the errors they return.
package storage

import (
	"fmt"
	"sort"
)

type Stream struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
}

func (s Stream) String() string {
	return fmt.Sprintf("%s/%s", s.Scope, s.Name)
}

type Segment struct {
	Stream Stream `json:"stream"`
	Number int64  `json:"number"`
}

func (s Segment) String() string {
	return fmt.Sprintf("%s/%d", s.Stream, s.Number)
}

// KeyRange is the half-open interval [Low, High) of routing key positions
// owned by a segment.
type KeyRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

func (k KeyRange) Contains(position float64) bool {
	return position >= k.Low && position < k.High
}

type SegmentWithRange struct {
	Segment Segment  `json:"segment"`
	Range   KeyRange `json:"range"`
}

// SegmentSet is the writable segments of a stream at a given topology epoch.
type SegmentSet struct {
	Stream   Stream             `json:"stream"`
	Epoch    uint64             `json:"epoch"`
	Sealed   bool               `json:"sealed"`
	Segments []SegmentWithRange `json:"segments"`
}

// SegmentForPosition returns the segment owning a routing key position.
func (s SegmentSet) SegmentForPosition(position float64) (Segment, bool) {
	idx := sort.Search(len(s.Segments), func(i int) bool {
		return s.Segments[i].Range.High > position
	})
	if idx < len(s.Segments) && s.Segments[idx].Range.Contains(position) {
		return s.Segments[idx].Segment, true
	}
	return Segment{}, false
}

// Event is an append request. WriterID and Number form the deduplication
// token: an event whose number is not greater than the last one applied for
// the same writer on the same segment is acknowledged without being stored
// again.
type Event struct {
	WriterID string
	Number   int64
	Payload  []byte
}

type SegmentInfo struct {
	Segment     Segment `json:"segment"`
	StartOffset int64   `json:"start_offset"`
	WriteOffset int64   `json:"write_offset"`
	Sealed      bool    `json:"sealed"`
}

type TxnID string

type TxnState int

const (
	TxnOpen TxnState = iota
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnOpen:
		return "open"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (s TxnState) Terminal() bool {
	return s == TxnCommitted || s == TxnAborted
}
