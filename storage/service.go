package storage

import (
	"context"

	"github.com/vx-labs/nestclient/policy"
)

// Service is the segment store RPC surface used by writers, transactions and
// byte streams.
type Service interface {
	GetSegments(ctx context.Context, stream Stream) (SegmentSet, error)
	// Append returns the segment offset at which the event payload starts.
	Append(ctx context.Context, segment Segment, event Event) (int64, error)
	Read(ctx context.Context, segment Segment, offset int64, maxLength int) ([]byte, error)
	GetSegmentInfo(ctx context.Context, segment Segment) (SegmentInfo, error)
	TruncateSegment(ctx context.Context, segment Segment, offset int64) error

	BeginTxn(ctx context.Context, stream Stream, segments []Segment) (TxnID, error)
	WriteTxnEvent(ctx context.Context, id TxnID, segment Segment, event Event) error
	// CommitTxn and AbortTxn succeed when the transaction already reached the
	// requested state.
	CommitTxn(ctx context.Context, id TxnID) error
	AbortTxn(ctx context.Context, id TxnID) error
	TxnStatus(ctx context.Context, id TxnID) (TxnState, error)

	SealStream(ctx context.Context, stream Stream) error
}

// Controller is the control plane administration surface.
type Controller interface {
	CreateScope(ctx context.Context, scope string) error
	DeleteScope(ctx context.Context, scope string) error
	ListScopes(ctx context.Context) ([]string, error)
	CreateStream(ctx context.Context, config policy.StreamConfiguration) error
	UpdateStream(ctx context.Context, config policy.StreamConfiguration) error
	GetStreamConfiguration(ctx context.Context, stream Stream) (policy.StreamConfiguration, error)
	SealStream(ctx context.Context, stream Stream) error
	DeleteStream(ctx context.Context, stream Stream) error
	ListStreams(ctx context.Context, scope string) ([]Stream, error)
}

// TopologyNotifier is implemented by services able to push segment set
// changes. The returned channel is closed on the next change of the stream
// topology.
type TopologyNotifier interface {
	SegmentsChanged(stream Stream) <-chan struct{}
}
