package stream

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vx-labs/nestclient/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// lostAckService applies transaction transitions and then reports the next
// ones as unavailable, as if the response was lost.
type lostAckService struct {
	storage.Service
	mtx         sync.Mutex
	lostCommits int
	lostAborts  int
	commits     int
	aborts      int
}

func (l *lostAckService) CommitTxn(ctx context.Context, id storage.TxnID) error {
	err := l.Service.CommitTxn(ctx, id)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.commits++
	if err == nil && l.lostCommits > 0 {
		l.lostCommits--
		return status.Error(codes.Unavailable, "connection reset by peer")
	}
	return err
}

func (l *lostAckService) AbortTxn(ctx context.Context, id storage.TxnID) error {
	err := l.Service.AbortTxn(ctx, id)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.aborts++
	if err == nil && l.lostAborts > 0 {
		l.lostAborts--
		return status.Error(codes.Unavailable, "connection reset by peer")
	}
	return err
}

func setupStream(t *testing.T, m *Manager, scope, stream string, segments int) {
	ctx := context.Background()
	_, err := m.CreateScope(ctx, scope)
	require.NoError(t, err)
	created, err := m.CreateStream(ctx, scope, stream, segments)
	require.NoError(t, err)
	require.True(t, created)
}

func TestTransactions(t *testing.T) {
	ctx := context.Background()
	service, cleanup := newTestService(t)
	defer cleanup()
	m := newTestManager(t, service, service)
	defer m.Close()
	setupStream(t, m, "testScope", "testTxn", 2)

	w, err := m.CreateTransactionalWriter(ctx, "testScope", "testTxn", 1)
	require.NoError(t, err)
	require.Equal(t, "1", w.ID())

	t.Run("should expose committed state through other handles", func(t *testing.T) {
		txn, err := w.BeginTxn(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, txn.ID())
		require.NoError(t, txn.WriteEvent(ctx, []byte("test event1"), ""))
		require.NoError(t, txn.WriteEvent(ctx, []byte("test event2"), "key"))
		require.True(t, txn.IsOpen())
		require.True(t, txn.IsOpen())
		events, err := m.ReadEvents(ctx, "testScope", "testTxn")
		require.NoError(t, err)
		require.Empty(t, events)

		require.NoError(t, txn.Commit(ctx))
		handle, err := w.GetTxn(ctx, txn.ID())
		require.NoError(t, err)
		require.False(t, handle.IsOpen())
		require.Equal(t, storage.TxnCommitted, handle.State())

		events, err = m.ReadEvents(ctx, "testScope", "testTxn")
		require.NoError(t, err)
		require.ElementsMatch(t, [][]byte{[]byte("test event1"), []byte("test event2")}, events)
	})
	t.Run("should close aborted transactions", func(t *testing.T) {
		txn, err := w.BeginTxn(ctx)
		require.NoError(t, err)
		require.NoError(t, txn.WriteEvent(ctx, []byte("test event1"), ""))
		require.True(t, txn.IsOpen())
		require.NoError(t, txn.Abort(ctx))
		require.False(t, txn.IsOpen())
		require.Equal(t, storage.TxnAborted, txn.State())
	})
	t.Run("should share state between handles", func(t *testing.T) {
		txn, err := w.BeginTxn(ctx)
		require.NoError(t, err)
		handle, err := w.GetTxn(ctx, txn.ID())
		require.NoError(t, err)
		require.True(t, handle.IsOpen())
		require.NoError(t, handle.Abort(ctx))
		require.False(t, txn.IsOpen())
		require.True(t, errors.Is(txn.Commit(ctx), ErrTxnFailed))
	})
	t.Run("should fail every operation on a committed transaction", func(t *testing.T) {
		txn, err := w.BeginTxn(ctx)
		require.NoError(t, err)
		require.NoError(t, txn.WriteEvent(ctx, []byte("test event1"), ""))
		require.NoError(t, txn.Commit(ctx))
		require.False(t, txn.IsOpen())

		err = txn.WriteEvent(ctx, []byte("Error"), "")
		require.True(t, errors.Is(err, ErrTxnFailed))
		var failed *TxnFailedError
		require.True(t, errors.As(err, &failed))
		require.Equal(t, "write", failed.Op)
		require.Equal(t, storage.TxnCommitted, failed.State)

		require.True(t, errors.Is(txn.Commit(ctx), ErrTxnFailed))
		require.True(t, errors.Is(txn.Abort(ctx), ErrTxnFailed))
		require.False(t, txn.IsOpen())
	})
	t.Run("should fail every operation on an aborted transaction", func(t *testing.T) {
		txn, err := w.BeginTxn(ctx)
		require.NoError(t, err)
		require.NoError(t, txn.Abort(ctx))
		require.True(t, errors.Is(txn.WriteEvent(ctx, []byte("Error"), ""), ErrTxnFailed))
		require.True(t, errors.Is(txn.Commit(ctx), ErrTxnFailed))
		require.True(t, errors.Is(txn.Abort(ctx), ErrTxnFailed))
	})
	t.Run("should retrieve transactions unknown to the writer", func(t *testing.T) {
		other := NewManager(service, service)
		otherWriter, err := other.CreateTransactionalWriter(ctx, "testScope", "testTxn", 2)
		require.NoError(t, err)
		txn, err := w.BeginTxn(ctx)
		require.NoError(t, err)
		require.NoError(t, txn.Commit(ctx))
		handle, err := otherWriter.GetTxn(ctx, txn.ID())
		require.NoError(t, err)
		require.False(t, handle.IsOpen())
		_, err = otherWriter.GetTxn(ctx, storage.TxnID("unknown"))
		require.True(t, errors.Is(err, storage.ErrTxnNotFound))
	})
}

func TestTransactionsOnSealedStreams(t *testing.T) {
	ctx := context.Background()
	service, cleanup := newTestService(t)
	defer cleanup()
	m := newTestManager(t, service, service)
	defer m.Close()
	setupStream(t, m, "testScope", "sealed", 1)
	w, err := m.CreateTransactionalWriter(ctx, "testScope", "sealed", 1)
	require.NoError(t, err)

	txn, err := w.BeginTxn(ctx)
	require.NoError(t, err)
	require.NoError(t, m.SealStream(ctx, "testScope", "sealed"))

	t.Run("should fail writes with a sealed error", func(t *testing.T) {
		err := txn.WriteEvent(ctx, []byte("late"), "")
		require.True(t, errors.Is(err, ErrStreamSealed), err)
	})
	t.Run("should fail commits of transactions aborted by the seal", func(t *testing.T) {
		require.True(t, errors.Is(txn.Commit(ctx), ErrTxnFailed))
		require.Equal(t, storage.TxnAborted, txn.State())
	})
	t.Run("should refuse new transactions", func(t *testing.T) {
		_, err := w.BeginTxn(ctx)
		require.True(t, errors.Is(err, ErrStreamSealed), err)
	})
}

func TestTransactionsAcrossScaling(t *testing.T) {
	ctx := context.Background()
	service, cleanup := newTestService(t)
	defer cleanup()
	m := newTestManager(t, service, service)
	defer m.Close()
	setupStream(t, m, "testScope", "scaled", 1)
	w, err := m.CreateTransactionalWriter(ctx, "testScope", "scaled", 1)
	require.NoError(t, err)
	stream := storage.Stream{Scope: "testScope", Name: "scaled"}

	txn, err := w.BeginTxn(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.WriteEvent(ctx, []byte("before"), "key"))
	require.NoError(t, service.Scale(ctx, stream, []int64{0}, []storage.KeyRange{{Low: 0, High: 0.5}, {Low: 0.5, High: 1}}))

	t.Run("should commit events staged before a scale", func(t *testing.T) {
		require.NoError(t, txn.Commit(ctx))
		events, err := m.ReadEvents(ctx, "testScope", "scaled")
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("before")}, events)
	})
	t.Run("should bind new transactions to the new segments", func(t *testing.T) {
		txn, err := w.BeginTxn(ctx)
		require.NoError(t, err)
		require.NoError(t, txn.WriteEvent(ctx, []byte("after"), "key"))
		require.NoError(t, txn.Commit(ctx))
		events, err := m.ReadEvents(ctx, "testScope", "scaled")
		require.NoError(t, err)
		require.Len(t, events, 2)
	})
}

func TestTransactionsWithLostAcknowledgements(t *testing.T) {
	ctx := context.Background()
	service, cleanup := newTestService(t)
	defer cleanup()
	lossy := &lostAckService{Service: service}
	m := newTestManager(t, lossy, service)
	defer m.Close()
	setupStream(t, m, "testScope", "lossy", 2)
	w, err := m.CreateTransactionalWriter(ctx, "testScope", "lossy", 1)
	require.NoError(t, err)

	t.Run("should not double-commit when the acknowledgement is lost", func(t *testing.T) {
		txn, err := w.BeginTxn(ctx)
		require.NoError(t, err)
		require.NoError(t, txn.WriteEvent(ctx, []byte("once"), "key"))
		lossy.lostCommits = 1
		require.NoError(t, txn.Commit(ctx))
		require.Equal(t, 2, lossy.commits)
		require.Equal(t, storage.TxnCommitted, txn.State())
		events, err := m.ReadEvents(ctx, "testScope", "lossy")
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("once")}, events)
	})
	t.Run("should not double-abort when the acknowledgement is lost", func(t *testing.T) {
		txn, err := w.BeginTxn(ctx)
		require.NoError(t, err)
		require.NoError(t, txn.WriteEvent(ctx, []byte("discarded"), "key"))
		lossy.lostAborts = 1
		require.NoError(t, txn.Abort(ctx))
		require.Equal(t, 2, lossy.aborts)
		require.Equal(t, storage.TxnAborted, txn.State())
		state, err := service.TxnStatus(ctx, txn.ID())
		require.NoError(t, err)
		require.Equal(t, storage.TxnAborted, state)
		events, err := m.ReadEvents(ctx, "testScope", "lossy")
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("once")}, events)
	})
}

func TestTransactionsOnDeletedStreams(t *testing.T) {
	ctx := context.Background()
	service, cleanup := newTestService(t)
	defer cleanup()
	m := newTestManager(t, service, service)
	defer m.Close()
	setupStream(t, m, "testScope", "deleted", 1)
	w, err := m.CreateTransactionalWriter(ctx, "testScope", "deleted", 1)
	require.NoError(t, err)

	txn, err := w.BeginTxn(ctx)
	require.NoError(t, err)
	handle, err := w.GetTxn(ctx, txn.ID())
	require.NoError(t, err)
	require.NoError(t, m.SealStream(ctx, "testScope", "deleted"))
	require.NoError(t, m.DeleteStream(ctx, "testScope", "deleted"))

	t.Run("should report surviving handles as aborted", func(t *testing.T) {
		require.NotPanics(t, func() { txn.IsOpen() })
		require.False(t, txn.IsOpen())
		require.False(t, handle.IsOpen())
		require.Equal(t, storage.TxnAborted, txn.State())
	})
	t.Run("should fail every operation with a transaction failure", func(t *testing.T) {
		for _, err := range []error{
			txn.WriteEvent(ctx, []byte("late"), ""),
			txn.Commit(ctx),
			handle.Abort(ctx),
		} {
			var failed *TxnFailedError
			require.True(t, errors.As(err, &failed), err)
			require.Equal(t, storage.TxnAborted, failed.State)
		}
	})
}
