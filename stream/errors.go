package stream

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/vx-labs/nestclient/storage"
)

var (
	// ErrTxnFailed is matched by every error returned when operating on a
	// transaction that is no longer open.
	ErrTxnFailed       = errors.New("transaction failed")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrWriterClosed    = errors.New("writer is closed")
	ErrStreamSealed    = storage.ErrStreamSealed
)

type TxnFailedError struct {
	ID    storage.TxnID
	State storage.TxnState
	Op    string
}

func (e *TxnFailedError) Error() string {
	return fmt.Sprintf("%s transaction %s: transaction is %s", e.Op, e.ID, e.State)
}

func (e *TxnFailedError) Is(target error) bool {
	return target == ErrTxnFailed
}

func invalidArgument(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}
