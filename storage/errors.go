package storage

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrScopeNotFound    = errors.New("scope not found")
	ErrScopeExists      = errors.New("scope already exists")
	ErrScopeNotEmpty    = errors.New("scope is not empty")
	ErrStreamNotFound   = errors.New("stream not found")
	ErrStreamExists     = errors.New("stream already exists")
	ErrStreamSealed     = errors.New("stream is sealed")
	ErrStreamNotSealed  = errors.New("stream must be sealed first")
	ErrSegmentNotFound  = errors.New("segment not found")
	ErrSegmentSealed    = errors.New("segment is sealed")
	ErrTxnNotFound      = errors.New("transaction not found")
	ErrTxnCommitted     = errors.New("transaction already committed")
	ErrTxnAborted       = errors.New("transaction already aborted")
	ErrOffsetTruncated  = errors.New("offset has been truncated")
	ErrInvalidOffset    = errors.New("invalid offset")
	ErrUnavailable      = errors.New("storage service unavailable")
)

type grpcStatus interface {
	GRPCStatus() *status.Status
}

// IsTransient reports whether err is a service availability failure that
// may be retried by idempotent operations.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var st grpcStatus
	if errors.As(err, &st) {
		switch st.GRPCStatus().Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return true
		}
	}
	return false
}
