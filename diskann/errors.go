package diskann

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingFile indicates a required index file is absent.
	ErrMissingFile = errors.New("diskann: missing index file")

	// ErrFormatMismatch indicates an index file failed structural validation.
	ErrFormatMismatch = errors.New("diskann: index format mismatch")

	// ErrUnsupportedMetric indicates the metric is not one of L2,
	// InnerProduct or Cosine.
	ErrUnsupportedMetric = errors.New("diskann: unsupported metric")

	// ErrCancelled is returned when an async warm-up task is started after
	// teardown has stopped the warm-up controller.
	ErrCancelled = errors.New("diskann: cancelled")

	// ErrClosed indicates the index has been torn down.
	ErrClosed = errors.New("diskann: index closed")
)

// CorruptIndexError is fatal to the query that observed it. It carries the
// sector offset of the corrupt record for log correlation.
type CorruptIndexError struct {
	SectorOffset uint64
	Reason       string
}

func (e *CorruptIndexError) Error() string {
	return fmt.Sprintf("diskann: corrupt index at sector offset %d: %s", e.SectorOffset, e.Reason)
}

// InvalidArgumentError reports a caller-supplied argument that fails
// validation before any I/O is issued.
type InvalidArgumentError struct {
	Name   string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("diskann: invalid argument %q: %s", e.Name, e.Reason)
}

// IOError wraps a reader failure that aborted a query beam.
type IOError struct {
	cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("diskann: io error: %v", e.cause)
}

func (e *IOError) Unwrap() error { return e.cause }
