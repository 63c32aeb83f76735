package reader

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// maxInflight bounds the number of outstanding reads issued for one batch.
const maxInflight = 16

// LocalReader is an AlignedReader over a local file. os.File.ReadAt is
// safe for concurrent use, so a batch is fanned out across goroutines to
// keep several reads outstanding at once.
type LocalReader struct {
	f      *os.File
	size   int64
	closed atomic.Bool

	mu     sync.Mutex
	nextID int
}

var _ AlignedReader = (*LocalReader)(nil)

// NewLocal opens path for aligned batch reading.
func NewLocal(path string) (*LocalReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reader: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reader: stat %s: %w", path, err)
	}
	return &LocalReader{f: f, size: fi.Size()}, nil
}

// Read completes all requests or fails the batch. Reads past EOF zero-fill
// the tail of the buffer; this happens for the last sectors of an index
// whose payload does not end on an alignment boundary.
func (r *LocalReader) Read(ctx context.Context, ioc *IOContext, reqs []Request) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := validate(reqs); err != nil {
		return err
	}

	if len(reqs) == 1 {
		return r.readOne(&reqs[0])
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxInflight)
	for i := range reqs {
		req := &reqs[i]
		g.Go(func() error {
			return r.readOne(req)
		})
	}
	return g.Wait()
}

func (r *LocalReader) readOne(req *Request) error {
	buf := req.Buf[:req.Len]
	n, err := r.f.ReadAt(buf, int64(req.Offset))
	if err == io.EOF {
		clear(buf[n:])
		return nil
	}
	if err != nil {
		return fmt.Errorf("reader: read at %d: %w", req.Offset, err)
	}
	return nil
}

// RegisterThread allocates an IOContext for one worker.
func (r *LocalReader) RegisterThread() (*IOContext, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return &IOContext{id: r.nextID}, nil
}

// DeregisterThread releases an IOContext.
func (r *LocalReader) DeregisterThread(ioc *IOContext) error {
	return nil
}

// Size returns the file size in bytes.
func (r *LocalReader) Size() int64 {
	return r.size
}

// Close releases the underlying file.
func (r *LocalReader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.f.Close()
}
