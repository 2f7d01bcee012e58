// Package blobtesting provides an in-memory blob.Storage implementation with
// fault injection for tests.
package blobtesting

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cloudpg/cloudpg/blob"
)

// ErrTransient is the simulated retriable error. MapStorage classifies it
// (and only it) as retriable.
var ErrTransient = errors.New("simulated transient error")

// ErrFatal is a simulated non-retriable error.
var ErrFatal = errors.New("simulated fatal error")

// MapStorage implements blob.Storage backed by a map, with per-operation
// fault queues and concurrency observation.
type MapStorage struct {
	mu sync.Mutex

	data    map[blob.ID][]byte
	limits  blob.Limits
	faults  map[string][]error
	handles map[*mapMultipartHandle]struct{}

	putDelay time.Duration

	activePuts  int
	maxConcPuts int
}

// NewMapStorage returns empty storage with single-put-friendly limits.
func NewMapStorage() *MapStorage {
	return &MapStorage{
		data:    map[blob.ID][]byte{},
		faults:  map[string][]error{},
		handles: map[*mapMultipartHandle]struct{}{},
		limits: blob.Limits{
			MultipartThreshold: 1 << 30,
			PartSize:           1 << 20,
		},
	}
}

// SetLimits overrides the reported upload limits.
func (s *MapStorage) SetLimits(l blob.Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.limits = l
}

// SetPutDelay makes every PutBlob sleep, widening the window for observing
// concurrent uploads.
func (s *MapStorage) SetPutDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putDelay = d
}

// AddFaults queues errors to be returned by subsequent calls of the given
// operation ("PutBlob", "BeginMultipart", "UploadPart", "Complete").
func (s *MapStorage) AddFaults(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faults[op] = append(s.faults[op], errs...)
}

func (s *MapStorage) nextFault(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.faults[op]
	if len(q) == 0 {
		return nil
	}

	err := q[0]
	s.faults[op] = q[1:]

	return err
}

// Blob returns the stored contents of the given object.
func (s *MapStorage) Blob(id blob.ID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.data[id]

	return b, ok
}

// BlobCount returns the number of stored objects.
func (s *MapStorage) BlobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.data)
}

// OpenHandles returns the number of multipart uploads that were begun but
// neither completed nor aborted.
func (s *MapStorage) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.handles)
}

// MaxConcurrentPuts returns the high-water mark of concurrent PutBlob calls.
func (s *MapStorage) MaxConcurrentPuts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.maxConcPuts
}

func (s *MapStorage) TestConnectivity(ctx context.Context) error {
	return s.nextFault("TestConnectivity")
}

func (s *MapStorage) PutBlob(ctx context.Context, id blob.ID, data io.Reader, length int64, opts blob.PutOptions) error {
	s.mu.Lock()
	s.activePuts++

	if s.activePuts > s.maxConcPuts {
		s.maxConcPuts = s.activePuts
	}

	delay := s.putDelay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.activePuts--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.nextFault("PutBlob"); err != nil {
		return err
	}

	b, err := io.ReadAll(data)
	if err != nil {
		return errors.Wrap(err, "reading data")
	}

	if length >= 0 && int64(len(b)) != length {
		return errors.Errorf("length mismatch for %v: got %v, declared %v", id, len(b), length)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[id] = b

	return nil
}

func (s *MapStorage) BeginMultipart(ctx context.Context, id blob.ID, opts blob.PutOptions) (blob.MultipartHandle, error) {
	if err := s.nextFault("BeginMultipart"); err != nil {
		return nil, err
	}

	h := &mapMultipartHandle{storage: s, id: id, parts: map[int][]byte{}}

	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	return h, nil
}

type mapMultipartHandle struct {
	storage *MapStorage
	id      blob.ID

	mu       sync.Mutex
	parts    map[int][]byte
	finished bool
}

func (h *mapMultipartHandle) UploadPart(ctx context.Context, partNumber int, data io.Reader, length int64) (blob.Part, error) {
	if err := h.storage.nextFault("UploadPart"); err != nil {
		return blob.Part{}, err
	}

	b, err := io.ReadAll(data)
	if err != nil {
		return blob.Part{}, errors.Wrap(err, "reading part")
	}

	if int64(len(b)) != length {
		return blob.Part{}, errors.Errorf("part length mismatch: got %v, declared %v", len(b), length)
	}

	h.mu.Lock()
	h.parts[partNumber] = b
	h.mu.Unlock()

	return blob.Part{PartNumber: partNumber, ETag: fmt.Sprintf("etag-%v", partNumber), Size: length}, nil
}

func (h *mapMultipartHandle) Complete(ctx context.Context, parts []blob.Part) error {
	if err := h.storage.nextFault("Complete"); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return errors.New("multipart upload already finished")
	}

	var buf bytes.Buffer

	for _, p := range parts {
		b, ok := h.parts[p.PartNumber]
		if !ok {
			return errors.Errorf("unknown part %v", p.PartNumber)
		}

		buf.Write(b)
	}

	h.finished = true

	h.storage.mu.Lock()
	defer h.storage.mu.Unlock()

	h.storage.data[h.id] = buf.Bytes()
	delete(h.storage.handles, h)

	return nil
}

func (h *mapMultipartHandle) Abort(ctx context.Context) error {
	h.mu.Lock()
	h.finished = true
	h.mu.Unlock()

	h.storage.mu.Lock()
	defer h.storage.mu.Unlock()

	delete(h.storage.handles, h)

	return nil
}

func (s *MapStorage) DeleteBlob(ctx context.Context, id blob.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)

	return nil
}

func (s *MapStorage) IsRetriable(err error) bool {
	return errors.Is(err, ErrTransient)
}

func (s *MapStorage) Limits() blob.Limits {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.limits
}

func (s *MapStorage) ConnectionInfo() blob.ConnectionInfo {
	return blob.ConnectionInfo{Type: "map", Config: nil}
}

func (s *MapStorage) DisplayName() string {
	return "Map"
}

func (s *MapStorage) Close(ctx context.Context) error {
	return nil
}

var _ blob.Storage = (*MapStorage)(nil)
