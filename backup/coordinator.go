package backup

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/cloudpg/cloudpg/blob"
	"github.com/cloudpg/cloudpg/internal/retry"
)

// TaskState is the upload state of one segment.
type TaskState int32

// Upload task states.
const (
	TaskPending TaskState = iota
	TaskInProgress
	TaskCompleted
	TaskFailed
)

// UploadTask wraps one segment plus its upload state. A task is owned by at
// most one worker at a time; ownership is transferred through the submission
// queue, never shared.
type UploadTask struct {
	Segment *Segment

	state    atomic.Int32
	attempts atomic.Int32

	mu  sync.Mutex
	err error
}

// State returns the current task state.
func (t *UploadTask) State() TaskState {
	return TaskState(t.state.Load())
}

// Attempts returns the number of backend attempts made across all operations
// of this task.
func (t *UploadTask) Attempts() int {
	return int(t.attempts.Load())
}

// Err returns the terminal error for a failed task.
func (t *UploadTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

func (t *UploadTask) setState(s TaskState) {
	t.state.Store(int32(s))
}

func (t *UploadTask) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()

	t.setState(TaskFailed)
}

// CoordinatorOptions configure the upload worker pool.
type CoordinatorOptions struct {
	// Jobs bounds segments-in-flight; parts within one segment upload
	// sequentially.
	Jobs int

	Retry retry.Options

	// OperationTimeout bounds each individual backend operation (one put,
	// one part, one complete). Zero means no per-operation bound; no timeout
	// ever spans the whole backup.
	OperationTimeout time.Duration

	PutOptions blob.PutOptions
}

// Coordinator distributes closed segments to a fixed pool of upload workers
// over a bounded queue. Submit applies backpressure when the queue is full;
// WaitAll blocks until every submitted task is terminal.
type Coordinator struct {
	st   blob.Storage
	opts CoordinatorOptions

	queue chan *UploadTask
	eg    *errgroup.Group

	mu    sync.Mutex
	tasks []*UploadTask

	waitOnce sync.Once
	outcome  *Outcome
}

// NewCoordinator starts the worker pool.
func NewCoordinator(ctx context.Context, st blob.Storage, opts CoordinatorOptions) *Coordinator {
	if opts.Jobs <= 0 {
		opts.Jobs = DefaultJobs
	}

	c := &Coordinator{
		st:    st,
		opts:  opts,
		queue: make(chan *UploadTask, opts.Jobs),
	}

	eg, ctx := errgroup.WithContext(ctx)
	c.eg = eg

	for range opts.Jobs {
		eg.Go(func() error {
			for task := range c.queue {
				c.process(ctx, task)
			}

			return nil
		})
	}

	return c
}

// Submit queues one segment for upload, blocking while the queue is full.
func (c *Coordinator) Submit(ctx context.Context, seg *Segment) error {
	task := &UploadTask{Segment: seg}

	c.mu.Lock()
	c.tasks = append(c.tasks, task)
	c.mu.Unlock()

	select {
	case c.queue <- task:
		return nil
	case <-ctx.Done():
		task.fail(ctx.Err())

		return errors.Wrap(ctx.Err(), "canceled while submitting segment")
	}
}

// Tasks returns all submitted tasks.
func (c *Coordinator) Tasks() []*UploadTask {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*UploadTask(nil), c.tasks...)
}

// WaitAll closes the intake queue, waits for every submitted task to reach a
// terminal state and returns the aggregated outcome. It must be called
// exactly once, after the capture driver has finished submitting.
func (c *Coordinator) WaitAll(ctx context.Context) *Outcome {
	c.waitOnce.Do(func() {
		close(c.queue)
		_ = c.eg.Wait() // workers record failures per-task, they never fail the group

		o := &Outcome{}

		for _, t := range c.Tasks() {
			o.TotalSegments++

			switch t.State() {
			case TaskCompleted:
				o.Completed++
				o.CompletedBytes += t.Segment.Size
			default:
				o.FailedSegments = append(o.FailedSegments, t.Segment.Key)
			}
		}

		c.outcome = o
	})

	return c.outcome
}

func (c *Coordinator) process(ctx context.Context, task *UploadTask) {
	task.setState(TaskInProgress)

	err := c.upload(ctx, task)

	if cleanupErr := task.Segment.Cleanup(); cleanupErr != nil {
		log(ctx).Warnf("unable to remove spool for %v: %v", task.Segment.Key, cleanupErr)
	}

	if err != nil {
		log(ctx).Errorf("upload of %v failed after %v attempts: %v", task.Segment.Key, task.Attempts(), err)
		task.fail(err)

		return
	}

	log(ctx).Debugf("uploaded %v (%v bytes, %v attempts)", task.Segment.Key, task.Segment.Size, task.Attempts())
	task.setState(TaskCompleted)
}

func (c *Coordinator) upload(ctx context.Context, task *UploadTask) error {
	seg := task.Segment
	limits := c.st.Limits()

	if limits.MultipartThreshold <= 0 || seg.Size <= limits.MultipartThreshold {
		return c.uploadWhole(ctx, task)
	}

	return c.uploadMultipart(ctx, task, limits.PartSize)
}

// opContext bounds one backend operation when a per-operation timeout is
// configured.
func (c *Coordinator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.OperationTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.opts.OperationTimeout)
}

func (c *Coordinator) uploadWhole(ctx context.Context, task *UploadTask) error {
	seg := task.Segment

	attempts, err := retry.WithExponentialBackoff(ctx, c.opts.Retry, fmt.Sprintf("PutBlob(%v)", seg.Key), func() error {
		opCtx, cancel := c.opContext(ctx)
		defer cancel()

		r, oerr := seg.Open()
		if oerr != nil {
			return oerr
		}
		defer r.Close() //nolint:errcheck

		return c.st.PutBlob(opCtx, seg.Key, r, seg.Size, c.opts.PutOptions)
	}, c.st.IsRetriable)

	task.attempts.Add(int32(attempts))

	return err
}

func (c *Coordinator) uploadMultipart(ctx context.Context, task *UploadTask, partSize int64) error {
	seg := task.Segment

	r, err := seg.Open()
	if err != nil {
		return err
	}
	defer r.Close() //nolint:errcheck

	var handle blob.MultipartHandle

	attempts, err := retry.WithExponentialBackoff(ctx, c.opts.Retry, fmt.Sprintf("BeginMultipart(%v)", seg.Key), func() error {
		var berr error

		// no per-attempt timeout here: the handle's lifetime spans all parts.
		handle, berr = c.st.BeginMultipart(ctx, seg.Key, c.opts.PutOptions)

		return berr
	}, c.st.IsRetriable)

	task.attempts.Add(int32(attempts))

	if err != nil {
		return err
	}

	var parts []blob.Part

	for offset, partNumber := int64(0), 1; offset < seg.Size; partNumber++ {
		length := min(partSize, seg.Size-offset)

		var part blob.Part

		attempts, err := retry.WithExponentialBackoff(ctx, c.opts.Retry, fmt.Sprintf("UploadPart(%v,#%v)", seg.Key, partNumber), func() error {
			opCtx, cancel := c.opContext(ctx)
			defer cancel()

			var perr error
			part, perr = handle.UploadPart(opCtx, partNumber, io.NewSectionReader(r, offset, length), length)

			return perr
		}, c.st.IsRetriable)

		task.attempts.Add(int32(attempts))

		if err != nil {
			c.abortHandle(ctx, handle, seg)

			return err
		}

		parts = append(parts, part)
		offset += length
	}

	attempts, err = retry.WithExponentialBackoff(ctx, c.opts.Retry, fmt.Sprintf("CompleteMultipart(%v)", seg.Key), func() error {
		opCtx, cancel := c.opContext(ctx)
		defer cancel()

		return handle.Complete(opCtx, parts)
	}, c.st.IsRetriable)

	task.attempts.Add(int32(attempts))

	if err != nil {
		c.abortHandle(ctx, handle, seg)

		return err
	}

	return nil
}

// abortHandle releases a failed multipart upload so it never leaves orphaned
// parts behind. Abort failures are logged, not surfaced: the task error is
// the upload failure itself.
func (c *Coordinator) abortHandle(ctx context.Context, handle blob.MultipartHandle, seg *Segment) {
	if err := handle.Abort(ctx); err != nil {
		log(ctx).Warnf("unable to abort multipart upload of %v: %v", seg.Key, err)
	}
}
