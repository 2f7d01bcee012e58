package backup

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudpg/cloudpg/blob"
	"github.com/cloudpg/cloudpg/internal/blobtesting"
	"github.com/cloudpg/cloudpg/internal/retry"
	"github.com/cloudpg/cloudpg/internal/testlogging"
)

func fastRetry() retry.Options {
	return retry.Options{
		MaxAttempts:  3,
		InitialSleep: 10 * time.Millisecond,
		MaxSleep:     20 * time.Millisecond,
	}
}

func inlineSegment(key string, data []byte) *Segment {
	return newInlineSegment(blob.ID(key), DataTablespace, data)
}

func TestCoordinatorUploadsAllSegments(t *testing.T) {
	ctx := testlogging.Context(t)
	st := blobtesting.NewMapStorage()

	c := NewCoordinator(ctx, st, CoordinatorOptions{Jobs: 2, Retry: fastRetry()})

	const numSegments = 5

	var totalBytes int64

	for i := range numSegments {
		data := bytes.Repeat([]byte{byte(i)}, 100+i)
		totalBytes += int64(len(data))
		require.NoError(t, c.Submit(ctx, inlineSegment(fmt.Sprintf("pg/base/b1/data_%04d.tar", i), data)))
	}

	o := c.WaitAll(ctx)

	require.Equal(t, numSegments, o.TotalSegments)
	require.Equal(t, numSegments, o.Completed)
	require.Equal(t, totalBytes, o.CompletedBytes)
	require.Empty(t, o.FailedSegments)
	require.False(t, o.AllFailed())

	for _, task := range c.Tasks() {
		require.Equal(t, TaskCompleted, task.State())
		require.NoError(t, task.Err())
	}

	require.Equal(t, numSegments, st.BlobCount())

	got, ok := st.Blob("pg/base/b1/data_0003.tar")
	require.True(t, ok)
	require.Equal(t, bytes.Repeat([]byte{3}, 103), got)
}

func TestCoordinatorBoundsConcurrency(t *testing.T) {
	ctx := testlogging.Context(t)
	st := blobtesting.NewMapStorage()
	st.SetPutDelay(20 * time.Millisecond)

	c := NewCoordinator(ctx, st, CoordinatorOptions{Jobs: 2, Retry: fastRetry()})

	for i := range 8 {
		require.NoError(t, c.Submit(ctx, inlineSegment(fmt.Sprintf("pg/base/b1/data_%04d.tar", i), []byte("x"))))
	}

	o := c.WaitAll(ctx)

	require.Equal(t, 8, o.Completed)
	require.LessOrEqual(t, st.MaxConcurrentPuts(), 2)
}

func TestCoordinatorRetriesTransientErrors(t *testing.T) {
	ctx := testlogging.Context(t)
	st := blobtesting.NewMapStorage()
	st.AddFaults("PutBlob", blobtesting.ErrTransient, blobtesting.ErrTransient)

	c := NewCoordinator(ctx, st, CoordinatorOptions{Jobs: 1, Retry: fastRetry()})

	require.NoError(t, c.Submit(ctx, inlineSegment("pg/base/b1/data_0000.tar", []byte("payload"))))

	o := c.WaitAll(ctx)

	require.Equal(t, 1, o.Completed)

	task := c.Tasks()[0]
	require.Equal(t, TaskCompleted, task.State())
	require.Equal(t, 3, task.Attempts())
}

func TestCoordinatorFailsAfterExhaustedRetries(t *testing.T) {
	ctx := testlogging.Context(t)
	st := blobtesting.NewMapStorage()
	st.AddFaults("PutBlob",
		blobtesting.ErrTransient, blobtesting.ErrTransient, blobtesting.ErrTransient)

	c := NewCoordinator(ctx, st, CoordinatorOptions{Jobs: 1, Retry: fastRetry()})

	require.NoError(t, c.Submit(ctx, inlineSegment("pg/base/b1/data_0000.tar", []byte("payload"))))
	require.NoError(t, c.Submit(ctx, inlineSegment("pg/base/b1/data_0001.tar", []byte("payload"))))

	o := c.WaitAll(ctx)

	require.Equal(t, 2, o.TotalSegments)
	require.Equal(t, 1, o.Completed)
	require.Equal(t, []blob.ID{"pg/base/b1/data_0000.tar"}, o.FailedSegments)
	require.False(t, o.AllFailed())

	task := c.Tasks()[0]
	require.Equal(t, TaskFailed, task.State())
	require.ErrorIs(t, task.Err(), blobtesting.ErrTransient)
}

func TestCoordinatorNonRetriableErrorFailsFast(t *testing.T) {
	ctx := testlogging.Context(t)
	st := blobtesting.NewMapStorage()
	st.AddFaults("PutBlob", blobtesting.ErrFatal)

	c := NewCoordinator(ctx, st, CoordinatorOptions{Jobs: 1, Retry: fastRetry()})

	require.NoError(t, c.Submit(ctx, inlineSegment("pg/base/b1/data_0000.tar", []byte("payload"))))

	o := c.WaitAll(ctx)

	require.Equal(t, 0, o.Completed)
	require.True(t, o.AllFailed())
	require.Equal(t, 1, c.Tasks()[0].Attempts())
}

func TestCoordinatorOperationTimeout(t *testing.T) {
	ctx := testlogging.Context(t)
	st := blobtesting.NewMapStorage()
	st.SetPutDelay(200 * time.Millisecond)

	c := NewCoordinator(ctx, st, CoordinatorOptions{
		Jobs:             1,
		Retry:            fastRetry(),
		OperationTimeout: 20 * time.Millisecond,
	})

	require.NoError(t, c.Submit(ctx, inlineSegment("pg/base/b1/data_0000.tar", []byte("payload"))))

	o := c.WaitAll(ctx)

	require.True(t, o.AllFailed())
	require.ErrorIs(t, c.Tasks()[0].Err(), context.DeadlineExceeded)
}

func TestCoordinatorMultipartUpload(t *testing.T) {
	ctx := testlogging.Context(t)
	st := blobtesting.NewMapStorage()
	st.SetLimits(blob.Limits{MultipartThreshold: 16, PartSize: 7})

	c := NewCoordinator(ctx, st, CoordinatorOptions{Jobs: 1, Retry: fastRetry()})

	data := []byte("0123456789abcdefghijklmnop")
	require.NoError(t, c.Submit(ctx, inlineSegment("pg/base/b1/data_0000.tar", data)))

	o := c.WaitAll(ctx)

	require.Equal(t, 1, o.Completed)
	require.Zero(t, st.OpenHandles())

	got, ok := st.Blob("pg/base/b1/data_0000.tar")
	require.True(t, ok)
	require.Equal(t, data, got)
}

func TestCoordinatorMultipartPartRetry(t *testing.T) {
	ctx := testlogging.Context(t)
	st := blobtesting.NewMapStorage()
	st.SetLimits(blob.Limits{MultipartThreshold: 8, PartSize: 8})
	st.AddFaults("UploadPart", blobtesting.ErrTransient)

	c := NewCoordinator(ctx, st, CoordinatorOptions{Jobs: 1, Retry: fastRetry()})

	data := []byte("0123456789abcdef")
	require.NoError(t, c.Submit(ctx, inlineSegment("pg/base/b1/data_0000.tar", data)))

	o := c.WaitAll(ctx)

	require.Equal(t, 1, o.Completed)
	require.Zero(t, st.OpenHandles())

	got, ok := st.Blob("pg/base/b1/data_0000.tar")
	require.True(t, ok)
	require.Equal(t, data, got)
}

func TestCoordinatorMultipartAbortOnFailure(t *testing.T) {
	ctx := testlogging.Context(t)
	st := blobtesting.NewMapStorage()
	st.SetLimits(blob.Limits{MultipartThreshold: 8, PartSize: 8})
	st.AddFaults("UploadPart", blobtesting.ErrFatal)

	c := NewCoordinator(ctx, st, CoordinatorOptions{Jobs: 1, Retry: fastRetry()})

	require.NoError(t, c.Submit(ctx, inlineSegment("pg/base/b1/data_0000.tar", []byte("0123456789abcdef"))))

	o := c.WaitAll(ctx)

	require.True(t, o.AllFailed())

	// a failed multipart upload never leaves an open handle behind.
	require.Zero(t, st.OpenHandles())
	require.Zero(t, st.BlobCount())
}

func TestCoordinatorMultipartCompleteFailureAborts(t *testing.T) {
	ctx := testlogging.Context(t)
	st := blobtesting.NewMapStorage()
	st.SetLimits(blob.Limits{MultipartThreshold: 8, PartSize: 8})
	st.AddFaults("Complete",
		blobtesting.ErrFatal)

	c := NewCoordinator(ctx, st, CoordinatorOptions{Jobs: 1, Retry: fastRetry()})

	require.NoError(t, c.Submit(ctx, inlineSegment("pg/base/b1/data_0000.tar", []byte("0123456789abcdef"))))

	o := c.WaitAll(ctx)

	require.True(t, o.AllFailed())
	require.Zero(t, st.OpenHandles())
}

func TestCoordinatorCleansUpSpoolFiles(t *testing.T) {
	ctx := testlogging.Context(t)
	st := blobtesting.NewMapStorage()

	s := testSession(t, 0)

	var spooled []*Segment

	seg := NewSegmenter(s, DataTablespace, func(sg *Segment) error {
		spooled = append(spooled, sg)
		return nil
	})

	require.NoError(t, seg.AddEntry(fileHeader("base/1", 4), bytes.NewReader([]byte("data"))))
	require.NoError(t, seg.Close())
	require.Len(t, spooled, 1)

	c := NewCoordinator(ctx, st, CoordinatorOptions{Jobs: 1, Retry: fastRetry()})
	require.NoError(t, c.Submit(ctx, spooled[0]))

	o := c.WaitAll(ctx)
	require.Equal(t, 1, o.Completed)

	// the spool is removed once the task is terminal.
	_, err := spooled[0].Open()
	require.Error(t, err)
}
