package submission

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"github.com/vkngwrapper/arsenal/gpuheap/staging"
	"golang.org/x/exp/slog"
)

// Uploader submits staged copies to a copy queue and signals a timeline once they complete
type Uploader struct {
	queue    gpu.Queue
	timeline *Timeline
}

func NewUploader(queue gpu.Queue, timeline *Timeline) (*Uploader, error) {
	if queue == nil || timeline == nil {
		return nil, errors.New("a queue and a timeline are required")
	}
	return &Uploader{queue: queue, timeline: timeline}, nil
}

func (u *Uploader) Timeline() *Timeline { return u.timeline }

// Submit records every pending staging entry into a new command list, submits it to the copy queue and
// binds temp to the signaled value. Each consumer queue waits on that value before running work
// submitted to it afterwards. temp must be released by the caller once the value is reached. temp may
// be reused across submissions: if the command list cannot be submitted, only the handles this call
// added to temp are released.
func (u *Uploader) Submit(stagingManager *staging.Manager, temp *staging.TemporaryDataBuffer, consumers ...gpu.Queue) (uint64, error) {
	cmd, err := u.queue.CreateCommandList()
	if err != nil {
		return 0, err
	}

	err = stagingManager.CopyAndClear(cmd)
	if err != nil {
		return 0, err
	}

	err = cmd.Close()
	if err == nil {
		err = u.queue.Submit(cmd)
	}
	if err != nil {
		// this batch never reached the GPU, earlier batches in temp are still bound
		return 0, errors.CombineErrors(err, temp.Discard())
	}

	value, err := u.timeline.Signal(u.queue)
	if err != nil {
		return 0, err
	}

	err = temp.Bind(u.timeline.Fence(), value)
	if err != nil {
		return 0, err
	}

	for _, consumer := range consumers {
		err = u.timeline.Link(consumer, value)
		if err != nil {
			return value, err
		}
	}

	u.timeline.logger.LogAttrs(context.Background(), slog.LevelDebug, "Uploader::Submit",
		slog.Uint64("value", value),
		slog.Int("handles", temp.Len()))

	return value, nil
}

// Upload submits the pending staging entries, blocks until the copy has completed and releases the
// staging memory. It is meant for one-shot uploads that must finish before first use.
func (u *Uploader) Upload(ctx context.Context, stagingManager *staging.Manager, temp *staging.TemporaryDataBuffer, consumers ...gpu.Queue) (uint64, error) {
	value, err := u.Submit(stagingManager, temp, consumers...)
	if err != nil {
		return value, err
	}

	err = u.timeline.Wait(ctx, value)
	if err != nil {
		return value, err
	}

	released, err := temp.TryRelease()
	if err != nil {
		return value, err
	} else if !released {
		return value, errors.AssertionFailedf("temporary data was not released after fence value %d", value)
	}

	return value, nil
}
