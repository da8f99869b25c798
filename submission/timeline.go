package submission

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"golang.org/x/exp/slog"
)

// DefaultFenceTimeout is used when TimelineOptions.Timeout is 0
const DefaultFenceTimeout = 10 * time.Second

type TimelineOptions struct {
	// Timeout bounds every Wait. A value that is not reached in time is treated as a lost device.
	// Negative values disable the timeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Timeline pairs a fence with the last value submitted for it. Values handed out by Signal strictly
// increase.
type Timeline struct {
	fence   gpu.Fence
	timeout time.Duration
	logger  *slog.Logger

	mutex sync.Mutex
	last  uint64
}

func NewTimeline(fence gpu.Fence, options TimelineOptions) (*Timeline, error) {
	if fence == nil {
		return nil, errors.New("a fence is required")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	timeout := options.Timeout
	if timeout == 0 {
		timeout = DefaultFenceTimeout
	}

	return &Timeline{
		fence:   fence,
		timeout: timeout,
		logger:  logger,
		last:    fence.CompletedValue(),
	}, nil
}

func (t *Timeline) Fence() gpu.Fence { return t.fence }

// LastSignaled returns the most recent value handed out by Signal
func (t *Timeline) LastSignaled() uint64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.last
}

func (t *Timeline) CompletedValue() uint64 {
	return t.fence.CompletedValue()
}

// IsComplete reports whether the GPU has reached value
func (t *Timeline) IsComplete(value uint64) bool {
	return t.fence.CompletedValue() >= value
}

// Signal enqueues a signal of the next value on queue, after all work already submitted to it, and
// returns that value
func (t *Timeline) Signal(queue gpu.Queue) (uint64, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	value := t.last + 1
	err := queue.Signal(t.fence, value)
	if err != nil {
		return 0, errors.Wrapf(err, "signaling fence value %d", value)
	}

	t.last = value
	return value, nil
}

// Link makes consumer wait for value before it executes any work submitted after this call
func (t *Timeline) Link(consumer gpu.Queue, value uint64) error {
	err := consumer.Wait(t.fence, value)
	if err != nil {
		return errors.Wrapf(err, "linking a queue to fence value %d", value)
	}
	return nil
}

// Wait blocks until the fence reaches value. If the timeline's timeout passes first, the returned error
// is marked ErrFenceTimeout and is fatal. Cancellation of ctx is returned as is.
func (t *Timeline) Wait(ctx context.Context, value uint64) error {
	if t.IsComplete(value) {
		return nil
	}

	waitCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	err := t.fence.Wait(waitCtx, value)
	if err == nil {
		return nil
	}

	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		t.logger.LogAttrs(context.Background(), slog.LevelError, "fence wait timed out",
			slog.Uint64("value", value),
			slog.Uint64("completed", t.fence.CompletedValue()),
			slog.Duration("timeout", t.timeout))
		return errors.Wrapf(ErrFenceTimeout, "fence value %d was not reached within %s", value, t.timeout)
	}
	return err
}
