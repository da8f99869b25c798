package submission

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"github.com/vkngwrapper/arsenal/gpuheap/staging"
	"golang.org/x/exp/slog"
)

// DefaultFramesInFlight is used when FrameOptions.FramesInFlight is 0
const DefaultFramesInFlight = 2

type FrameOptions struct {
	FramesInFlight int
}

// Frame is one slot of a FrameRing. Staging data for work submitted during the frame goes into Temp.
type Frame struct {
	index int
	temp  *staging.TemporaryDataBuffer
	value uint64
}

func (f *Frame) Index() int                         { return f.index }
func (f *Frame) Temp() *staging.TemporaryDataBuffer { return f.temp }

// FenceValue is the timeline value signaled when the frame last ended, or 0 if it never has
func (f *Frame) FenceValue() uint64 { return f.value }

// FrameRing cycles through a fixed number of frames in flight. A slot is reused only once the fence
// value recorded when it last ended has been reached, at which point its temporary data is released.
type FrameRing struct {
	timeline *Timeline
	frames   []*Frame
	current  int
	active   *Frame
}

func NewFrameRing(timeline *Timeline, options FrameOptions) (*FrameRing, error) {
	if timeline == nil {
		return nil, errors.New("a timeline is required")
	}

	count := options.FramesInFlight
	if count == 0 {
		count = DefaultFramesInFlight
	}
	if count < 0 {
		return nil, errors.Newf("frames in flight must be positive, but was %d", count)
	}

	ring := &FrameRing{timeline: timeline}
	for index := 0; index < count; index++ {
		ring.frames = append(ring.frames, &Frame{
			index: index,
			temp:  staging.NewTemporaryDataBuffer(),
		})
	}
	return ring, nil
}

func (r *FrameRing) FramesInFlight() int { return len(r.frames) }

// Begin waits for the next slot's previous submission, releases the temporary data it held and
// returns the slot
func (r *FrameRing) Begin(ctx context.Context) (*Frame, error) {
	if r.active != nil {
		return nil, errors.Newf("frame %d has not ended", r.active.index)
	}

	frame := r.frames[r.current]
	if frame.value > 0 {
		err := r.timeline.Wait(ctx, frame.value)
		if err != nil {
			return nil, errors.Wrapf(err, "waiting for frame %d", frame.index)
		}
	}

	released, err := frame.temp.TryRelease()
	if err != nil {
		return nil, err
	} else if !released {
		return nil, errors.AssertionFailedf("frame %d temporary data was not released after its fence value %d", frame.index, frame.value)
	}

	r.timeline.logger.LogAttrs(ctx, slog.LevelDebug, "FrameRing::Begin",
		slog.Int("frame", frame.index),
		slog.Uint64("completed", r.timeline.CompletedValue()))

	r.active = frame
	return frame, nil
}

// End signals the timeline on queue after the frame's work and binds the frame's temporary data to the
// signaled value
func (r *FrameRing) End(queue gpu.Queue) (uint64, error) {
	frame := r.active
	if frame == nil {
		return 0, errors.New("no frame has begun")
	}

	value, err := r.timeline.Signal(queue)
	if err != nil {
		return 0, err
	}

	err = frame.temp.Bind(r.timeline.Fence(), value)
	if err != nil {
		return 0, err
	}

	frame.value = value
	r.active = nil
	r.current = (r.current + 1) % len(r.frames)
	return value, nil
}

// Close waits for every frame's last submission and releases all temporary data
func (r *FrameRing) Close(ctx context.Context) error {
	var err error
	for _, frame := range r.frames {
		if frame == r.active {
			// never submitted
			err = errors.CombineErrors(err, frame.temp.Discard())
			continue
		}

		waitErr := r.timeline.Wait(ctx, frame.value)
		if waitErr != nil {
			err = errors.CombineErrors(err, waitErr)
			continue
		}

		_, releaseErr := frame.temp.TryRelease()
		err = errors.CombineErrors(err, releaseErr)
	}

	r.active = nil
	return err
}
