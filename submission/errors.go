package submission

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
)

// ErrFenceTimeout is returned when a fence value is not reached within the timeline's timeout. It is
// marked as gpu.ErrDeviceLost, so gpu.IsFatal reports true for it.
var ErrFenceTimeout = errors.Mark(errors.New("fence wait timed out"), gpu.ErrDeviceLost)
