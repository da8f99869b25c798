package memory

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
	"github.com/vkngwrapper/arsenal/gpuheap/internal/utils"
	"github.com/vkngwrapper/arsenal/gpuheap/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific manager behaviors to activate or deactivate
type CreateFlags int32

var managerCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	managerCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return managerCreateFlagsMapping.FlagsToString(f)
}

const (
	// ManagerCreateExternallySynchronized ensures that this manager and all resources created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	ManagerCreateExternallySynchronized CreateFlags = 1 << iota
	// ManagerCreateFixedArenaSize disables arena doubling: every new arena is DefaultArenaSize bytes,
	// or the request's block size if that is larger.
	ManagerCreateFixedArenaSize
	// ManagerCreateKeepEmptyArenas disables arena retirement. Empty arenas keep their heaps until
	// the manager is destroyed.
	ManagerCreateKeepEmptyArenas
)

func init() {
	ManagerCreateExternallySynchronized.Register("ManagerCreateExternallySynchronized")
	ManagerCreateFixedArenaSize.Register("ManagerCreateFixedArenaSize")
	ManagerCreateKeepEmptyArenas.Register("ManagerCreateKeepEmptyArenas")
}

const (
	// DefaultArenaSize is used when CreateOptions.DefaultArenaSize is 0. It is equal to 4MiB.
	DefaultArenaSize int = 4 * 1024 * 1024
	// DefaultMinBlockSize is used when CreateOptions.MinBlockSize is 0
	DefaultMinBlockSize int = 256
	// DefaultMaxHeapSize is used when neither CreateOptions.MaxHeapSize nor the device limits provide
	// one. It is equal to 256MiB.
	DefaultMaxHeapSize int = 256 * 1024 * 1024
	// DefaultMinArenaCount is used when CreateOptions.MinArenaCount is 0
	DefaultMinArenaCount int = 1
	// NoMinArenaCount can be passed as CreateOptions.MinArenaCount to retire every arena as soon as
	// it becomes empty
	NoMinArenaCount int = -1
)

// CreateOptions contains optional settings when creating a manager. It is valid to leave all the
// fields blank.
type CreateOptions struct {
	// Flags indicates specific manager behaviors to activate or deactivate
	Flags CreateFlags
	// DefaultArenaSize is the smallest heap the manager will create. It must be a power of two.
	DefaultArenaSize int
	// MinBlockSize is the smallest block the buddy allocator of each arena will hand out. It must be
	// a power of two.
	MinBlockSize int
	// MaxHeapSize caps the size of a single arena. Requests whose block size exceeds it fail with
	// ErrInsufficientMemory. It is clamped to the device's limit.
	MaxHeapSize int
	// MinArenaCount is the number of arenas per heap kind that are kept alive when they become empty.
	// Empty arenas beyond this count are retired. 0 uses DefaultMinArenaCount, NoMinArenaCount keeps
	// none.
	MinArenaCount int
	// Logger receives debug traces and unreleased memory reports. nil discards them.
	Logger *slog.Logger
}

// New creates a new Manager placing heaps on the provided device
func New(device gpu.Device, options CreateOptions) (*Manager, error) {
	if device == nil {
		return nil, errors.New("a device is required")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	manager := &Manager{
		device:        device,
		logger:        logger,
		createFlags:   options.Flags,
		arenaSize:     options.DefaultArenaSize,
		minBlockSize:  options.MinBlockSize,
		maxHeapSize:   options.MaxHeapSize,
		minArenaCount: options.MinArenaCount,
		availableIDs:  queue.New(),
		mutex: utils.OptionalRWMutex{
			UseMutex: options.Flags&ManagerCreateExternallySynchronized == 0,
		},
	}

	if manager.arenaSize == 0 {
		manager.arenaSize = DefaultArenaSize
	}
	if manager.minBlockSize == 0 {
		manager.minBlockSize = DefaultMinBlockSize
	}
	switch manager.minArenaCount {
	case 0:
		manager.minArenaCount = DefaultMinArenaCount
	case NoMinArenaCount:
		manager.minArenaCount = 0
	}

	deviceMax := device.Limits().MaxHeapSize
	switch {
	case manager.maxHeapSize == 0 && deviceMax > 0:
		manager.maxHeapSize = deviceMax
	case manager.maxHeapSize == 0:
		manager.maxHeapSize = DefaultMaxHeapSize
	case deviceMax > 0 && manager.maxHeapSize > deviceMax:
		manager.maxHeapSize = deviceMax
	}

	err := memutils.CheckPow2(manager.arenaSize, "DefaultArenaSize")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(manager.minBlockSize, "MinBlockSize")
	if err != nil {
		return nil, err
	}
	if manager.minArenaCount < 0 {
		return nil, errors.Newf("MinArenaCount must be NoMinArenaCount or non-negative, but was %d", manager.minArenaCount)
	}
	if manager.maxHeapSize < manager.minBlockSize {
		return nil, errors.Newf("the maximum heap size %d is smaller than the minimum block size %d", manager.maxHeapSize, manager.minBlockSize)
	}

	for _, kind := range gpu.HeapKinds {
		manager.lists[kind] = &arenaList{kind: kind, manager: manager}
	}

	return manager, nil
}
