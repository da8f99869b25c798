// Package config loads manager, staging and frame settings from an optional file and from environment
// variables.
package config

import (
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"github.com/vkngwrapper/arsenal/gpuheap/memory"
	"github.com/vkngwrapper/arsenal/gpuheap/staging"
	"github.com/vkngwrapper/arsenal/gpuheap/submission"
	"golang.org/x/exp/slog"
)

type Config struct {
	Arena   ArenaConfig   `mapstructure:"arena"`
	Staging StagingConfig `mapstructure:"staging"`
	Frames  FramesConfig  `mapstructure:"frames"`
	Fence   FenceConfig   `mapstructure:"fence"`
}

type ArenaConfig struct {
	DefaultSize  int `mapstructure:"default_size"`
	MinBlockSize int `mapstructure:"min_block_size"`
	MaxHeapSize  int `mapstructure:"max_heap_size"`
	// MinCount is the number of empty arenas per heap kind that are kept instead of retired
	MinCount               int  `mapstructure:"min_count"`
	FixedSize              bool `mapstructure:"fixed_size"`
	KeepEmpty              bool `mapstructure:"keep_empty"`
	ExternallySynchronized bool `mapstructure:"externally_synchronized"`
}

type StagingConfig struct {
	Workers           int `mapstructure:"workers"`
	ParallelThreshold int `mapstructure:"parallel_threshold"`
}

type FramesConfig struct {
	InFlight int `mapstructure:"in_flight"`
}

type FenceConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("arena.default_size", memory.DefaultArenaSize)
	v.SetDefault("arena.min_block_size", memory.DefaultMinBlockSize)
	v.SetDefault("arena.max_heap_size", memory.DefaultMaxHeapSize)
	v.SetDefault("arena.min_count", memory.DefaultMinArenaCount)
	v.SetDefault("arena.fixed_size", false)
	v.SetDefault("arena.keep_empty", false)
	v.SetDefault("arena.externally_synchronized", false)
	v.SetDefault("staging.workers", 0)
	v.SetDefault("staging.parallel_threshold", staging.DefaultParallelThreshold)
	v.SetDefault("frames.in_flight", submission.DefaultFramesInFlight)
	v.SetDefault("fence.timeout", submission.DefaultFenceTimeout)
}

// Load reads the provided config files in order, then environment variables named after the dotted keys
// with the prefix: GPUHEAP_ARENA_DEFAULT_SIZE sets arena.default_size for the prefix "GPUHEAP". Missing
// files are skipped. Every key has a default.
func Load(prefix string, files ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			continue
		}

		v.SetConfigFile(file)
		err := v.MergeInConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", file)
		}
	}

	if prefix != "" {
		v.SetEnvPrefix(prefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	err := v.Unmarshal(&config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	err = config.Validate()
	if err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Arena.DefaultSize <= 0:
		return errors.Newf("arena.default_size must be positive, but was %d", c.Arena.DefaultSize)
	case c.Arena.MinBlockSize <= 0:
		return errors.Newf("arena.min_block_size must be positive, but was %d", c.Arena.MinBlockSize)
	case c.Arena.MaxHeapSize < c.Arena.DefaultSize:
		return errors.Newf("arena.max_heap_size %d is smaller than arena.default_size %d", c.Arena.MaxHeapSize, c.Arena.DefaultSize)
	case c.Arena.MinCount < 0:
		return errors.Newf("arena.min_count must not be negative, but was %d", c.Arena.MinCount)
	case c.Staging.Workers < 0:
		return errors.Newf("staging.workers must not be negative, but was %d", c.Staging.Workers)
	case c.Frames.InFlight <= 0:
		return errors.Newf("frames.in_flight must be positive, but was %d", c.Frames.InFlight)
	}
	return nil
}

func (c *Config) ManagerOptions(logger *slog.Logger) memory.CreateOptions {
	var flags memory.CreateFlags
	if c.Arena.FixedSize {
		flags |= memory.ManagerCreateFixedArenaSize
	}
	if c.Arena.KeepEmpty {
		flags |= memory.ManagerCreateKeepEmptyArenas
	}
	if c.Arena.ExternallySynchronized {
		flags |= memory.ManagerCreateExternallySynchronized
	}

	// the manager reads 0 as the default
	minArenaCount := c.Arena.MinCount
	if minArenaCount == 0 {
		minArenaCount = memory.NoMinArenaCount
	}

	return memory.CreateOptions{
		Flags:            flags,
		DefaultArenaSize: c.Arena.DefaultSize,
		MinBlockSize:     c.Arena.MinBlockSize,
		MaxHeapSize:      c.Arena.MaxHeapSize,
		MinArenaCount:    minArenaCount,
		Logger:           logger,
	}
}

func (c *Config) StagingOptions(logger *slog.Logger) staging.Options {
	return staging.Options{
		Workers:                c.Staging.Workers,
		ParallelThreshold:      c.Staging.ParallelThreshold,
		ExternallySynchronized: c.Arena.ExternallySynchronized,
		Logger:                 logger,
	}
}

func (c *Config) FrameOptions() submission.FrameOptions {
	return submission.FrameOptions{FramesInFlight: c.Frames.InFlight}
}

func (c *Config) TimelineOptions(logger *slog.Logger) submission.TimelineOptions {
	return submission.TimelineOptions{Timeout: c.Fence.Timeout, Logger: logger}
}
