// Package config parses Aurora's boot configuration: CPU count, total
// physical memory, the initrd path, and the log level. Boot configuration
// is a short flat record, so unlike the heavier servers in the reference
// pack this stays on environment variables rather than a structured file
// format; there are no command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

var (
	ErrInvalidCPUCount    = errors.New("invalid CPU count")
	ErrInvalidMemoryPages = errors.New("invalid memory page count")
	ErrMissingInitrd      = errors.New("initrd path not set")
)

const (
	envCPUCount    = "AURORA_CPU_COUNT"
	envMemoryPages = "AURORA_MEMORY_PAGES"
	envInitrdPath  = "AURORA_INITRD_PATH"
	envLogLevel    = "AURORA_LOG_LEVEL"

	defaultCPUCount    = 4
	defaultMemoryPages = 1 << 18 // 1 GiB worth of 4KiB pages
	defaultLogLevel    = "info"
)

// Boot holds everything the boot sequence (internal/kernel) needs before
// it can build PROCESS_MAP and start scheduling.
type Boot struct {
	CPUCount    int
	MemoryPages uint64
	InitrdPath  string
	LogLevel    string
}

// Load reads Boot from the process environment, applying defaults for
// anything unset. It reads no command line flags, and cmd/aurora uses the
// returned Boot as is.
func Load() (Boot, error) {
	b := Boot{
		CPUCount:    defaultCPUCount,
		MemoryPages: defaultMemoryPages,
		LogLevel:    defaultLogLevel,
	}

	if v, ok := os.LookupEnv(envCPUCount); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Boot{}, fmt.Errorf("%w: %q", ErrInvalidCPUCount, v)
		}
		b.CPUCount = n
	}

	if v, ok := os.LookupEnv(envMemoryPages); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			return Boot{}, fmt.Errorf("%w: %q", ErrInvalidMemoryPages, v)
		}
		b.MemoryPages = n
	}

	if v, ok := os.LookupEnv(envInitrdPath); ok {
		b.InitrdPath = v
	}

	if v, ok := os.LookupEnv(envLogLevel); ok {
		b.LogLevel = v
	}

	return b, nil
}
