package manager

import (
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// perSlotMemoryBytes is a conservative working-set estimate for one engine
// invocation (process, fragment buffers, postprocessing)
const perSlotMemoryBytes = 512 * 1024 * 1024

// safeWorkerCount clamps the configured pool width to what available memory
// supports. Never returns less than 1; the clamp only warns and shrinks, it
// never grows the pool past the configured width.
func safeWorkerCount(requested int, logger *zap.SugaredLogger) int {
	if requested < 1 {
		requested = 1
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warnw("Could not read system memory, keeping configured pool width",
			"width", requested, "error", err)
		return requested
	}

	safe := int(vm.Available / perSlotMemoryBytes)
	if safe < 1 {
		safe = 1
	}
	if safe < requested {
		logger.Warnw("Reducing worker pool width for available memory",
			"configured", requested,
			"effective", safe,
			"available_bytes", vm.Available)
		return safe
	}
	return requested
}
