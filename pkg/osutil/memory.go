package osutil

import (
	"os"
	"strconv"
	"strings"

	"github.com/pbnjay/memory"
)

const (
	// This is the default value for cgroup v1's limit_in_bytes. This is not a
	// valid value and indicates that the memory is not restricted.
	// See https://unix.stackexchange.com/questions/420906/what-is-the-value-for-the-cgroups-limit-in-bytes-if-the-memory-is-not-restricted
	unrestrictedMemoryLimit = 9223372036854771712

	// cgroup v2 writes "max" when the memory is not restricted.
	unrestrictedMemoryMax = "max"
)

var cgroupMemoryLimitLocations = []string{
	"/sys/fs/cgroup/memory.max",                   // cgroup v2
	"/sys/fs/cgroup/memory/memory.limit_in_bytes", // cgroup v1
}

// GetTotalMemory returns the total available memory size. The call is
// container-aware.
func GetTotalMemory() uint64 {
	totalMemory := memory.TotalMemory()

	for _, location := range cgroupMemoryLimitLocations {
		raw, err := os.ReadFile(location)
		if err != nil {
			continue
		}

		if limit, ok := parseCgroupLimit(string(raw)); ok && (totalMemory == 0 || limit < totalMemory) {
			return limit
		}
		break
	}

	return totalMemory
}

func parseCgroupLimit(raw string) (uint64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == unrestrictedMemoryMax {
		return 0, false
	}

	limit, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || limit == 0 || limit >= unrestrictedMemoryLimit {
		return 0, false
	}

	return limit, true
}
