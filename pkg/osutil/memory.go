package osutil

import (
	"os"
	"strconv"
	"strings"

	"github.com/pbnjay/memory"
)

// cgroupMemoryLimitFiles are checked in order, cgroup v2 first
var cgroupMemoryLimitFiles = []string{
	"/sys/fs/cgroup/memory.max",
	"/sys/fs/cgroup/memory/memory.limit_in_bytes",
}

// GetTotalMemory returns the memory available to the process, honouring a
// container's cgroup limit when one is set
func GetTotalMemory() uint64 {
	total := memory.TotalMemory()
	for _, path := range cgroupMemoryLimitFiles {
		if limit, ok := readMemoryLimit(path); ok {
			return minMemory(total, limit)
		}
	}
	return total
}

// readMemoryLimit parses a cgroup limit file. Unrestricted cgroups report
// "max" on v2 and a page aligned max int64 on v1, neither of which is below
// physical memory, so both fall through minMemory.
func readMemoryLimit(path string) (uint64, bool) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	raw := strings.TrimSpace(string(contents))
	if raw == "max" {
		return 0, false
	}

	limit, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || limit == 0 {
		return 0, false
	}
	return limit, true
}

func minMemory(total, limit uint64) uint64 {
	if total == 0 || limit < total {
		return limit
	}
	return total
}
