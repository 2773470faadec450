package registry

import (
	"strconv"
	"strings"
)

// parseVersion splits a dotted version into three numeric components.
// Missing or non-numeric components count as 0, so "1.2" is (1,2,0) and
// "" is (0,0,0).
func parseVersion(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(strings.TrimSpace(v), ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			continue
		}
		out[i] = n
	}
	return out
}

// compareVersions orders two dotted versions component by component.
// Returns -1 when a < b, 0 when equal, 1 when a > b. The first unequal
// component decides.
func compareVersions(a, b string) int {
	av, bv := parseVersion(a), parseVersion(b)
	for i := 0; i < 3; i++ {
		if av[i] < bv[i] {
			return -1
		}
		if av[i] > bv[i] {
			return 1
		}
	}
	return 0
}

// needsUpdate reports whether an agent at current should update to expected.
// An empty expected version disables update checks entirely.
func needsUpdate(current, expected string) bool {
	if expected == "" {
		return false
	}
	return compareVersions(current, expected) < 0
}
