package shard

import (
	"hash/fnv"
	"regexp"
	"strconv"
)

// TotalRangeMax is the upper bound of the sharding key space.
const TotalRangeMax = 500

var digitRun = regexp.MustCompile(`[0-9]+`)

// DeriveNumericID maps a free-form client identifier to its sharding key: the
// first run of digits in the identifier, or a stable hash folded into
// [1, TotalRangeMax] when the identifier carries no usable digits. The exact
// behavior is load-bearing for shard balance; change it only with a migration
// plan for existing assignments.
func DeriveNumericID(clientID string) int {
	if digits := digitRun.FindString(clientID); digits != "" {
		if n, err := strconv.Atoi(digits); err == nil && n > 0 {
			return n
		}
	}
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return int(h.Sum32()%TotalRangeMax) + 1
}
