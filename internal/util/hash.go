// Package util provides shared utility functions.
package util

import (
	"fmt"
	"hash/fnv"
)

// ConnTag computes a short, stable tag for a relay address so log lines for
// the same connection can be grepped together. Not reversible.
func ConnTag(address string) string {
	h := fnv.New32a()
	h.Write([]byte(address))
	return fmt.Sprintf("%08x", h.Sum32())
}
