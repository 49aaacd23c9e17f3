package project

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// NewId returns a new id for a vlb, block, comment, or monitor.
// Ids from the same process are ordered by create time.
func NewId() string {
	return ulid.Make().String()
}

// uniqueName returns `name` if it is not taken, otherwise the first of `name2`, `name3`, ...
func uniqueName(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	for i := 2; ; i += 1 {
		candidate := fmt.Sprintf("%s%d", name, i)
		if !taken(candidate) {
			return candidate
		}
	}
}
