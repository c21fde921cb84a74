package harness

import "fmt"

// DepthExceededError is returned by Spawn when a nested spawn-thread call
// would exceed the configured recursion ceiling (spec.md §4.9 "Depth
// limit 5").
type DepthExceededError struct {
	Depth int
	Max   int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("harness: spawn depth %d would exceed the limit of %d", e.Depth, e.Max)
}
