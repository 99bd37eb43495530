package sys

import (
	"fmt"
	"runtime/debug"

	"github.com/petermattis/goid"

	"k3mmu/common/logger"
)

func GetGID() uint64 {
	return uint64(goid.Get())
}

// CatchPanic is deferred at the top of long running goroutines so a driver
// panic is logged with its stack instead of taking the process down.
func CatchPanic(name string) {
	if err := recover(); err != nil {
		logger.Errorf("panic in %s (gid %d): %v\n%s", name, GetGID(), err, string(debug.Stack()))
	}
}

// RecoverError converts a panic into an error, for call sites that must
// report the failure to their caller.
func RecoverError(errp *error) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("panic: %v", r)
	}
}

func DeepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	copyMap := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch nested := v.(type) {
		case map[string]interface{}:
			copyMap[k] = DeepCopyMap(nested)
		case []interface{}:
			list := make([]interface{}, len(nested))
			for i, item := range nested {
				if m, ok := item.(map[string]interface{}); ok {
					list[i] = DeepCopyMap(m)
				} else {
					list[i] = item
				}
			}
			copyMap[k] = list
		default:
			copyMap[k] = v
		}
	}
	return copyMap
}
