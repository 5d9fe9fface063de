package repositories

import (
	"bytes"
	"encoding/json"
)

func jsonbValueMap(v map[string]any) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

// jsonEqual compares two values through their canonical JSON encoding.
// Used to detect whether a sighting actually changed a metadata namespace.
func jsonEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
