//go:build !linux && !darwin

package udss

// RaiseFDLimit is a no-op where the open file limit is not managed.
func RaiseFDLimit(uint64) (uint64, error) { return 0, nil }
