// Package util holds small shared helpers.
package util

// Ptr returns a pointer to the given value. Useful for populating
// optional struct fields inline.
func Ptr[T any](v T) *T {
	return &v
}
