package utils

// Ptr returns a pointer to v. Useful for optional fields in wire payloads.
func Ptr[T any](v T) *T {
	return &v
}
