package util

// Ref returns a pointer to a copy of v
func Ref[T any](v T) *T {
	return &v
}

// RefIf returns Ref(v) when set is true and nil otherwise. Optional fields of
// reschedule requests stay nil unless the caller supplied them.
func RefIf[T any](set bool, v T) *T {
	if !set {
		return nil
	}
	return &v
}
