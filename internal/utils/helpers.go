package utils

// SliceToSet converts a slice of any comparable type to a set for membership checks.
func SliceToSet[T comparable](items []T) map[T]struct{} {
	set := make(map[T]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
