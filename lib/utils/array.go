package utils

import "sort"

func Contains[T comparable](arr []T, item T) bool {
	for _, i := range arr {
		if i == item {
			return true
		}
	}

	return false
}

func Remove[T comparable](arr []T, item T) []T {
	result := []T{}

	for _, i := range arr {
		if i != item {
			result = append(result, i)
		}
	}

	return result
}

// Difference returns the items of arr that are not in exclude, keeping order.
func Difference[T comparable](arr []T, exclude []T) []T {
	skip := make(map[T]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}

	result := []T{}
	for _, i := range arr {
		if _, found := skip[i]; !found {
			result = append(result, i)
		}
	}

	return result
}

// Intersect returns the items of arr that also appear in other, keeping arr's order.
func Intersect[T comparable](arr []T, other []T) []T {
	keep := make(map[T]struct{}, len(other))
	for _, o := range other {
		keep[o] = struct{}{}
	}

	result := []T{}
	for _, i := range arr {
		if _, found := keep[i]; found {
			result = append(result, i)
		}
	}

	return result
}

// SortedUnion merges all given sets into one sorted slice without duplicates.
func SortedUnion(sets ...[]string) []string {
	seen := make(map[string]struct{})
	result := []string{}

	for _, set := range sets {
		for _, s := range set {
			if _, found := seen[s]; found {
				continue
			}

			seen[s] = struct{}{}
			result = append(result, s)
		}
	}

	sort.Strings(result)
	return result
}
