package utils

import (
	"math/rand"
)

// SampleRandomIntRange samples a random integer within a range given by [min, max]
// using the given rand.Rand.
func SampleRandomIntRange(min, max int, r *rand.Rand) int {
	return r.Intn(max-min+1) + min
}

// SampleNDistinct samples n distinct integers in [0, max) using the given
// rand.Rand. It panics if n > max.
func SampleNDistinct(n, max int, r *rand.Rand) []int {
	if n > max {
		panic("cannot sample more distinct integers than the range holds")
	}
	seen := make(map[int]bool, n)
	out := make([]int, 0, n)
	for len(out) < n {
		k := r.Intn(max)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Square returns the square of the given number.
func Square(n float64) float64 {
	return n * n
}

// MaxUint32 returns the larger of a and b.
func MaxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// MinUint32 returns the smaller of a and b.
func MinUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
