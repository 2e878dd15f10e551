package util

import "math/rand"

// GetRandomNumber returns a six-digit id for newly created documents.
func GetRandomNumber() int {
	min := 111111
	max := 999999
	return rand.Intn(max-min) + min
}
