package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomHigh48FitsInMask(t *testing.T) {
	for i := 0; i < 100; i++ {
		v := randomHigh48()
		assert.Equal(t, v, v&0xFFFFFFFFFFFF, "randomHigh48 must fit in 48 bits")
	}
}

func TestRandomHigh48Varies(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 20; i++ {
		seen[randomHigh48()] = true
	}
	assert.Greater(t, len(seen), 1, "randomHigh48 should not be constant")
}
