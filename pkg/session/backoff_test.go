package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: time.Second}

	prevCeiling := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		// Jittered value stays within (0, cap].
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
		if d > prevCeiling {
			prevCeiling = d
		}
	}
	// After enough doublings the delay saturates at the cap's range.
	d := b.Next()
	assert.Greater(t, d, 500*time.Millisecond-1)
	assert.LessOrEqual(t, d, time.Second)
}

func TestBackoff_Reset(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: 10 * time.Second}
	for i := 0; i < 5; i++ {
		b.Next()
	}
	b.Reset()
	d := b.Next()
	// First delay after reset is drawn from the base interval again.
	assert.LessOrEqual(t, d, 100*time.Millisecond)
}
