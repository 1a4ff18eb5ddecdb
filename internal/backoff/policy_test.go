package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixed(v float64) func() float64 {
	return func() float64 { return v }
}

func TestBaseDoublesUpToCeiling(t *testing.T) {
	p := Default()
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, p.Base(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 30*time.Second, p.Base(1000))
}

func TestDelayJitterBounds(t *testing.T) {
	p := Default()

	p.Rand = fixed(0)
	assert.Equal(t, 750*time.Millisecond, p.Delay(0))

	p.Rand = fixed(0.5)
	assert.Equal(t, time.Second, p.Delay(0))

	p.Rand = fixed(0.999999)
	assert.InDelta(t, float64(1250*time.Millisecond), float64(p.Delay(0)), float64(time.Millisecond))
}

func TestDelayRandomWithinRange(t *testing.T) {
	p := Default()
	for i := 0; i < 1000; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestDelayClampedToCeiling(t *testing.T) {
	p := Default()
	p.Rand = fixed(0.999)
	for attempt := 4; attempt < 10; attempt++ {
		assert.LessOrEqual(t, p.Delay(attempt), 30*time.Second)
	}
	p.Rand = fixed(0)
	assert.Equal(t, 22500*time.Millisecond, p.Delay(5))
}

func TestExhausted(t *testing.T) {
	p := Default()
	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
}
