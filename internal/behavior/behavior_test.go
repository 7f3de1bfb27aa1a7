package behavior

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbilly/chaser/internal/kb"
)

func TestCursorPathEndpoints(t *testing.T) {
	s := NewSeeded(42)
	points := s.CursorPath(10, 20, 300, 200, 500*time.Millisecond)

	require.GreaterOrEqual(t, len(points), 2)
	first, last := points[0], points[len(points)-1]
	assert.InDelta(t, 10, first.X, 0.01)
	assert.InDelta(t, 20, first.Y, 0.01)
	assert.Equal(t, 300.0, last.X)
	assert.Equal(t, 200.0, last.Y)
	assert.Equal(t, time.Duration(0), first.At)
}

func TestCursorPathSampling(t *testing.T) {
	s := NewSeeded(1)
	points := s.CursorPath(0, 0, 100, 0, 320*time.Millisecond)

	// ~16ms cadence, monotone timestamps.
	for i := 1; i < len(points); i++ {
		assert.Equal(t, 16*time.Millisecond, points[i].At-points[i-1].At)
	}

	// The path wanders but stays in the same order of magnitude as the
	// straight line.
	var length float64
	for i := 1; i < len(points); i++ {
		length += math.Hypot(points[i].X-points[i-1].X, points[i].Y-points[i-1].Y)
	}
	assert.Greater(t, length, 99.0)
	assert.Less(t, length, 500.0)
}

func TestCursorPathDeterministicPerSeed(t *testing.T) {
	a := NewSeeded(7).CursorPath(0, 0, 200, 120, 400*time.Millisecond)
	b := NewSeeded(7).CursorPath(0, 0, 200, 120, 400*time.Millisecond)
	c := NewSeeded(8).CursorPath(0, 0, 200, 120, 400*time.Millisecond)

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestKeystrokeScheduleDelaysClamped(t *testing.T) {
	s := NewSeeded(3)
	schedule := s.KeystrokeSchedule("the quick brown fox jumps over the lazy dog", 80*time.Millisecond)

	require.NotEmpty(t, schedule)
	for _, k := range schedule {
		if k.Rune == kb.Backspace {
			assert.GreaterOrEqual(t, k.Delay, 150*time.Millisecond)
			assert.LessOrEqual(t, k.Delay, 250*time.Millisecond)
			continue
		}
		assert.GreaterOrEqual(t, k.Delay, 20*time.Millisecond)
		assert.LessOrEqual(t, k.Delay, 400*time.Millisecond)
	}
}

func TestKeystrokeScheduleTypesWholeText(t *testing.T) {
	s := NewSeeded(11)
	text := "hello world"
	schedule := s.KeystrokeSchedule(text, 80*time.Millisecond)

	// Replay the schedule into a buffer honoring backspaces; the result
	// must be the original text.
	var buf []rune
	for _, k := range schedule {
		if k.Rune == kb.Backspace {
			require.NotEmpty(t, buf)
			buf = buf[:len(buf)-1]
			continue
		}
		buf = append(buf, k.Rune)
	}
	require.Equal(t, text, string(buf))
}

func TestScrollCurveSumsToTotal(t *testing.T) {
	s := NewSeeded(5)
	steps := s.ScrollCurve(600, 300*time.Millisecond)

	require.NotEmpty(t, steps)
	var sum float64
	for _, st := range steps {
		sum += st.DeltaY
	}
	assert.InDelta(t, 600, sum, 0.001)

	// Eased: first and last deltas smaller than the middle one.
	mid := steps[len(steps)/2].DeltaY
	assert.Less(t, steps[0].DeltaY, mid)
	assert.Less(t, steps[len(steps)-1].DeltaY, mid)
}
