// Package behavior synthesizes input sequences that resemble human
// motion: Bézier cursor paths, log-normal keystroke timing and eased
// scroll curves. Everything is a pure function of the seed, so replays
// and tests are deterministic.
package behavior

import (
	"math"
	"math/rand"
	"time"

	"github.com/sbilly/chaser/internal/kb"
)

// sampleInterval approximates a 60 Hz input device.
const sampleInterval = 16 * time.Millisecond

// Synthesizer draws humanized input sequences from one random stream.
// Not safe for concurrent use; each caller owns its own.
type Synthesizer struct {
	rng *rand.Rand
}

// New returns a Synthesizer with a fresh random seed.
func New() *Synthesizer {
	return NewSeeded(rand.Int63())
}

// NewSeeded returns a deterministic Synthesizer.
func NewSeeded(seed int64) *Synthesizer {
	return &Synthesizer{rng: rand.New(rand.NewSource(seed))}
}

// PathPoint is one cursor sample: position plus the offset from the start
// of the gesture.
type PathPoint struct {
	X, Y float64
	At   time.Duration
}

// CursorPath emits cursor samples along a cubic Bézier from (x0,y0) to
// (x1,y1) lasting roughly duration. The two control points are offset
// from the straight line by N(0, 0.15·‖end−start‖); each sample carries
// N(0, 0.5px) jitter. Pacing follows the curve's arc length, not the
// straight-line distance.
func (s *Synthesizer) CursorPath(x0, y0, x1, y1 float64, duration time.Duration) []PathPoint {
	if duration < sampleInterval {
		duration = sampleInterval
	}

	dist := math.Hypot(x1-x0, y1-y0)
	sigma := 0.15 * dist

	// Control points near the 1/3 and 2/3 marks of the straight line,
	// displaced randomly.
	cx1 := x0 + (x1-x0)/3 + s.rng.NormFloat64()*sigma
	cy1 := y0 + (y1-y0)/3 + s.rng.NormFloat64()*sigma
	cx2 := x0 + 2*(x1-x0)/3 + s.rng.NormFloat64()*sigma
	cy2 := y0 + 2*(y1-y0)/3 + s.rng.NormFloat64()*sigma

	bezier := func(t float64) (float64, float64) {
		u := 1 - t
		b0 := u * u * u
		b1 := 3 * u * u * t
		b2 := 3 * u * t * t
		b3 := t * t * t
		return b0*x0 + b1*cx1 + b2*cx2 + b3*x1,
			b0*y0 + b1*cy1 + b2*cy2 + b3*y1
	}

	// Arc-length table so samples are evenly spaced along the curve.
	const segments = 256
	lengths := make([]float64, segments+1)
	px, py := bezier(0)
	for i := 1; i <= segments; i++ {
		qx, qy := bezier(float64(i) / segments)
		lengths[i] = lengths[i-1] + math.Hypot(qx-px, qy-py)
		px, py = qx, qy
	}
	total := lengths[segments]

	// t for a given fraction of total arc length, by table walk.
	atLength := func(target float64) float64 {
		lo := 0
		for lo < segments && lengths[lo+1] < target {
			lo++
		}
		if lo >= segments {
			return 1
		}
		span := lengths[lo+1] - lengths[lo]
		frac := 0.0
		if span > 0 {
			frac = (target - lengths[lo]) / span
		}
		return (float64(lo) + frac) / segments
	}

	steps := int(duration / sampleInterval)
	if steps < 2 {
		steps = 2
	}
	points := make([]PathPoint, 0, steps+1)
	for i := 0; i <= steps; i++ {
		u := float64(i) / float64(steps)
		x, y := bezier(atLength(u * total))
		if i > 0 && i < steps {
			x += s.rng.NormFloat64() * 0.5
			y += s.rng.NormFloat64() * 0.5
		}
		points = append(points, PathPoint{X: x, Y: y, At: time.Duration(i) * sampleInterval})
	}
	// Land exactly on the target.
	points[len(points)-1].X = x1
	points[len(points)-1].Y = y1
	return points
}

// Keystroke is one scheduled key: the rune to type and the pause before
// it.
type Keystroke struct {
	Rune  rune
	Delay time.Duration
}

const (
	minKeyDelay = 20 * time.Millisecond
	maxKeyDelay = 400 * time.Millisecond

	// sigmaLog is the log-domain spread of inter-key delays.
	sigmaLog = 0.4

	// typoRate is the per-character probability of a corrected typo.
	typoRate = 0.02
)

// KeystrokeSchedule emits the keystrokes for text with per-character
// delays drawn log-normally with median mean, clamped to [20ms, 400ms].
// Occasionally a wrong neighbor character is typed, paused on, and
// backspaced before continuing.
func (s *Synthesizer) KeystrokeSchedule(text string, mean time.Duration) []Keystroke {
	if mean <= 0 {
		mean = 80 * time.Millisecond
	}

	var out []Keystroke
	for _, r := range text {
		if s.rng.Float64() < typoRate {
			out = append(out,
				Keystroke{Rune: s.wrongKey(r), Delay: s.keyDelay(mean)},
				Keystroke{Rune: kb.Backspace, Delay: s.pauseAfterTypo()},
			)
		}
		out = append(out, Keystroke{Rune: r, Delay: s.keyDelay(mean)})
	}
	return out
}

func (s *Synthesizer) keyDelay(mean time.Duration) time.Duration {
	d := time.Duration(float64(mean) * math.Exp(sigmaLog*s.rng.NormFloat64()))
	if d < minKeyDelay {
		d = minKeyDelay
	}
	if d > maxKeyDelay {
		d = maxKeyDelay
	}
	return d
}

func (s *Synthesizer) pauseAfterTypo() time.Duration {
	return 150*time.Millisecond + time.Duration(s.rng.Int63n(int64(100*time.Millisecond)))
}

// wrongKey picks a plausible mistyped character for r.
func (s *Synthesizer) wrongKey(r rune) rune {
	const row = "qwertyuiopasdfghjklzxcvbnm"
	if r >= 'a' && r <= 'z' {
		for i, c := range row {
			if c == r && i+1 < len(row) {
				return rune(row[i+1])
			}
		}
	}
	return rune(row[s.rng.Intn(len(row))])
}

// ScrollStep is one wheel tick: the vertical delta and the pause before
// it.
type ScrollStep struct {
	DeltaY float64
	Delay  time.Duration
}

// ScrollCurve splits a total scroll distance into eased wheel ticks over
// duration, accelerating in and out like a flick.
func (s *Synthesizer) ScrollCurve(totalY float64, duration time.Duration) []ScrollStep {
	steps := int(duration / sampleInterval)
	if steps < 2 {
		steps = 2
	}
	smooth := func(u float64) float64 { return u * u * (3 - 2*u) }

	out := make([]ScrollStep, 0, steps)
	prev := 0.0
	for i := 1; i <= steps; i++ {
		cur := smooth(float64(i)/float64(steps)) * totalY
		out = append(out, ScrollStep{DeltaY: cur - prev, Delay: sampleInterval})
		prev = cur
	}
	return out
}
