// Package stealth computes the humanlike delays used when scheduling
// outbound actions. Nothing here sleeps; callers persist the resulting
// times.
package stealth

import (
	"math"
	"math/rand"
	"time"
)

// RandomBetween returns a uniformly distributed duration in [min, max].
func RandomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

// Jitter returns a random delay in [0, max].
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return RandomBetween(0, max)
}

// Gaussian returns a delay following a normal distribution around mean.
// Most delays cluster around the mean, which reads more like a person
// than a uniform spread does.
func Gaussian(mean, stdDev time.Duration) time.Duration {
	// Box-Muller transform
	u1 := 1 - rand.Float64()
	u2 := rand.Float64()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	d := time.Duration(float64(mean) + z*float64(stdDev))

	// Clamp to mean ± 3*stdDev
	if lo := mean - 3*stdDev; d < lo {
		d = lo
	} else if hi := mean + 3*stdDev; d > hi {
		d = hi
	}
	if d < 0 {
		return 0
	}
	return d
}

// Backoff is an exponential delay for the given attempt (1-based), capped
// at max, with up to 20% gaussian spread.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return Gaussian(d, d/10)
}

// Window is a daily active period in HH:MM local time. The zero Window
// is always active.
type Window struct {
	Start string
	End   string
}

func (w Window) bounds(t time.Time) (time.Time, time.Time, bool) {
	if w.Start == "" || w.End == "" {
		return time.Time{}, time.Time{}, false
	}
	s, err1 := time.Parse("15:04", w.Start)
	e, err2 := time.Parse("15:04", w.End)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	startToday := time.Date(t.Year(), t.Month(), t.Day(), s.Hour(), s.Minute(), 0, 0, t.Location())
	endToday := time.Date(t.Year(), t.Month(), t.Day(), e.Hour(), e.Minute(), 0, 0, t.Location())
	return startToday, endToday, true
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	s, e, ok := w.bounds(t)
	if !ok {
		return true
	}
	return !t.Before(s) && t.Before(e)
}

// Next returns t when it is inside the window, otherwise the next window
// start.
func (w Window) Next(t time.Time) time.Time {
	s, e, ok := w.bounds(t)
	if !ok || (!t.Before(s) && t.Before(e)) {
		return t
	}
	if t.Before(s) {
		return s
	}
	return s.AddDate(0, 0, 1)
}
