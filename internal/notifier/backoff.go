package notifier

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before retry attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt up to Max. With Jitter set the
// delay is drawn from [Delay/2, Delay].
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	if e.Jitter {
		base = base/2 + rand.Float64()*base/2
	}
	return time.Duration(base)
}
