// Package backoff computes reconnect delays.
//
// A Policy is a pure function of the attempt number. It owns no counters;
// the caller decides how many attempts to make and when to reset.
package backoff

import (
	"math"
	"time"

	"github.com/resws/resws/internal/rand"
	"github.com/resws/resws/pkg/constants"
)

// Policy defines the interface for reconnect delay strategies.
type Policy interface {
	// Delay returns the wait before reconnect attempt number attempt.
	// attempt is 1-based.
	Delay(attempt int) time.Duration
}

// Exponential implements capped exponential backoff with multiplicative jitter:
//
//	delay(n) = min(Base^n * Unit, Cap) * j,  j uniform in [JitterMin, JitterMax)
//
// A zero Base or Unit yields a zero delay; start from NewExponential.
type Exponential struct {
	// Base is the exponent base. 1.0 yields a constant delay shaped only by jitter.
	Base float64

	// Unit converts Base^n into a duration.
	Unit time.Duration

	// Cap is the maximum delay before jitter is applied.
	Cap time.Duration

	// JitterMin and JitterMax bound the jitter factor.
	// Equal bounds fix the factor; leaving both zero disables jitter.
	JitterMin float64
	JitterMax float64

	// Float64 returns a number in [0, 1). It defaults to the module's shared
	// source and must be safe for concurrent use if the policy is shared.
	Float64 func() float64
}

var _ Policy = (*Exponential)(nil)

// NewExponential creates an exponential policy with the package defaults:
// base 2, unit 1s, cap 3s, jitter [0.5, 1.5).
func NewExponential() *Exponential {
	return &Exponential{
		Base:      constants.DefaultBackoffBase,
		Unit:      constants.DefaultBackoffUnit,
		Cap:       constants.DefaultBackoffCap,
		JitterMin: constants.DefaultJitterMin,
		JitterMax: constants.DefaultJitterMax,
	}
}

// Bounds returns the delay before jitter for attempt.
func (e *Exponential) Bounds(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := math.Pow(e.Base, float64(attempt)) * float64(e.Unit)
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(e.Cap) {
		delay = float64(e.Cap)
	}

	return time.Duration(delay)
}

// Delay implements Policy.
func (e *Exponential) Delay(attempt int) time.Duration {
	delay := float64(e.Bounds(attempt))

	if e.JitterMax > e.JitterMin {
		random := e.Float64
		if random == nil {
			random = rand.Float64
		}
		delay *= e.JitterMin + (e.JitterMax-e.JitterMin)*random()
	} else if e.JitterMin > 0 {
		delay *= e.JitterMin
	}

	return time.Duration(delay)
}

// Fixed implements a constant delay.
type Fixed time.Duration

var _ Policy = Fixed(0)

// Delay implements Policy.
func (f Fixed) Delay(int) time.Duration {
	return time.Duration(f)
}
