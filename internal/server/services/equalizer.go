package services

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Equalizer gives every request the same latency distribution whatever
// work it did: a floor plus half-normal jitter, drawn before the work
// starts so the draw does not depend on it.
type Equalizer struct {
	floor  time.Duration
	jitter time.Duration

	normal func() float64
	now    func() time.Time
}

func NewEqualizer(floor, jitter time.Duration) *Equalizer {
	return &Equalizer{
		floor:  floor,
		jitter: jitter,
		normal: rand.NormFloat64,
		now:    time.Now,
	}
}

// Target draws one latency.
func (e *Equalizer) Target() time.Duration {
	return e.floor + time.Duration(math.Abs(e.normal())*float64(e.jitter))
}

// Do runs fn and returns no earlier than the drawn target. Work that
// outlasts the target returns as soon as it finishes.
func (e *Equalizer) Do(ctx context.Context, fn func(ctx context.Context)) {
	target := e.Target()
	started := e.now()

	fn(ctx)

	remaining := target - e.now().Sub(started)
	if remaining <= 0 {
		return
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
