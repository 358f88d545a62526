package chat

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pacer performs the synthetic waits of the typing effect. Wait returns early
// with ctx.Err() once ctx is done.
type Pacer interface {
	Wait(ctx context.Context, d time.Duration) error
}

type TimerPacer struct{}

func (TimerPacer) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Pace holds the delays used while streaming an answer.
type Pace struct {
	WordDelayMin   time.Duration
	WordDelayMax   time.Duration
	ParagraphPause time.Duration
	FollowUpDelay  time.Duration
}

func DefaultPace() Pace {
	return Pace{
		WordDelayMin:   20 * time.Millisecond,
		WordDelayMax:   60 * time.Millisecond,
		ParagraphPause: 400 * time.Millisecond,
		FollowUpDelay:  300 * time.Millisecond,
	}
}

func (p Pace) wordDelay() time.Duration {
	if p.WordDelayMax <= p.WordDelayMin {
		return p.WordDelayMin
	}
	return p.WordDelayMin + rand.N(p.WordDelayMax-p.WordDelayMin+1)
}
