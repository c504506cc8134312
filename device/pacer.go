package device

import (
	"context"
	"time"
)

// pacer tracks where the hardware playhead will be once everything written
// so far has sounded. Frame deadlines accumulate from the previous deadline,
// not from time.Now, so consecutive frames do not drift.
type pacer struct {
	playhead time.Time
	now      func() time.Time
}

func newPacer() *pacer {
	return &pacer{now: time.Now}
}

// wait blocks until a frame of duration d, queued right after the previous
// one, has finished playing.
func (p *pacer) wait(ctx context.Context, d time.Duration) error {
	now := p.now()
	if p.playhead.Before(now) {
		p.playhead = now
	}
	p.playhead = p.playhead.Add(d)

	timer := time.NewTimer(p.playhead.Sub(now))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		p.reset()
		return ctx.Err()
	}
}

// reset forgets queued output after a hard cut
func (p *pacer) reset() {
	p.playhead = time.Time{}
}

func frameDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
