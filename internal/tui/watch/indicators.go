package watch

import (
	"strings"
	"time"
)

// Ticker alternates frames once per second while the UI loop is alive.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Activity lights up on each event and fades over ten seconds.
type Activity struct {
	dots      int
	lastEvent time.Time
}

const activityDots = 5

func (a *Activity) OnEvent(now time.Time) {
	a.dots = activityDots
	a.lastEvent = now
}

// Decay drops one dot for every two seconds of silence.
func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	left := activityDots - int(now.Sub(a.lastEvent)/(2*time.Second))
	a.dots = max(0, min(a.dots, left))
}

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range activityDots {
		if i < a.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (a Activity) LastEvent() time.Time {
	return a.lastEvent
}

// poolBar renders running slots as filled cells out of size.
func poolBar(running, size int, theme Theme) string {
	const width = 10
	if size <= 0 {
		return theme.PoolIdle.Render(strings.Repeat("░", width))
	}
	filled := min(width, (running*width+size-1)/size)
	return theme.PoolBusy.Render(strings.Repeat("█", filled)) +
		theme.PoolIdle.Render(strings.Repeat("░", width-filled))
}
