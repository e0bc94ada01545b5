package watch

import (
	"strings"
	"time"
)

// Ticker alternates frames on every refresh tick. A frozen ticker means
// the view stopped updating.
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

// Activity lights five dots on each lifecycle event and fades them out
// over ten seconds.
type Activity struct {
	dots      int
	lastEvent time.Time
}

func (a *Activity) OnEvent(at time.Time) {
	a.dots = 5
	a.lastEvent = at
}

// Decay dims the indicator according to the time elapsed at now.
func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	elapsed := now.Sub(a.lastEvent)
	a.dots = 5 - int(elapsed/(2*time.Second))
	if a.dots < 0 {
		a.dots = 0
	}
}

func (a Activity) Dots() int { return a.dots }

func (a Activity) LastEvent() time.Time { return a.lastEvent }

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < a.dots {
			b.WriteString(theme.Lit.Render("●"))
		} else {
			b.WriteString(theme.Unlit.Render("○"))
		}
	}
	return b.String()
}
