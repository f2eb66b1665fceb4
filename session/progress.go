package session

import (
	"strings"
	"time"
)

// Bar renders the countdown as one square per 10 seconds of budget (minimum
// one). A segment goes dark once its 10-second slot has fully elapsed; the
// remaining segments take the band color.
func Bar(remaining, budget time.Duration) string {
	segments := int(budget / (10 * time.Second))
	if segments < 1 {
		segments = 1
	}

	elapsed := int((budget - remaining) / time.Second)

	color := "🟩"
	switch BandFor(remaining, budget) {
	case BandMid:
		color = "🟨"
	case BandLow:
		color = "🟥"
	}

	var b strings.Builder
	for i := 0; i < segments; i++ {
		if (i+1)*10 < elapsed {
			b.WriteString("⬛")
		} else {
			b.WriteString(color)
		}
	}
	return b.String()
}
