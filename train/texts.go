package train

import (
	"fmt"
	"time"

	"github.com/onnwee/chat-rally/session"
)

func startText(reward string) string {
	return fmt.Sprintf("🚂 A message train is leaving the station! Reward on the line: %s. Keep chatting to keep it alive!", reward)
}

// statusText is the live status line, edited in place on every tick.
func statusText(reward string, st session.Status, budget time.Duration) string {
	if st.Elapsed > budget {
		return "The message train has ended."
	}
	return fmt.Sprintf("🎁 %s | %s | ⌛ %ds to send a message and keep the train alive",
		reward, session.Bar(st.Remaining, budget), int(st.Remaining.Seconds()))
}

func halfwayText(reward string) string {
	return fmt.Sprintf("⚠️ You are at risk of losing %s! Send a message to keep the train alive.", reward)
}

func timeUpText() string {
	return "⏰ Time is up!"
}

func noRiderText(reward string) string {
	return fmt.Sprintf("The train leaves the station empty. Nobody claimed %s.", reward)
}

func winnerText(name, reward string, riders, events int) string {
	return fmt.Sprintf("🎉 The train has arrived! %s wins %s. %d riders kept it rolling with %d messages.",
		name, reward, riders, events)
}

func cancelText(reward string) string {
	return fmt.Sprintf("The message train was cancelled. %s stays in the vault.", reward)
}
