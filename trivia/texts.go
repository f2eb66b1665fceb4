package trivia

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/onnwee/chat-rally/session"
)

func openingText(set string, n int) string {
	return fmt.Sprintf("🎲 Trivia time! %d questions from %q. First correct answer wins each round.", n, set)
}

func questionText(i, n int, prompt string) string {
	return fmt.Sprintf("Question %d/%d: %s", i+1, n, prompt)
}

func correctText(name, reward string) string {
	if reward != "" {
		return fmt.Sprintf("Correct, %s! You win: %s", name, reward)
	}
	return fmt.Sprintf("Correct, %s!", name)
}

func nextQuestionText(d time.Duration) string {
	return fmt.Sprintf("Next question in %s. Chat is locked until then.", d)
}

func completionText(scores []session.Participant) string {
	if len(scores) == 0 {
		return "🏁 That's the end of trivia! Nobody scored this time."
	}
	ranked := make([]session.Participant, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Count > ranked[j].Count })

	parts := make([]string, len(ranked))
	for i, p := range ranked {
		name := p.DisplayName
		if name == "" {
			name = p.ID
		}
		parts[i] = fmt.Sprintf("%s %d", name, p.Count)
	}
	return "🏁 That's the end of trivia! Final scores: " + strings.Join(parts, ", ")
}

func cancelText() string {
	return "Trivia was cancelled. Thanks for playing!"
}
