package usecase

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"sage/internal/domain"
)

const screenContextTemplate = `Current screen context:
%s

Based on what you can see on the user's screen, provide helpful and relevant assistance.`

// PromptConfig bounds prompt assembly.
type PromptConfig struct {
	SystemPrompt string
	// HistoryTurns is the number of most recent turns considered.
	HistoryTurns int
	// MaxContextChars caps the screen text before any payload budgeting.
	MaxContextChars int
	// MaxPayloadChars caps the summed message content. The newest turn is
	// always kept whole.
	MaxPayloadChars int
}

// BuildPrompt assembles the payload for one request from the latest screen
// context (nil when none) and the conversation history in ascending order.
// It performs no I/O and is deterministic.
//
// Over budget, whole turns are dropped oldest first; the screen block is then
// shortened at a sentence or word boundary, and removed when nothing fits.
func BuildPrompt(cfg PromptConfig, latest *domain.ScreenContext, history []domain.Turn) domain.PromptPayload {
	var payload domain.PromptPayload

	turns := make([]domain.Turn, 0, len(history))
	for _, turn := range history {
		if turn.Role == domain.RoleUser || turn.Role == domain.RoleAssistant {
			turns = append(turns, turn)
		}
	}
	if cfg.HistoryTurns > 0 && len(turns) > cfg.HistoryTurns {
		payload.DroppedTurns = len(turns) - cfg.HistoryTurns
		turns = turns[len(turns)-cfg.HistoryTurns:]
	}

	screen := ""
	if latest != nil && latest.Text != "" {
		screen = latest.Text
		if cfg.MaxContextChars > 0 && len(screen) > cfg.MaxContextChars {
			screen = cutAtBoundary(screen, cfg.MaxContextChars)
			payload.Truncated = true
		}
	}

	if cfg.MaxPayloadChars > 0 {
		historySize := 0
		for _, turn := range turns {
			historySize += len(turn.Text)
		}
		for len(turns) > 1 && systemSize(cfg.SystemPrompt, screen)+historySize > cfg.MaxPayloadChars {
			historySize -= len(turns[0].Text)
			turns = turns[1:]
			payload.DroppedTurns++
		}

		if screen != "" && systemSize(cfg.SystemPrompt, screen)+historySize > cfg.MaxPayloadChars {
			overhead := systemSize(cfg.SystemPrompt, screen) - len(screen)
			budget := cfg.MaxPayloadChars - historySize - overhead
			if budget > 0 {
				screen = cutAtBoundary(screen, budget)
			} else {
				screen = ""
			}
			payload.Truncated = true
		}
	}

	system := cfg.SystemPrompt
	if screen != "" {
		system = joinSystem(system, fmt.Sprintf(screenContextTemplate, screen))
		payload.ContextID = latest.ID
	}

	payload.Messages = make([]domain.PromptMessage, 0, len(turns)+1)
	if system != "" {
		payload.Messages = append(payload.Messages, domain.PromptMessage{Role: domain.RoleSystem, Content: system})
	}
	for _, turn := range turns {
		payload.Messages = append(payload.Messages, domain.PromptMessage{Role: turn.Role, Content: turn.Text})
	}
	return payload
}

func systemSize(persona, screen string) int {
	if screen == "" {
		return len(persona)
	}
	return len(joinSystem(persona, fmt.Sprintf(screenContextTemplate, screen)))
}

func joinSystem(persona, block string) string {
	if persona == "" {
		return block
	}
	return persona + "\n\n" + block
}

// cutAtBoundary shortens text to at most limit bytes, preferring the last
// sentence end, then the last space, in the second half of the window.
func cutAtBoundary(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	if limit <= 0 {
		return ""
	}

	end := limit
	for end > 0 && !utf8.RuneStart(text[end]) {
		end--
	}
	window := text[:end]
	floor := limit / 2

	for i := len(window) - 1; i >= floor && i > 0; i-- {
		switch window[i] {
		case '.', '!', '?':
			if i+1 == len(window) || window[i+1] == ' ' || window[i+1] == '\n' {
				return window[:i+1]
			}
		}
	}
	if idx := strings.LastIndexAny(window, " \n"); idx >= floor && idx > 0 {
		return strings.TrimRight(window[:idx], " \n")
	}
	return window
}
