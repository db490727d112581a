package tier

import (
	"strings"
	"unicode/utf8"

	"aegis/pkg/types"
)

// Params are sampling parameters for one generation. Zero values take the
// tier's defaults.
type Params struct {
	MaxTokens     int
	Temperature   float32
	TopP          float32
	TopK          int
	RepeatPenalty float32
	Seed          int
	Stop          []string
}

// DefaultParams mirror the conversational defaults of the Fast model.
var DefaultParams = Params{
	MaxTokens:   1024,
	Temperature: 0.7,
	TopP:        0.9,
	TopK:        40,
}

// WithDefaults fills zero fields from def.
func (p Params) WithDefaults(def Params) Params {
	if p.MaxTokens <= 0 {
		p.MaxTokens = def.MaxTokens
	}
	if p.Temperature <= 0 {
		p.Temperature = def.Temperature
	}
	if p.TopP <= 0 {
		p.TopP = def.TopP
	}
	if p.TopK <= 0 {
		p.TopK = def.TopK
	}
	if p.RepeatPenalty <= 0 {
		p.RepeatPenalty = def.RepeatPenalty
	}
	if p.Seed == 0 {
		p.Seed = def.Seed
	}
	if len(p.Stop) == 0 {
		p.Stop = def.Stop
	}
	return p
}

// EstimateTokens approximates the token count of text (about four characters per token).
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// PromptTokens estimates the tokens of the assembled prompt for prompt and history.
func PromptTokens(prompt string, history []types.Message) int {
	return EstimateTokens(BuildPrompt(prompt, history))
}

// DefaultSystemPrompt opens every prompt whose history carries no system turn.
const DefaultSystemPrompt = "You are A.E.G.I.S, a private, secure, local AI assistant. You are concise, helpful, and technical."

// BuildPrompt renders conversation history and the new user turn into a
// single prompt ending with the assistant cue.
func BuildPrompt(prompt string, history []types.Message) string {
	var b strings.Builder
	if !hasSystem(history) {
		b.WriteString("system: " + DefaultSystemPrompt + "\n")
	}
	for _, m := range history {
		role := m.Role
		if role == "" {
			role = "user"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteString("user: ")
	b.WriteString(prompt)
	b.WriteString("\nassistant:")
	return b.String()
}

func hasSystem(history []types.Message) bool {
	for _, m := range history {
		if m.Role == "system" {
			return true
		}
	}
	return false
}
