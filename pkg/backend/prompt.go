package backend

import (
	"fmt"
	"strings"

	"github.com/abdhe/llm-chat-dispatch/pkg/model"
)

// systemPrompt is the FastChat conversation preamble, including the
// one-shot example the model was tuned with.
const systemPrompt = "A chat between a curious human and an artificial intelligence assistant. " +
	"The assistant gives helpful, detailed, and polite answers to the human's questions.\n" +
	"### Human: What are the key differences between renewable and non-renewable energy sources?\n" +
	"### Assistant: Renewable energy sources are those that can be " +
	"replenished naturally in a relatively short amount of time, such as solar, wind, hydro, " +
	"geothermal, and biomass. Non-renewable energy sources, on the other hand, " +
	"are finite and will eventually be depleted, such as coal, oil, and natural gas.\n"

// PromptBuilder assembles a single completion prompt from the system
// preamble, a truncated slice of the conversation, and the new query.
type PromptBuilder struct {
	contextDepth int
}

// NewPromptBuilder creates a builder retaining the last contextDepth turns
// of history. Depth 0 drops history entirely.
func NewPromptBuilder(contextDepth int) *PromptBuilder {
	if contextDepth < 0 {
		contextDepth = 0
	}
	return &PromptBuilder{contextDepth: contextDepth}
}

// Build assembles the prompt. The caller's history slice is never mutated.
// An unknown role in history is a malformed request.
func (b *PromptBuilder) Build(query string, history []model.Turn) (string, error) {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	for _, turn := range model.LastTurns(history, b.contextDepth) {
		role, err := convertRole(turn.Role)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "### %s: %s\n", role, turn.Text)
	}
	fmt.Fprintf(&sb, "### Human: %s\n### Assistant:", query)
	return sb.String(), nil
}

// convertRole maps a wire role to the FastChat conversation domain.
func convertRole(role string) (string, error) {
	switch role {
	case model.RoleUser:
		return "Human", nil
	case model.RoleLLM:
		return "Assistant", nil
	default:
		return "", fmt.Errorf("%w: role %q is undefined, supported are (%q, %q)",
			model.ErrMalformedRequest, role, model.RoleUser, model.RoleLLM)
	}
}
