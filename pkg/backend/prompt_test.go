package backend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/abdhe/llm-chat-dispatch/pkg/model"
)

func TestPromptBuilderBuild(t *testing.T) {
	b := NewPromptBuilder(3)
	history := []model.Turn{
		{Role: model.RoleUser, Text: "hello"},
		{Role: model.RoleLLM, Text: "hi"},
	}

	prompt, err := b.Build("how are you?", history)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(prompt, systemPrompt))
	require.Contains(t, prompt, "### Human: hello\n")
	require.Contains(t, prompt, "### Assistant: hi\n")
	require.True(t, strings.HasSuffix(prompt, "### Human: how are you?\n### Assistant:"))

	// History precedes the query in conversation order.
	require.Less(t, strings.Index(prompt, "### Human: hello"), strings.Index(prompt, "### Assistant: hi"))
	require.Less(t, strings.Index(prompt, "### Assistant: hi"), strings.Index(prompt, "### Human: how are you?"))
}

func TestPromptBuilderTruncation(t *testing.T) {
	b := NewPromptBuilder(2)
	history := []model.Turn{
		{Role: model.RoleUser, Text: "first"},
		{Role: model.RoleLLM, Text: "second"},
		{Role: model.RoleUser, Text: "third"},
	}

	prompt, err := b.Build("query", history)
	require.NoError(t, err)

	require.NotContains(t, prompt, "first")
	require.Contains(t, prompt, "### Assistant: second\n")
	require.Contains(t, prompt, "### Human: third\n")
}

func TestPromptBuilderZeroDepth(t *testing.T) {
	b := NewPromptBuilder(0)
	history := []model.Turn{{Role: model.RoleUser, Text: "hello"}}

	prompt, err := b.Build("query", history)
	require.NoError(t, err)

	require.NotContains(t, prompt, "hello")
	require.Equal(t, systemPrompt+"### Human: query\n### Assistant:", prompt)
}

func TestPromptBuilderUnknownRole(t *testing.T) {
	b := NewPromptBuilder(3)
	history := []model.Turn{{Role: "assistant", Text: "hi"}}

	_, err := b.Build("query", history)
	require.ErrorIs(t, err, model.ErrMalformedRequest)
}

func TestPromptBuilderNoHistory(t *testing.T) {
	b := NewPromptBuilder(3)

	prompt, err := b.Build("query", nil)
	require.NoError(t, err)
	require.Equal(t, systemPrompt+"### Human: query\n### Assistant:", prompt)
}
