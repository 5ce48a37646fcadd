// Package model defines the request and response payload shapes carried
// over the message bus, and their validation rules.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Conversation roles accepted on the wire.
const (
	RoleUser = "user"
	RoleLLM  = "llm"
)

// ErrMalformedRequest marks payloads that violate the wire contract.
// Requests failing with it are answered with an error response and dropped.
var ErrMalformedRequest = errors.New("malformed request")

// Turn is one prior conversation entry, carried on the wire as a
// two-element [role, text] string pair.
type Turn struct {
	Role string
	Text string
}

// ChatRequest is an inbound ask request: the conversation so far plus the
// newest user utterance.
type ChatRequest struct {
	Query   string
	History []Turn
}

// ScoreRequest asks for the provided answers to be ranked against a question.
type ScoreRequest struct {
	Query     string
	Responses []string
}

// OpinionRequest asks for an opinion on the best of several bot answers,
// keyed by respondent nick.
type OpinionRequest struct {
	Query   string
	Options map[string]string
}

// AskResult is the success payload for an ask request.
type AskResult struct {
	Response string `json:"response"`
}

// ScoreResult is the success payload for a score request: answer indexes
// ordered best to worst.
type ScoreResult struct {
	SortedAnswerIndexes []int `json:"sorted_answer_indexes"`
}

// OpinionResult is the success payload for an opinion request.
type OpinionResult struct {
	Opinion string `json:"opinion"`
}

// ErrorResult is the failure payload, published in place of any of the
// success shapes above.
type ErrorResult struct {
	Error string `json:"error"`
}

type chatRequestWire struct {
	Query   *string     `json:"query"`
	History *[][]string `json:"history"`
}

// ParseChatRequest decodes and validates an ask payload. The query and
// history fields are both required; history entries must be [role, text]
// pairs with a known role.
func ParseChatRequest(payload []byte) (ChatRequest, error) {
	var wire chatRequestWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return ChatRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if wire.Query == nil || *wire.Query == "" {
		return ChatRequest{}, fmt.Errorf("%w: missing or empty query", ErrMalformedRequest)
	}
	if wire.History == nil {
		return ChatRequest{}, fmt.Errorf("%w: missing history", ErrMalformedRequest)
	}

	history := make([]Turn, 0, len(*wire.History))
	for i, pair := range *wire.History {
		if len(pair) != 2 {
			return ChatRequest{}, fmt.Errorf("%w: history[%d] is not a [role, text] pair", ErrMalformedRequest, i)
		}
		if pair[0] != RoleUser && pair[0] != RoleLLM {
			return ChatRequest{}, fmt.Errorf("%w: history[%d] role %q is undefined, supported are (%q, %q)",
				ErrMalformedRequest, i, pair[0], RoleUser, RoleLLM)
		}
		history = append(history, Turn{Role: pair[0], Text: pair[1]})
	}

	return ChatRequest{Query: *wire.Query, History: history}, nil
}

type scoreRequestWire struct {
	Query     *string   `json:"query"`
	Responses *[]string `json:"responses"`
}

// ParseScoreRequest decodes and validates a score payload. An empty
// responses list is valid and short-circuits to an empty ranking.
func ParseScoreRequest(payload []byte) (ScoreRequest, error) {
	var wire scoreRequestWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return ScoreRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if wire.Query == nil || *wire.Query == "" {
		return ScoreRequest{}, fmt.Errorf("%w: missing or empty query", ErrMalformedRequest)
	}
	if wire.Responses == nil {
		return ScoreRequest{}, fmt.Errorf("%w: missing responses", ErrMalformedRequest)
	}
	return ScoreRequest{Query: *wire.Query, Responses: *wire.Responses}, nil
}

type opinionRequestWire struct {
	Query   *string            `json:"query"`
	Options *map[string]string `json:"options"`
}

// ParseOpinionRequest decodes and validates an opinion payload.
func ParseOpinionRequest(payload []byte) (OpinionRequest, error) {
	var wire opinionRequestWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return OpinionRequest{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if wire.Query == nil || *wire.Query == "" {
		return OpinionRequest{}, fmt.Errorf("%w: missing or empty query", ErrMalformedRequest)
	}
	if wire.Options == nil {
		return OpinionRequest{}, fmt.Errorf("%w: missing options", ErrMalformedRequest)
	}
	return OpinionRequest{Query: *wire.Query, Options: *wire.Options}, nil
}

// LastTurns returns a view of the most recent depth turns, preserving
// order. It never mutates history; depth 0 drops it entirely.
func LastTurns(history []Turn, depth int) []Turn {
	if depth <= 0 {
		return nil
	}
	if len(history) <= depth {
		return history
	}
	return history[len(history)-depth:]
}
