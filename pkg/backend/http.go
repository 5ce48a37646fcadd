package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abdhe/llm-chat-dispatch/pkg/metrics"
)

// HTTPBackend adapts an OpenAI-compatible completions server (FastChat,
// llama.cpp, vLLM and friends serve this API) to the Backend interface.
// Each call carries its own deadline: a hung backend surfaces as an
// ErrBackend, never as an indefinitely blocked slot.
type HTTPBackend struct {
	client  *http.Client
	baseURL string
	model   string
	timeout time.Duration
}

// NewHTTPBackend creates an adapter for the completions server at baseURL.
func NewHTTPBackend(baseURL, model string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		timeout: timeout,
	}
}

type completionRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
	Echo      bool   `json:"echo,omitempty"`
	Logprobs  *int   `json:"logprobs,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Text     string `json:"text"`
		Logprobs *struct {
			TokenLogprobs []*float64 `json:"token_logprobs"`
			TextOffset    []int      `json:"text_offset"`
		} `json:"logprobs"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate implements Backend.
func (b *HTTPBackend) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := b.complete(ctx, completionRequest{
		Model:     b.model,
		Prompt:    prompt,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", ErrBackend)
	}

	text := strings.TrimSpace(resp.Choices[0].Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrBackend)
	}
	if len(text) > maxOutputBytes {
		return "", fmt.Errorf("%w: completion of %d bytes exceeds sanity bound", ErrBackend, len(text))
	}

	metrics.TokenUsageTotal.WithLabelValues(b.model, "input").Add(float64(resp.Usage.PromptTokens))
	metrics.TokenUsageTotal.WithLabelValues(b.model, "output").Add(float64(resp.Usage.CompletionTokens))

	return text, nil
}

// Score implements Backend. It echoes prompt+target through the
// completions API with logprobs enabled and keeps the token log
// probabilities whose text offset falls inside the target.
func (b *HTTPBackend) Score(ctx context.Context, prompt string, targets []string) ([][]float64, error) {
	logprobs := 0
	scores := make([][]float64, 0, len(targets))

	for _, target := range targets {
		scored := prompt + " " + target
		resp, err := b.complete(ctx, completionRequest{
			Model:     b.model,
			Prompt:    scored,
			MaxTokens: 0,
			Echo:      true,
			Logprobs:  &logprobs,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Logprobs == nil {
			return nil, fmt.Errorf("%w: score response has no logprobs", ErrBackend)
		}

		lp := resp.Choices[0].Logprobs
		if len(lp.TextOffset) != len(lp.TokenLogprobs) {
			return nil, fmt.Errorf("%w: logprobs/offsets length mismatch", ErrBackend)
		}

		var targetProbs []float64
		for i, off := range lp.TextOffset {
			// The first prompt token has a null logprob; skip it along with
			// every token that starts before the target text.
			if off < len(prompt) || lp.TokenLogprobs[i] == nil {
				continue
			}
			targetProbs = append(targetProbs, *lp.TokenLogprobs[i])
		}
		if len(targetProbs) == 0 {
			return nil, fmt.Errorf("%w: no target tokens scored", ErrBackend)
		}
		scores = append(scores, targetProbs)
	}

	return scores, nil
}

func (b *HTTPBackend) complete(ctx context.Context, req completionRequest) (completionResponse, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return completionResponse{}, fmt.Errorf("%w: marshal request: %v", ErrBackend, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return completionResponse{}, fmt.Errorf("%w: create request: %v", ErrBackend, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return completionResponse{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return completionResponse{}, fmt.Errorf("%w: API error %d: %s", ErrBackend, httpResp.StatusCode, string(respBody))
	}

	var resp completionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return completionResponse{}, fmt.Errorf("%w: decode response: %v", ErrBackend, err)
	}

	return resp, nil
}
