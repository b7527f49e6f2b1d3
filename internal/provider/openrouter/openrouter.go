// Package openrouter implements the provider gateway against the
// OpenRouter chat-completions API.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/strataresearch/strata/internal/provider"
)

// Gateway calls OpenRouter. It is safe for concurrent use.
type Gateway struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates an OpenRouter gateway.
func New(apiKey, baseURL string) (*Gateway, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter: API key not configured")
	}
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &Gateway{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Name returns the gateway identifier.
func (g *Gateway) Name() string { return "openrouter" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Call sends a chat-completion request and maps the response to the
// gateway contract. HTTP and decode failures return *provider.Error.
func (g *Gateway) Call(ctx context.Context, req provider.Request) (*provider.Response, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("openrouter: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openrouter: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Title", "Strata Research Engine")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Model: req.Model, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &provider.Error{
			Model:  req.Model,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", bytes.TrimSpace(data)),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &provider.Error{Model: req.Model, Err: fmt.Errorf("decode response: %w", err)}
	}

	out := &provider.Response{
		Model: req.Model,
		Usage: provider.Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			Duration:     time.Since(start),
		},
	}
	out.Usage.Cost = provider.Cost(req.Model, out.Usage.InputTokens, out.Usage.OutputTokens)
	if len(parsed.Choices) > 0 {
		out.Content = parsed.Choices[0].Message.Content
		out.FinishReason = parsed.Choices[0].FinishReason
	}
	return out, nil
}
