package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/strataresearch/strata/internal/provider"
)

func TestCallMapsResponse(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": `{"findings":[]}`}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 1000, "completion_tokens": 500},
		})
	}))
	defer srv.Close()

	gw, err := New("test-key", srv.URL)
	if err != nil {
		t.Fatalf("Failed to create gateway: %v", err)
	}

	resp, err := gw.Call(context.Background(), provider.Request{
		Model:     "anthropic/claude-3.5-sonnet",
		System:    "You are an analyst.",
		Prompt:    "Analyze the market.",
		MaxTokens: 4000,
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Expected bearer auth header, got %q", gotAuth)
	}
	if gotReq.Model != "anthropic/claude-3.5-sonnet" {
		t.Errorf("Expected model in request, got %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("Expected system+user messages, got %+v", gotReq.Messages)
	}
	if resp.Content != `{"findings":[]}` {
		t.Errorf("Unexpected content: %q", resp.Content)
	}
	if resp.Usage.InputTokens != 1000 || resp.Usage.OutputTokens != 500 {
		t.Errorf("Unexpected usage: %+v", resp.Usage)
	}
	if resp.Usage.Cost <= 0 {
		t.Errorf("Expected positive cost, got %f", resp.Usage.Cost)
	}
}

func TestCallOmitsSystemMessageWhenEmpty(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	gw, _ := New("test-key", srv.URL)
	if _, err := gw.Call(context.Background(), provider.Request{Model: "m", Prompt: "q"}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("Expected a single user message, got %+v", gotReq.Messages)
	}
}

func TestCallHTTPErrorIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	gw, _ := New("test-key", srv.URL)
	_, err := gw.Call(context.Background(), provider.Request{Model: "m", Prompt: "q"})

	var provErr *provider.Error
	if !errors.As(err, &provErr) {
		t.Fatalf("Expected *provider.Error, got %v", err)
	}
	if provErr.Status != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", provErr.Status)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("Expected error for missing API key")
	}
}
