package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Stream {
			t.Error("stream should be disabled")
		}
		if req.Model != "test-model" {
			t.Errorf("model = %s", req.Model)
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{
			Message:         Message{Role: RoleAssistant, Content: "plan goes here"},
			Done:            true,
			EvalCount:       7,
			PromptEvalCount: 13,
		})
	}))
	defer srv.Close()

	p := NewOllama(srv.URL)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "plan goes here" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 20 {
		t.Errorf("total tokens = %d, want 20", resp.Usage.TotalTokens)
	}
}

func TestOllamaChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOllama(srv.URL)
	if _, err := p.Chat(context.Background(), ChatRequest{Model: "missing"}); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestMockProviderRecordsCalls(t *testing.T) {
	m := &MockProvider{Response: "canned"}
	resp, err := m.Chat(context.Background(), ChatRequest{Model: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "canned" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(m.Calls) != 1 {
		t.Errorf("calls = %d, want 1", len(m.Calls))
	}
}
