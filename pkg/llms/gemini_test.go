package llms

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiwi-run/kiwi/pkg/kconfig"
)

func newTestGeminiProvider(t *testing.T, handler http.HandlerFunc) *GeminiProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewGeminiProviderFromConfig(&kconfig.LLMProviderConfig{
		Type:   "gemini",
		Model:  "gemini-1.5-pro",
		APIKey: "test-key",
		Host:   server.URL,
	})
	if err != nil {
		t.Fatalf("NewGeminiProviderFromConfig() error = %v", err)
	}
	return provider
}

func TestNewGeminiProviderFromConfig_RequiresAPIKey(t *testing.T) {
	_, err := NewGeminiProviderFromConfig(&kconfig.LLMProviderConfig{Type: "gemini"})
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestGeminiProvider_Generate_TextResponse(t *testing.T) {
	provider := newTestGeminiProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(GeminiResponse{
			Candidates: []GeminiCandidate{
				{Content: GeminiContent{Role: "model", Parts: []GeminiPart{{"text": "hi there"}}}},
			},
			UsageMetadata: &GeminiUsageMetadata{TotalTokenCount: 7},
		})
	})

	text, toolCalls, tokens, err := provider.Generate([]*Message{UserMessage("hello")}, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "hi there" {
		t.Errorf("text = %q, want %q", text, "hi there")
	}
	if len(toolCalls) != 0 {
		t.Errorf("toolCalls = %v, want none", toolCalls)
	}
	if tokens != 7 {
		t.Errorf("tokens = %d, want 7", tokens)
	}
}

func TestGeminiProvider_Generate_FunctionCall(t *testing.T) {
	provider := newTestGeminiProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req GeminiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].FunctionDeclarations[0].Name != "get_weather" {
			t.Errorf("expected get_weather tool in request, got %+v", req.Tools)
		}
		_ = json.NewEncoder(w).Encode(GeminiResponse{
			Candidates: []GeminiCandidate{
				{Content: GeminiContent{Role: "model", Parts: []GeminiPart{
					{"functionCall": map[string]interface{}{"name": "get_weather", "args": map[string]interface{}{"city": "Berlin"}}},
				}}},
			},
		})
	})

	_, toolCalls, _, err := provider.Generate([]*Message{UserMessage("weather in Berlin?")}, []ToolDefinition{
		{Name: "get_weather", Description: "fetches weather", Parameters: map[string]interface{}{"type": "object"}},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(toolCalls) != 1 || toolCalls[0].Name != "get_weather" || toolCalls[0].Arguments["city"] != "Berlin" {
		t.Fatalf("unexpected toolCalls: %+v", toolCalls)
	}
}

func TestGeminiProvider_ConvertMessages_SystemAndToolResult(t *testing.T) {
	provider := newTestGeminiProvider(t, func(w http.ResponseWriter, r *http.Request) {})

	contents, systemInstruction := provider.convertMessages([]*Message{
		SystemMessage("be terse"),
		UserMessage("run the tool"),
		AssistantMessage("", ToolCall{ID: "call_1", Name: "lookup", Arguments: map[string]interface{}{"q": "x"}}),
		ToolResultMessage(ToolResult{ToolCallID: "call_1", Content: "42"}),
	})

	if systemInstruction == nil || len(systemInstruction.Parts) != 1 {
		t.Fatalf("expected one system instruction part, got %+v", systemInstruction)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents (user, model, user), got %d", len(contents))
	}
	if contents[1].Role != "model" {
		t.Errorf("expected model role for tool-call message, got %q", contents[1].Role)
	}
	if _, ok := contents[2].Parts[0]["functionResponse"]; !ok {
		t.Errorf("expected functionResponse part for tool result, got %+v", contents[2].Parts[0])
	}
}
