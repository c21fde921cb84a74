package llms

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiwi-run/kiwi/pkg/kconfig"
)

func newTestOpenAIProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewOpenAIProviderFromConfig(&kconfig.LLMProviderConfig{
		Type:   "openai",
		Model:  "gpt-4o",
		APIKey: "sk-test-key",
		Host:   server.URL,
	})
	if err != nil {
		t.Fatalf("NewOpenAIProviderFromConfig() error = %v", err)
	}
	return provider
}

func TestOpenAIProvider_Generate_TextResponse(t *testing.T) {
	provider := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test-key" {
			t.Errorf("missing bearer auth header")
		}
		_ = json.NewEncoder(w).Encode(OpenAIResponsesResponse{
			Status: "completed",
			Output: []OpenAIOutputItem{
				{Type: "message", Role: "assistant", Content: []interface{}{
					map[string]interface{}{"type": "output_text", "text": "hi there"},
				}},
			},
			Usage: OpenAIUsage{TotalTokens: 9},
		})
	})

	text, toolCalls, tokens, err := provider.Generate([]*Message{
		SystemMessage("be terse"),
		UserMessage("hello"),
	}, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "hi there" {
		t.Errorf("text = %q, want %q", text, "hi there")
	}
	if len(toolCalls) != 0 {
		t.Errorf("toolCalls = %v, want none", toolCalls)
	}
	if tokens != 9 {
		t.Errorf("tokens = %d, want 9", tokens)
	}
}

func TestOpenAIProvider_Generate_FunctionCall(t *testing.T) {
	provider := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req OpenAIResponsesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" {
			t.Errorf("expected get_weather tool in request, got %+v", req.Tools)
		}
		_ = json.NewEncoder(w).Encode(OpenAIResponsesResponse{
			Status: "completed",
			Output: []OpenAIOutputItem{
				{Type: "function_call", CallID: "call_1", Name: "get_weather", Arguments: `{"city":"Berlin"}`},
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

func TestOpenAIProvider_ConvertMessagesToInputItems_ToolResultRoundTrip(t *testing.T) {
	provider := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {})

	items, instructions := provider.convertMessagesToInputItems([]*Message{
		SystemMessage("be terse"),
		UserMessage("run the tool"),
		AssistantMessage("", ToolCall{ID: "call_1", Name: "lookup", Arguments: map[string]interface{}{"q": "x"}}),
		ToolResultMessage(ToolResult{ToolCallID: "call_1", Content: "42"}),
	})

	if instructions != "be terse" {
		t.Errorf("instructions = %q, want %q", instructions, "be terse")
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 input items (user, function_call, function_call_output), got %d", len(items))
	}
	if items[1].Type != "function_call" || items[1].Name != "lookup" {
		t.Errorf("expected function_call item for tool call, got %+v", items[1])
	}
	if items[2].Type != "function_call_output" || items[2].CallID != "call_1" {
		t.Errorf("expected function_call_output item addressed to call_1, got %+v", items[2])
	}
}
