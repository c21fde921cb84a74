package llms

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kiwi-run/kiwi/pkg/httpclient"
	"github.com/kiwi-run/kiwi/pkg/kconfig"
)

func createHTTPClient(cfg *kconfig.LLMProviderConfig) *httpclient.Client {
	// Configure TLS if needed
	var tlsConfig *httpclient.TLSConfig
	if cfg.InsecureSkipVerify != nil && *cfg.InsecureSkipVerify || cfg.CACertificate != "" {
		tlsConfig = &httpclient.TLSConfig{
			InsecureSkipVerify: cfg.InsecureSkipVerify != nil && *cfg.InsecureSkipVerify,
			CACertificate:      cfg.CACertificate,
		}
		if tlsConfig.InsecureSkipVerify {
			slog.Warn("TLS certificate verification disabled for LLM provider",
				"provider_type", cfg.Type,
				"insecure_skip_verify", true)
		}
	}

	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay) * time.Second),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
	}

	if tlsConfig != nil {
		opts = append(opts, httpclient.WithTLSConfig(tlsConfig))
	}

	return httpclient.New(opts...)
}

// Constants for OpenAI Responses API
const (
	// Default OpenAI API base URL
	openAIDefaultHost = "https://api.openai.com/v1"

	// SSE Event Types
	eventOutputItemAdded       = "response.output_item.added"
	eventOutputItemDone        = "response.output_item.done"
	eventOutputTextDelta       = "response.output_text.delta"
	eventFunctionCallArgsDelta = "response.function_call_arguments.delta"
	eventFunctionCallArgsDone  = "response.function_call_arguments.done"
	eventResponseCompleted     = "response.completed"

	// Logging preview limits
	maxPayloadPreviewLength = 200

	// Stream channel buffer size
	streamChannelBufferSize = 100
)

type OpenAIProvider struct {
	config     *kconfig.LLMProviderConfig
	httpClient *httpclient.Client
}

// streamingState encapsulates state accumulated while reading the Responses
// API's SSE event stream.
type streamingState struct {
	functionCallID   string
	functionCallName string
	functionCallArgs strings.Builder
	totalTokens      int
	emittedCallIDs   map[string]bool // dedupes tool calls surfaced by more than one event
}

func (s *streamingState) resetFunctionCall() {
	s.functionCallID = ""
	s.functionCallName = ""
	s.functionCallArgs.Reset()
}

// Responses API Types
// See: https://platform.openai.com/docs/api-reference/responses

// OpenAIResponsesRequest represents a request to the OpenAI Responses API
type OpenAIResponsesRequest struct {
	Model           string                `json:"model"`
	Input           interface{}           `json:"input,omitempty"` // []OpenAIInputItem
	Instructions    string                `json:"instructions,omitempty"`
	MaxOutputTokens *int                  `json:"max_output_tokens,omitempty"`
	Temperature     *float64              `json:"temperature,omitempty"`
	Tools           []OpenAIResponsesTool `json:"tools,omitempty"`
	ToolChoice      interface{}           `json:"tool_choice,omitempty"`
	Stream          bool                  `json:"stream,omitempty"`
}

// OpenAIResponsesTool represents a tool in the Responses API.
// The Responses API format is flat: type, name, description, parameters.
type OpenAIResponsesTool struct {
	Type        string                 `json:"type"` // "function"
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Strict      bool                   `json:"strict,omitempty"`
}

// OpenAIInputItem represents an input item in the Responses API.
// Different item types populate different fields.
type OpenAIInputItem struct {
	Type    string      `json:"type"` // "message", "function_call", "function_call_output"
	Role    string      `json:"role,omitempty"`
	Content interface{} `json:"content,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Output *string `json:"output,omitempty"`
}

// OpenAIResponsesResponse represents a response from the Responses API
type OpenAIResponsesResponse struct {
	ID                string                   `json:"id"`
	Status            string                   `json:"status"`
	Error             *OpenAIError             `json:"error,omitempty"`
	IncompleteDetails *OpenAIIncompleteDetails `json:"incomplete_details,omitempty"`
	Output            []OpenAIOutputItem       `json:"output"`
	Usage             OpenAIUsage              `json:"usage"`
}

// OpenAIOutputItem represents an item in the output array.
// For function_call items, call_id is the id referenced by function_call_output.
type OpenAIOutputItem struct {
	Type    string      `json:"type"` // "message", "function_call"
	ID      string      `json:"id,omitempty"`
	Role    string      `json:"role,omitempty"`
	Content interface{} `json:"content,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// OpenAIIncompleteDetails represents details about why a response is incomplete
type OpenAIIncompleteDetails struct {
	Reason string `json:"reason,omitempty"`
}

// OpenAIError represents an error in the Responses API
type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// OpenAIUsage represents token usage in the Responses API
type OpenAIUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// NewOpenAIProvider creates a new OpenAI provider with default configuration.
// Prefer NewOpenAIProviderFromConfig for explicit configuration.
func NewOpenAIProvider(apiKey string, model string) *OpenAIProvider {
	cfg := &kconfig.LLMProviderConfig{
		Type:        "openai",
		Model:       model,
		APIKey:      apiKey,
		Host:        openAIDefaultHost,
		Temperature: func() *float64 { t := 0.7; return &t }(),
		MaxTokens:   1000,
		Timeout:     60,
	}

	provider, err := NewOpenAIProviderFromConfig(cfg)
	if err != nil {
		slog.Error("Failed to create OpenAI provider", "error", err)
		return nil
	}
	return provider
}

func NewOpenAIProviderFromConfig(cfg *kconfig.LLMProviderConfig) (*OpenAIProvider, error) {
	return &OpenAIProvider{
		config:     cfg,
		httpClient: createHTTPClient(cfg),
	}, nil
}

func (p *OpenAIProvider) Generate(messages []*Message, tools []ToolDefinition) (string, []ToolCall, int, error) {
	req := p.buildResponsesRequest(messages, tools)
	return p.makeResponsesRequest(req)
}

func (p *OpenAIProvider) GenerateStreaming(messages []*Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	req := p.buildResponsesRequest(messages, tools)
	req.Stream = true
	return p.streamResponsesRequest(req)
}

func (p *OpenAIProvider) GetModelName() string {
	return p.config.Model
}

func (p *OpenAIProvider) GetMaxTokens() int {
	return p.config.MaxTokens
}

func (p *OpenAIProvider) GetTemperature() float64 {
	if p.config.Temperature == nil {
		return 0.7
	}
	return *p.config.Temperature
}

func (p *OpenAIProvider) Close() error {
	return nil
}

// getResponsesURL returns the URL for the OpenAI Responses API
func (p *OpenAIProvider) getResponsesURL() string {
	if p.config.Host == "" {
		return openAIDefaultHost + "/responses"
	}

	host := strings.TrimSuffix(p.config.Host, "/")
	if strings.HasSuffix(host, "/v1") {
		return fmt.Sprintf("%s/responses", host)
	}
	return fmt.Sprintf("%s/v1/responses", host)
}

// logRequestDebug logs debug information about a Responses API request
func (p *OpenAIProvider) logRequestDebug(req *OpenAIResponsesRequest, reqBody []byte) {
	payloadPreview := string(reqBody)
	if len(payloadPreview) > maxPayloadPreviewLength {
		payloadPreview = payloadPreview[:maxPayloadPreviewLength] + "..."
	}

	inputItemsCount := 0
	if items, ok := req.Input.([]OpenAIInputItem); ok {
		inputItemsCount = len(items)
	}

	slog.Debug("OpenAI Responses API request",
		"model", req.Model,
		"input_items", inputItemsCount,
		"has_instructions", req.Instructions != "",
		"max_output_tokens", req.MaxOutputTokens,
		"payload_preview", payloadPreview)
}

// roleToOpenAI converts a Role to the OpenAI role string used in input items
func roleToOpenAI(role Role) string {
	switch role {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleSystem:
		return "system"
	default:
		return "user"
	}
}

// makeResponsesRequest makes a non-streaming request to the Responses API
func (p *OpenAIProvider) makeResponsesRequest(req *OpenAIResponsesRequest) (string, []ToolCall, int, error) {
	url := p.getResponsesURL()

	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	p.logRequestDebug(req, reqBody)

	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return "", nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", strings.TrimSpace(p.config.APIKey)))

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, 0, fmt.Errorf("openai responses API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return "", nil, 0, fmt.Errorf("openai responses API error (HTTP %d): failed to read body: %w", resp.StatusCode, readErr)
		}
		var errorResp OpenAIResponsesResponse
		if err := json.Unmarshal(bodyBytes, &errorResp); err == nil && errorResp.Error != nil {
			return "", nil, 0, fmt.Errorf("openai responses API error (HTTP %d): %s", resp.StatusCode, errorResp.Error.Message)
		}
		return "", nil, 0, fmt.Errorf("openai responses API error (HTTP %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var responsesResp OpenAIResponsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&responsesResp); err != nil {
		return "", nil, 0, fmt.Errorf("failed to decode response: %w", err)
	}

	return p.processResponsesResponse(&responsesResp)
}

// processResponsesResponse processes a successful response from the Responses API
func (p *OpenAIProvider) processResponsesResponse(responsesResp *OpenAIResponsesResponse) (string, []ToolCall, int, error) {
	if responsesResp.Error != nil {
		return "", nil, 0, fmt.Errorf("openai responses API error: %s", responsesResp.Error.Message)
	}

	if responsesResp.Status != "completed" {
		err := fmt.Errorf("openai responses API response incomplete: status=%s", responsesResp.Status)
		if responsesResp.IncompleteDetails != nil {
			err = fmt.Errorf("openai responses API response incomplete: status=%s, reason=%s", responsesResp.Status, responsesResp.IncompleteDetails.Reason)
		}
		return "", nil, 0, err
	}

	if len(responsesResp.Output) == 0 {
		return "", nil, 0, fmt.Errorf("no output items in response")
	}

	var text string
	var toolCalls []ToolCall

	for _, outputItem := range responsesResp.Output {
		switch outputItem.Type {
		case "message":
			text = p.extractTextFromMessageOutput(outputItem)
		case "function_call":
			toolCall, err := p.parseFunctionCallOutput(outputItem)
			if err != nil {
				slog.Warn("Failed to parse function call", "error", err, "id", outputItem.ID)
				continue
			}
			toolCalls = append(toolCalls, *toolCall)
		}
	}

	return text, toolCalls, responsesResp.Usage.TotalTokens, nil
}

// streamResponsesRequest makes a streaming request to the Responses API and
// translates its SSE event stream into StreamChunks.
func (p *OpenAIProvider) streamResponsesRequest(req *OpenAIResponsesRequest) (<-chan StreamChunk, error) {
	outputCh := make(chan StreamChunk, streamChannelBufferSize)

	go func() {
		defer close(outputCh)

		url := p.getResponsesURL()

		reqBody, err := json.Marshal(req)
		if err != nil {
			outputCh <- StreamChunk{Type: "error", Error: fmt.Errorf("failed to marshal request: %w", err)}
			return
		}

		p.logRequestDebug(req, reqBody)

		httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqBody))
		if err != nil {
			outputCh <- StreamChunk{Type: "error", Error: fmt.Errorf("failed to create request: %w", err)}
			return
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", strings.TrimSpace(p.config.APIKey)))

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			outputCh <- StreamChunk{Type: "error", Error: fmt.Errorf("openai responses API request failed: %w", err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			var errorResp OpenAIResponsesResponse
			if json.Unmarshal(bodyBytes, &errorResp) == nil && errorResp.Error != nil {
				outputCh <- StreamChunk{Type: "error", Error: fmt.Errorf("openai responses API error (HTTP %d): %s", resp.StatusCode, errorResp.Error.Message)}
				return
			}
			outputCh <- StreamChunk{Type: "error", Error: fmt.Errorf("openai responses API error (HTTP %d): %s", resp.StatusCode, string(bodyBytes))}
			return
		}

		// ReadBytes has no fixed line-size limit, unlike bufio.Scanner's default
		// 64KB, which matters for large tool-call argument payloads.
		reader := bufio.NewReader(resp.Body)
		state := &streamingState{emittedCallIDs: make(map[string]bool)}
		var currentEventType string

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					break
				}
				outputCh <- StreamChunk{Type: "error", Error: fmt.Errorf("failed to read stream: %w", err)}
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			if bytes.HasPrefix(line, []byte("event: ")) {
				currentEventType = string(bytes.TrimSpace(line[7:]))
				continue
			}

			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			dataLine := line[6:]

			var streamEvent map[string]interface{}
			if err := json.Unmarshal(dataLine, &streamEvent); err != nil {
				currentEventType = ""
				continue
			}

			eventType := currentEventType
			if eventType == "" {
				eventType, _ = streamEvent["type"].(string)
			}
			currentEventType = ""

			switch eventType {
			case eventOutputItemAdded:
				item, ok := streamEvent["item"].(map[string]interface{})
				if !ok {
					continue
				}
				if itemType, _ := item["type"].(string); itemType == "function_call" {
					if callID, ok := item["call_id"].(string); ok {
						state.functionCallID = callID
					} else if id, ok := item["id"].(string); ok {
						state.functionCallID = id
					}
					if name, ok := item["name"].(string); ok {
						state.functionCallName = name
					}
					state.functionCallArgs.Reset()
				}
			case eventOutputItemDone:
				item, ok := streamEvent["item"].(map[string]interface{})
				if !ok {
					continue
				}
				if itemType, _ := item["type"].(string); itemType == "function_call" {
					callID := ""
					if cid, ok := item["call_id"].(string); ok {
						callID = cid
					} else if id, ok := item["id"].(string); ok {
						callID = id
					}
					name, _ := item["name"].(string)
					argsStr, _ := item["arguments"].(string)

					if callID != "" && name != "" && !state.emittedCallIDs[callID] {
						outputCh <- StreamChunk{Type: "tool_call", ToolCall: parseStreamedToolCall(callID, name, argsStr)}
						state.emittedCallIDs[callID] = true
					}
					state.resetFunctionCall()
				}
			case eventOutputTextDelta:
				var deltaText string
				if delta, ok := streamEvent["delta"].(string); ok {
					deltaText = delta
				}
				if deltaText != "" {
					outputCh <- StreamChunk{Type: "text", Text: deltaText}
				}
			case eventFunctionCallArgsDelta:
				if delta, ok := streamEvent["delta"].(string); ok && delta != "" {
					state.functionCallArgs.WriteString(delta)
				}
			case eventFunctionCallArgsDone:
				if state.functionCallID != "" && state.functionCallName != "" && !state.emittedCallIDs[state.functionCallID] {
					outputCh <- StreamChunk{
						Type:     "tool_call",
						ToolCall: parseStreamedToolCall(state.functionCallID, state.functionCallName, state.functionCallArgs.String()),
					}
					state.emittedCallIDs[state.functionCallID] = true
				}
				state.resetFunctionCall()
			case eventResponseCompleted:
				if response, ok := streamEvent["response"].(map[string]interface{}); ok {
					if usage, ok := response["usage"].(map[string]interface{}); ok {
						if total, ok := usage["total_tokens"].(float64); ok {
							state.totalTokens = int(total)
						}
					}
				}
			}
		}

		outputCh <- StreamChunk{Type: "done", Tokens: state.totalTokens}
	}()

	return outputCh, nil
}

// parseStreamedToolCall decodes a tool call's accumulated JSON-string arguments.
func parseStreamedToolCall(callID, name, argsStr string) *ToolCall {
	args := make(map[string]interface{})
	if argsStr != "" {
		if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
			slog.Warn("Failed to parse streamed function call arguments", "error", err, "call_id", callID)
			args = make(map[string]interface{})
		}
	}
	return &ToolCall{ID: callID, Name: name, Arguments: args}
}

// buildResponsesRequest builds a request for the Responses API
func (p *OpenAIProvider) buildResponsesRequest(messages []*Message, tools []ToolDefinition) *OpenAIResponsesRequest {
	inputItems, instructions := p.convertMessagesToInputItems(messages)

	if len(inputItems) == 0 {
		inputItems = []OpenAIInputItem{
			{Type: "message", Role: "user", Content: []map[string]interface{}{{"type": "input_text", "text": ""}}},
		}
	}

	var maxOutputTokens *int
	if p.config.MaxTokens > 0 {
		maxOutputTokens = &p.config.MaxTokens
	}

	req := &OpenAIResponsesRequest{
		Model:           p.config.Model,
		Input:           inputItems,
		MaxOutputTokens: maxOutputTokens,
	}

	if instructions != "" {
		req.Instructions = instructions
	}

	if len(tools) > 0 {
		req.Tools = p.convertToResponsesAPITools(tools)
		req.ToolChoice = "auto"
	}

	if p.config.Temperature != nil {
		req.Temperature = p.config.Temperature
	}

	return req
}

// convertToResponsesAPITools converts ToolDefinition to Responses API tool format
func (p *OpenAIProvider) convertToResponsesAPITools(tools []ToolDefinition) []OpenAIResponsesTool {
	result := make([]OpenAIResponsesTool, len(tools))
	for i, tool := range tools {
		result[i] = OpenAIResponsesTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
			Strict:      false,
		}
	}
	return result
}

// convertMessagesToInputItems converts Messages to OpenAI Responses API input items.
// Returns (input items, system instructions).
func (p *OpenAIProvider) convertMessagesToInputItems(messages []*Message) ([]OpenAIInputItem, string) {
	inputItems := make([]OpenAIInputItem, 0, len(messages))
	var instructions strings.Builder

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if msg.Text != "" {
				if instructions.Len() > 0 {
					instructions.WriteString("\n")
				}
				instructions.WriteString(msg.Text)
			}
			continue
		}

		if len(msg.ToolResults) > 0 {
			for _, result := range msg.ToolResults {
				output := result.Content
				inputItems = append(inputItems, OpenAIInputItem{
					Type:   "function_call_output",
					CallID: result.ToolCallID,
					Output: &output,
				})
			}
			continue
		}

		if msg.Role == RoleAssistant && len(msg.ToolCalls) > 0 {
			if msg.Text != "" {
				inputItems = append(inputItems, OpenAIInputItem{
					Type:    "message",
					Role:    "assistant",
					Content: []map[string]interface{}{{"type": "output_text", "text": msg.Text}},
				})
			}

			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				inputItems = append(inputItems, OpenAIInputItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: string(argsJSON),
				})
			}
			continue
		}

		if msg.Text == "" {
			continue
		}

		role := roleToOpenAI(msg.Role)
		textType := "input_text"
		if role == "assistant" {
			textType = "output_text"
		}

		inputItems = append(inputItems, OpenAIInputItem{
			Type:    "message",
			Role:    role,
			Content: []map[string]interface{}{{"type": textType, "text": msg.Text}},
		})
	}

	return inputItems, instructions.String()
}

// extractTextFromMessageOutput extracts text from a message output item
func (p *OpenAIProvider) extractTextFromMessageOutput(outputItem OpenAIOutputItem) string {
	contentArray, ok := outputItem.Content.([]interface{})
	if !ok {
		return ""
	}

	var textBuilder strings.Builder
	for _, part := range contentArray {
		partMap, ok := part.(map[string]interface{})
		if !ok {
			continue
		}
		if partType, _ := partMap["type"].(string); partType == "output_text" {
			if text, ok := partMap["text"].(string); ok {
				textBuilder.WriteString(text)
			}
		}
	}

	return textBuilder.String()
}

// parseFunctionCallOutput parses a function_call output item into a ToolCall
func (p *OpenAIProvider) parseFunctionCallOutput(outputItem OpenAIOutputItem) (*ToolCall, error) {
	if outputItem.Name == "" {
		return nil, fmt.Errorf("function_call name is empty")
	}

	toolCallID := outputItem.CallID
	if toolCallID == "" {
		toolCallID = outputItem.ID
	}

	return parseStreamedToolCall(toolCallID, outputItem.Name, outputItem.Arguments), nil
}
