package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rlm/internal/httpclient"
	"rlm/internal/id"
	"rlm/internal/logging"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openaiClient speaks the OpenAI-compatible chat completions API.
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAIClient constructs an LLM client for any OpenAI-compatible
// endpoint (OpenAI, OpenRouter, DeepSeek, local gateways).
func NewOpenAIClient(model, apiKey, baseURL string) Client {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	logger := logging.NewComponentLogger("llm.openai")
	return &openaiClient{
		model:      model,
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpclient.NewStreaming(60*time.Second, logger),
		logger:     logger,
	}
}

func (c *openaiClient) Model() string {
	return c.model
}

func (c *openaiClient) buildPayload(req CompletionRequest, stream bool) map[string]any {
	messages := make([]map[string]any, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	for _, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if role == "" || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		messages = append(messages, map[string]any{"role": role, "content": msg.Content})
	}
	payload := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
		"stream":      stream,
	}
	return payload
}

func (c *openaiClient) doRequest(ctx context.Context, payload map[string]any, prefix string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	c.logger.Debug("%s=== LLM Request ===", prefix)
	c.logger.Debug("%sURL: POST %s", prefix, endpoint)
	c.logger.Debug("%sModel: %s", prefix, c.model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Debug("%sHTTP request failed: %v", prefix, err)
		return nil, wrapRequestError(err)
	}
	return resp, nil
}

func (c *openaiClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	requestID := id.NewRequestID()
	prefix := fmt.Sprintf("[req:%s] ", requestID)

	resp, err := c.doRequest(ctx, c.buildPayload(req, false), prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("%sStatus: %d %s", prefix, resp.StatusCode, resp.Status)

	respBody, err := httpclient.ReadAllWithLimit(resp.Body, 16*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("%sError Response Body: %s", prefix, string(respBody))
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	choice := apiResp.Choices[0]
	result := &CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: TokenUsage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
	}
	c.logger.Debug("%sStop Reason: %s, Content Length: %d chars", prefix, result.StopReason, len(result.Content))
	return result, nil
}

// StreamComplete streams incremental completion deltas while constructing
// the final aggregated response.
func (c *openaiClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	requestID := id.NewRequestID()
	prefix := fmt.Sprintf("[req:%s] ", requestID)

	resp, err := c.doRequest(ctx, c.buildPayload(req, true), prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("%s=== LLM Streaming Response ===", prefix)
	c.logger.Debug("%sStatus: %d %s", prefix, resp.StatusCode, resp.Status)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := httpclient.ReadAllWithLimit(resp.Body, 1024*1024)
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}
		return nil, mapHTTPError(resp.StatusCode, respBody, resp.Header)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var contentBuilder strings.Builder
	usage := TokenUsage{}
	finishReason := ""

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("%sFailed to decode stream chunk: %v", prefix, err)
			continue
		}

		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		if text := choice.Delta.Content; text != "" {
			contentBuilder.WriteString(text)
			if callbacks.OnToken != nil {
				callbacks.OnToken(text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, wrapRequestError(fmt.Errorf("stream interrupted: %w", err))
	}

	result := &CompletionResponse{
		Content:    contentBuilder.String(),
		StopReason: finishReason,
		Usage:      usage,
	}
	c.logger.Debug("%sStop Reason: %s, Content Length: %d chars", prefix, result.StopReason, len(result.Content))
	return result, nil
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
