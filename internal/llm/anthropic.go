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

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com/v1"
	defaultAnthropicVersion   = "2023-06-01"
	anthropicVersionHeaderKey = "anthropic-version"
	anthropicAPIKeyHeaderKey  = "x-api-key"
	anthropicMessagesPath     = "/messages"
)

type anthropicClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewAnthropicClient constructs a client speaking the Anthropic messages API.
func NewAnthropicClient(model, apiKey, baseURL string) Client {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	logger := logging.NewComponentLogger("llm.anthropic")
	return &anthropicClient{
		model:      model,
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpclient.NewStreaming(60*time.Second, logger),
		logger:     logger,
	}
}

func (c *anthropicClient) Model() string {
	return c.model
}

func (c *anthropicClient) buildPayload(req CompletionRequest, stream bool) map[string]any {
	payload := map[string]any{
		"model":       c.model,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"messages":    convertAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if stream {
		payload["stream"] = true
	}
	return payload
}

func (c *anthropicClient) doRequest(ctx context.Context, payload map[string]any, prefix string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + anthropicMessagesPath
	c.logger.Debug("%s=== LLM Request ===", prefix)
	c.logger.Debug("%sURL: POST %s", prefix, endpoint)
	c.logger.Debug("%sModel: %s", prefix, c.model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(anthropicAPIKeyHeaderKey, c.apiKey)
	httpReq.Header.Set(anthropicVersionHeaderKey, defaultAnthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Debug("%sHTTP request failed: %v", prefix, err)
		return nil, wrapRequestError(err)
	}
	return resp, nil
}

func (c *anthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
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

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != nil && apiResp.Error.Message != "" {
		return nil, mapHTTPError(resp.StatusCode, []byte(apiResp.Error.Message), resp.Header)
	}

	var contentBuilder strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			contentBuilder.WriteString(block.Text)
		}
	}

	result := &CompletionResponse{
		Content:    contentBuilder.String(),
		StopReason: apiResp.StopReason,
		Usage: TokenUsage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
	}

	c.logger.Debug("%sStop Reason: %s, Content Length: %d chars", prefix, result.StopReason, len(result.Content))
	return result, nil
}

// StreamComplete streams server-sent events, invoking callbacks.OnToken per
// content delta while constructing the final aggregated response.
func (c *anthropicClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
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
	stopReason := ""

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

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			c.logger.Debug("%sFailed to decode stream event: %v", prefix, err)
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Text != "" {
				contentBuilder.WriteString(ev.Delta.Text)
				if callbacks.OnToken != nil {
					callbacks.OnToken(ev.Delta.Text)
				}
			}
		case "message_start":
			if ev.Message != nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return nil, mapHTTPError(http.StatusInternalServerError, []byte(msg), resp.Header)
		case "message_stop":
			// Terminal event; the scanner drains naturally after this.
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, wrapRequestError(fmt.Errorf("stream interrupted: %w", err))
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	result := &CompletionResponse{
		Content:    contentBuilder.String(),
		StopReason: stopReason,
		Usage:      usage,
	}
	c.logger.Debug("%sStop Reason: %s, Content Length: %d chars", prefix, result.StopReason, len(result.Content))
	return result, nil
}

// convertAnthropicMessages merges consecutive same-role turns: the
// messages API requires strict user/assistant alternation, and the engine's
// continuation path can produce adjacent user messages.
func convertAnthropicMessages(msgs []Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if role == "" || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1]["role"] == role {
			out[n-1]["content"] = out[n-1]["content"].(string) + "\n\n" + msg.Content
			continue
		}
		out = append(out, map[string]any{
			"role":    role,
			"content": msg.Content,
		})
	}
	return out
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Error      *anthropicError         `json:"error"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *anthropicError `json:"error"`
}
