package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/agentmemory/internal/tlsutil"
	"github.com/BaSui01/agentmemory/types"
	"go.uber.org/zap"
)

// =============================================================================
// 💬 OpenAI 兼容聊天客户端
// =============================================================================

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float32         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// ChatClient calls an OpenAI compatible chat completion endpoint.
type ChatClient struct {
	cfg    LLMConfig
	client *http.Client
	logger *zap.Logger
}

// NewChatClient creates a client. A nil client uses the hardened TLS client.
func NewChatClient(cfg LLMConfig, client *http.Client, logger *zap.Logger) *ChatClient {
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = DefaultLLMConfig().EndpointPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLLMConfig().Timeout
	}
	if client == nil {
		client = tlsutil.HTTPClient(cfg.Timeout, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatClient{cfg: cfg, client: client, logger: logger}
}

// endpoint 拼接完整 URL
func (c *ChatClient) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *ChatClient) buildHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// Completion sends messages and returns the content of the first choice, "" when
// the model returned none. Failures are CollaboratorErrors; HTTPStatus and
// Retryable follow the upstream status.
func (c *ChatClient) Completion(ctx context.Context, messages []chatMessage) (string, error) {
	body := chatRequest{
		Model:          c.cfg.Model,
		Messages:       messages,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.buildHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", types.NewCollaboratorError("extractor", "request failed", err).
			WithHTTPStatus(http.StatusBadGateway)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(io.LimitReader(resp.Body, 1<<12))
		c.logger.Debug("chat completion rejected", zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return "", mapHTTPError(resp.StatusCode, msg)
	}
	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", types.NewCollaboratorError("extractor", "decode response", err).
			WithHTTPStatus(http.StatusBadGateway)
	}
	if len(chat.Choices) == 0 {
		return "", nil
	}
	return chat.Choices[0].Message.Content, nil
}

// readErrorMessage 读取响应体中的错误消息
// 优先解析 JSON 错误响应，失败则回退到原始文本
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(data))
}

// mapHTTPError 将上游状态码映射为带重试标记的协作方错误
func mapHTTPError(status int, msg string) *types.Error {
	retryable := false
	switch {
	case status == http.StatusTooManyRequests, status == 529:
		retryable = true
	case status >= 500:
		retryable = true
	}
	return types.NewCollaboratorError("extractor", fmt.Sprintf("status %d: %s", status, msg), nil).
		WithHTTPStatus(status).
		WithRetryable(retryable)
}
