// Package mailer 封装对外部投递服务商的调用。
// 出站邮件不直接走 SMTP，而是通过服务商的 HTTP API 投递。
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"botmail/backend/internal/config"
)

// ErrUnverifiedSender 服务商拒收：发信身份未完成验证。
// 这是软失败，调用方应照常计入配额并落库。
var ErrUnverifiedSender = errors.New("provider rejected unverified sender")

// Envelope 一次出站投递的信封
type Envelope struct {
	From      string `json:"from"`
	FromName  string `json:"fromName,omitempty"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	MessageID string `json:"messageId"`
	InReplyTo string `json:"inReplyTo,omitempty"`
}

// Transport 出站投递接口
type Transport interface {
	// Send 投递一封邮件，返回服务商侧的消息 ID。
	// 返回 ErrUnverifiedSender 表示软失败，其他错误为硬失败。
	Send(ctx context.Context, env Envelope) (string, error)
}

// HTTPTransport 基于服务商 HTTP API 的投递实现
type HTTPTransport struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

// NewHTTPTransport 创建 HTTP 投递客户端
func NewHTTPTransport(cfg config.ProviderConfig, log *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// sendResponse 服务商 /send 接口的响应体
type sendResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
	Code      string `json:"code"`
}

// Send 实现 Transport
func (t *HTTPTransport) Send(ctx context.Context, env Envelope) (string, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call provider: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var result sendResponse
	if len(body) > 0 {
		_ = json.Unmarshal(body, &result)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return result.MessageID, nil
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnprocessableEntity:
		// 服务商对未验证发信身份返回 403/422
		if result.Code == "unverified_sender" || result.Code == "sender_not_verified" {
			t.log.Warn("投递被拒：发信身份未验证",
				zap.String("from", env.From),
				zap.Int("status", resp.StatusCode))
			return "", ErrUnverifiedSender
		}
		return "", fmt.Errorf("provider rejected message: HTTP %d: %s", resp.StatusCode, result.Error)
	default:
		return "", fmt.Errorf("provider error: HTTP %d: %s", resp.StatusCode, result.Error)
	}
}

// NoopTransport 空投递，仅记录日志。未配置服务商时使用。
type NoopTransport struct {
	log *zap.Logger
}

// NewNoopTransport 创建空投递
func NewNoopTransport(log *zap.Logger) *NoopTransport {
	return &NoopTransport{log: log}
}

// Send 实现 Transport，不做真实投递
func (t *NoopTransport) Send(_ context.Context, env Envelope) (string, error) {
	t.log.Info("空投递：仅记录",
		zap.String("from", env.From),
		zap.String("to", env.To),
		zap.String("messageId", env.MessageID))
	return env.MessageID, nil
}

// NewTransport 根据配置选择投递实现
func NewTransport(cfg config.ProviderConfig, log *zap.Logger) Transport {
	if cfg.BaseURL == "" {
		return NewNoopTransport(log)
	}
	return NewHTTPTransport(cfg, log)
}
