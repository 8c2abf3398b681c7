// Package review 封装对外部异常行为分析服务的调用。
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"botmail/backend/internal/config"
	"botmail/backend/internal/domain"
)

// FlagProposal 分析服务建议创建的一条安全标记
type FlagProposal struct {
	BotID           string           `json:"botId"`
	MessageID       string           `json:"messageId,omitempty"`
	SuggestedStatus domain.BotStatus `json:"suggestedStatus"`
	Reason          string           `json:"reason"`
}

// Result 一次分析的结果
type Result struct {
	Proposals []FlagProposal `json:"proposals"`
	Summary   string         `json:"summary"`
}

// Analyzer 异常行为分析接口
type Analyzer interface {
	// Analyze 对指定时间窗口内的出站活动做一次分析
	Analyze(ctx context.Context, since, until time.Time) (*Result, error)
}

// HTTPAnalyzer 基于外部分析服务的实现
type HTTPAnalyzer struct {
	url        string
	httpClient *http.Client
	log        *zap.Logger
}

// NewHTTPAnalyzer 创建分析服务客户端
func NewHTTPAnalyzer(cfg config.ReviewConfig, log *zap.Logger) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		url: cfg.AnalyzerURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// Analyze 实现 Analyzer
func (a *HTTPAnalyzer) Analyze(ctx context.Context, since, until time.Time) (*Result, error) {
	payload, err := json.Marshal(map[string]string{
		"since": since.UTC().Format(time.RFC3339),
		"until": until.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call analyzer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return nil, fmt.Errorf("analyzer error: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode analyzer response: %w", err)
	}

	a.log.Info("分析完成",
		zap.Int("proposals", len(result.Proposals)),
		zap.Time("since", since),
		zap.Time("until", until))

	return &result, nil
}

// NoopAnalyzer 未配置分析服务时的空实现，返回空结果
type NoopAnalyzer struct{}

// Analyze 实现 Analyzer
func (NoopAnalyzer) Analyze(context.Context, time.Time, time.Time) (*Result, error) {
	return &Result{Summary: "analyzer not configured"}, nil
}

// NewAnalyzer 根据配置选择分析实现
func NewAnalyzer(cfg config.ReviewConfig, log *zap.Logger) Analyzer {
	if cfg.AnalyzerURL == "" {
		return NoopAnalyzer{}
	}
	return NewHTTPAnalyzer(cfg, log)
}
