package domain

import (
	"errors"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrHandleTooShort = errors.New("handle too short (min 3 chars)")
	ErrHandleInvalid  = errors.New("handle contains no usable characters")
	ErrNameRequired   = errors.New("name must not be empty")
	ErrNameTooLong    = errors.New("name too long (max 100 chars)")
)

// 验证常量
const (
	// Handle 本地部分长度限制
	MinHandleLength = 3
	MaxHandleLength = 30

	// Bot 名称长度限制
	MaxBotNameLength = 100
)

// handleDisallowed 匹配 Handle 中不允许的字符（合法字符集为 [a-z0-9_]）
var handleDisallowed = regexp.MustCompile(`[^a-z0-9_]`)

// NormalizeHandle 将原始输入规整为合法的 Handle 地址。
//
// 规则: 转小写、剔除非 [a-z0-9_] 字符、截断到 30 字符；
// 规整后不足 3 字符返回 ErrHandleTooShort。
func NormalizeHandle(raw string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = handleDisallowed.ReplaceAllString(normalized, "")

	if normalized == "" {
		return "", ErrHandleInvalid
	}
	if len(normalized) > MaxHandleLength {
		normalized = normalized[:MaxHandleLength]
	}
	if len(normalized) < MinHandleLength {
		return "", ErrHandleTooShort
	}

	return normalized, nil
}

// ValidateBotName 验证 Bot 注册名称
func ValidateBotName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ErrNameRequired
	}
	if len(trimmed) > MaxBotNameLength {
		return ErrNameTooLong
	}
	return nil
}
