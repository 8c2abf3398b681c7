package storage

import (
	"errors"
	"time"

	"botmail/backend/internal/domain"
)

var (
	// ErrBotNotFound Bot 未找到错误
	ErrBotNotFound = errors.New("bot not found")
	// ErrHandleNotFound Handle 未找到错误
	ErrHandleNotFound = errors.New("handle not found")
	// ErrHandleExists Handle 地址已被占用错误
	ErrHandleExists = errors.New("handle address already taken")
	// ErrUserHasHandle 用户已持有 Handle 错误
	ErrUserHasHandle = errors.New("user already owns a handle")
	// ErrMessageNotFound 邮件未找到错误
	ErrMessageNotFound = errors.New("message not found")
	// ErrFlagNotFound 安全标记未找到错误
	ErrFlagNotFound = errors.New("security flag not found")
	// ErrFlagNotPending 安全标记已进入终态错误
	ErrFlagNotPending = errors.New("security flag is not pending")
	// ErrTokenClaimed 认领令牌已被兑换错误
	ErrTokenClaimed = errors.New("claim token already redeemed")
	// ErrBotNotRestricted Bot 已处于 normal 状态错误
	ErrBotNotRestricted = errors.New("bot status is already normal")
	// ErrQuotaLimitReached 当日配额已用尽错误
	ErrQuotaLimitReached = errors.New("daily quota limit reached")
	// ErrUserNotFound 用户未找到错误
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailExists 邮箱已被注册错误
	ErrEmailExists = errors.New("email already exists")
)

// BotRepository 定义 Bot 数据存取操作。
type BotRepository interface {
	SaveBot(bot *domain.Bot) error
	GetBot(id string) (*domain.Bot, error)
	GetBotByAPIKey(apiKey string) (*domain.Bot, error)
	GetBotByClaimToken(token string) (*domain.Bot, error)
	UpdateBotAPIKey(botID, newKey string) error
	ClaimBot(token, userID string, now time.Time) (*domain.ClaimResult, error)
}

// HandleRepository 定义 Handle 数据存取操作。
type HandleRepository interface {
	SaveHandle(handle *domain.Handle) error
	GetHandle(id string) (*domain.Handle, error)
	GetHandleByAddress(address string) (*domain.Handle, error)
	GetHandleByUserID(userID string) (*domain.Handle, error)
	GetHandleByBotID(botID string) (*domain.Handle, error)
}

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	SaveMessage(message *domain.Message) error
	GetMessage(botID, id string) (*domain.Message, error)
	GetMessageByMessageID(messageID string) (*domain.Message, error)
	ListMessagesByBot(botID string, direction *domain.MessageDirection, page, pageSize int) ([]domain.Message, int, error)
}

// QuotaRepository 定义配额数据存取操作。
type QuotaRepository interface {
	GetQuotaUsed(botID, day string) (int, error)
	RecordOutbound(botID, day string, limit int, message *domain.Message, deliver func() error) (int, error)
}

// FlagRepository 定义安全标记数据存取操作。
type FlagRepository interface {
	CreateFlag(flag *domain.SecurityFlag) error
	GetFlag(id string) (*domain.SecurityFlag, error)
	ListFlags(filter domain.FlagFilter) ([]domain.SecurityFlag, int, error)
	RejectFlag(id string, now time.Time) (*domain.SecurityFlag, error)
	ApplyFlag(id string, status domain.BotStatus, now time.Time) (*domain.SecurityFlag, error)
	ReinstateBot(botID string) (*domain.Bot, error)
}

// UserRepository 定义用户数据存取操作。
type UserRepository interface {
	CreateUser(user *domain.User) error
	GetUserByID(id string) (*domain.User, error)
	GetUserByEmail(email string) (*domain.User, error)
	GetUserByUsername(username string) (*domain.User, error)
	UpdateUser(user *domain.User) error
	UpdateLastLogin(userID string) error
}

// Store 聚合全部存储能力，等价于 domain.Store。
type Store = domain.Store
