package domain

import "time"

// ClaimResult 是认领操作的原子结果
type ClaimResult struct {
	Bot    *Bot
	Handle *Handle // 认领时自动绑定的 Handle，未发生绑定为 nil
}

// Store 聚合所有存储接口
type Store interface {
	// ========== Bot Repository ==========
	SaveBot(bot *Bot) error
	GetBot(id string) (*Bot, error)
	GetBotByAPIKey(apiKey string) (*Bot, error)
	GetBotByClaimToken(token string) (*Bot, error)
	UpdateBotAPIKey(botID, newKey string) error

	// ClaimBot 原子化兑换认领令牌: 条件更新（仅当令牌未被兑换）
	// 设置 UserID、清空 ClaimToken、写入 ClaimedAt；若该用户已持有
	// 未绑定 Bot 的 Handle，则在同一事务内建立绑定。
	// 并发兑换同一令牌时只有一个调用成功，其余返回 ErrTokenClaimed。
	ClaimBot(token, userID string, now time.Time) (*ClaimResult, error)

	// ========== Handle Repository ==========
	SaveHandle(handle *Handle) error
	GetHandle(id string) (*Handle, error)
	GetHandleByAddress(address string) (*Handle, error)
	GetHandleByUserID(userID string) (*Handle, error)
	GetHandleByBotID(botID string) (*Handle, error)

	// ========== Message Repository ==========
	SaveMessage(message *Message) error
	GetMessage(botID, id string) (*Message, error)
	GetMessageByMessageID(messageID string) (*Message, error)
	ListMessagesByBot(botID string, direction *MessageDirection, page, pageSize int) ([]Message, int, error)

	// ========== Quota Repository ==========
	GetQuotaUsed(botID, day string) (int, error)

	// RecordOutbound 将配额检查、投递与落库合并为一个原子单元: 锁定
	// (botID, day) 配额行，已达 limit 返回 ErrQuotaLimitReached；否则
	// 执行 deliver 回调（出错回滚整个单元），随后在同一事务内写入
	// Message 并递增计数。返回递增后的已用额度。
	RecordOutbound(botID, day string, limit int, message *Message, deliver func() error) (int, error)

	// ========== Security Flag Repository ==========
	CreateFlag(flag *SecurityFlag) error
	GetFlag(id string) (*SecurityFlag, error)
	ListFlags(filter FlagFilter) ([]SecurityFlag, int, error)

	// RejectFlag / ApplyFlag 是以 review_status = pending 为前置条件的
	// 条件更新；并发操作同一 Flag 时恰有一个成功，其余返回
	// ErrFlagNotPending。ApplyFlag 在同一事务内更新 Bot.Status。
	RejectFlag(id string, now time.Time) (*SecurityFlag, error)
	ApplyFlag(id string, status BotStatus, now time.Time) (*SecurityFlag, error)

	// ReinstateBot 仅当 Bot.Status != normal 时将状态复位为 normal
	// 并清零 TotalFlags；历史 Flag 记录不受影响。
	ReinstateBot(botID string) (*Bot, error)

	// ========== User Repository ==========
	CreateUser(user *User) error
	GetUserByID(id string) (*User, error)
	GetUserByEmail(email string) (*User, error)
	GetUserByUsername(username string) (*User, error)
	UpdateUser(user *User) error
	UpdateLastLogin(userID string) error

	// ========== Lifecycle ==========
	Close() error
	Health() error
}
