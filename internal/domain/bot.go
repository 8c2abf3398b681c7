package domain

import "time"

// BotStatus 表示 Bot 的信任状态
type BotStatus string

const (
	// BotStatusNormal 正常状态，不受任何限制
	BotStatusNormal BotStatus = "normal"
	// BotStatusFlagged 被标记，存在可疑行为但尚未复核
	BotStatusFlagged BotStatus = "flagged"
	// BotStatusUnderReview 人工复核中
	BotStatusUnderReview BotStatus = "under_review"
	// BotStatusSuspended 已封禁，发信管道拒绝其请求
	BotStatusSuspended BotStatus = "suspended"
)

// Valid 判断状态值是否为已知状态
func (s BotStatus) Valid() bool {
	switch s {
	case BotStatusNormal, BotStatusFlagged, BotStatusUnderReview, BotStatusSuspended:
		return true
	}
	return false
}

// Restricted 判断状态是否属于可由 Flag 施加的非 normal 状态
func (s BotStatus) Restricted() bool {
	switch s {
	case BotStatusFlagged, BotStatusUnderReview, BotStatusSuspended:
		return true
	}
	return false
}

// Bot 表示一个可收发邮件的自治代理身份。
//
// 不变量: ClaimToken 仅在 UserID 为 nil 时非空；
// 设置 UserID（被认领）时必须原子地清空 ClaimToken。
type Bot struct {
	ID         string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name       string     `json:"name" gorm:"type:varchar(100);not null"`
	APIKey     string     `json:"-" gorm:"column:api_key;type:varchar(255);uniqueIndex;not null"` // 机器认证密钥，可轮换
	ClaimToken *string    `json:"claimToken,omitempty" gorm:"type:varchar(64);uniqueIndex"`       // 一次性认领令牌，认领后置空
	UserID     *string    `json:"userId,omitempty" gorm:"type:varchar(36);index"`                 // 认领者，认领前为 nil
	Verified   bool       `json:"verified" gorm:"default:false"`
	Status     BotStatus  `json:"status" gorm:"type:varchar(20);default:normal;index"`
	TotalFlags int        `json:"totalFlags" gorm:"default:0"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Claimed 判断 Bot 是否已被用户认领
func (b *Bot) Claimed() bool {
	return b.UserID != nil
}
