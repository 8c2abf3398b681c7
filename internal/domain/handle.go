package domain

import "time"

// Handle 表示由人类用户持有的发信地址本地部分。
//
// 不变量: 每个用户至多持有一个 Handle；BotID 至多被一个 Handle 引用
// （1:1 绑定，在链接时检查，而非仅依赖数据库约束）。
type Handle struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address    string    `json:"address" gorm:"type:varchar(30);uniqueIndex;not null"` // 本地部分，3-30 字符 [a-z0-9_]
	UserID     string    `json:"userId" gorm:"type:varchar(36);uniqueIndex;not null"`
	BotID      *string   `json:"botId,omitempty" gorm:"type:varchar(36);uniqueIndex"` // 当前绑定的 Bot，未绑定为 nil
	SenderName string    `json:"senderName" gorm:"type:varchar(100)"`
	ReservedAt time.Time `json:"reservedAt"`
}

// Linked 判断 Handle 是否已绑定 Bot
func (h *Handle) Linked() bool {
	return h.BotID != nil
}
