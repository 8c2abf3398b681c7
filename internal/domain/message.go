package domain

import "time"

// MessageDirection 表示邮件的收发方向
type MessageDirection string

const (
	// DirectionInbound 入站邮件（经服务商 Webhook 到达）
	DirectionInbound MessageDirection = "inbound"
	// DirectionOutbound 出站邮件（由 Bot 通过发信管道发出）
	DirectionOutbound MessageDirection = "outbound"
)

// Message 表示一封经过中继的邮件。
//
// ThreadID 在回复链内保持稳定: 当 InReplyTo 能解析到已存储的
// Message 时继承其 ThreadID，否则铸造新标识。
type Message struct {
	ID          string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	BotID       string           `json:"botId" gorm:"type:varchar(36);index;not null"`
	Direction   MessageDirection `json:"direction" gorm:"type:varchar(10);index;not null"`
	FromAddress string           `json:"fromAddress" gorm:"type:varchar(255)"`
	ToAddress   string           `json:"toAddress" gorm:"type:varchar(255)"`
	Subject     string           `json:"subject" gorm:"type:varchar(500)"`
	BodyText    string           `json:"bodyText" gorm:"type:text"`
	BodyHTML    string           `json:"bodyHtml" gorm:"type:text"`
	ThreadID    string           `json:"threadId" gorm:"type:varchar(36);index;not null"`
	MessageID   string           `json:"messageId" gorm:"column:message_id;type:varchar(255);uniqueIndex;not null"` // RFC-822 风格 <token>@domain
	InReplyTo   *string          `json:"inReplyTo,omitempty" gorm:"type:varchar(255)"`
	CreatedAt   time.Time        `json:"createdAt"`
}
