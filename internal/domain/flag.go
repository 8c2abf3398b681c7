package domain

import "time"

// FlagReviewStatus 表示安全标记的复核状态
type FlagReviewStatus string

const (
	// FlagPending 待复核，唯一可流转的状态
	FlagPending FlagReviewStatus = "pending"
	// FlagApplied 已采纳，Bot 状态已被修改
	FlagApplied FlagReviewStatus = "applied"
	// FlagRejected 已驳回，Bot 状态未变
	FlagRejected FlagReviewStatus = "rejected"
)

// SecurityFlag 表示外部分析进程对 Bot 提出的信任状态变更提案。
//
// 生命周期: 仅由外部分析进程以 pending 创建；终止于 applied
// （修改 Bot.Status 并记录 AppliedStatus/AppliedAt）或 rejected。
// 进入终态后不可再变更，作为审计记录长期保留。
type SecurityFlag struct {
	ID              string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID       *string          `json:"messageId,omitempty" gorm:"type:varchar(36);index"` // 触发该标记的邮件，可为空
	BotID           string           `json:"botId" gorm:"type:varchar(36);index;not null"`
	SuggestedStatus BotStatus        `json:"suggestedStatus" gorm:"type:varchar(20);not null"`
	Reason          string           `json:"reason" gorm:"type:varchar(500)"`
	ReviewStatus    FlagReviewStatus `json:"reviewStatus" gorm:"type:varchar(10);default:pending;index"`
	AppliedStatus   *BotStatus       `json:"appliedStatus,omitempty" gorm:"type:varchar(20)"`
	AppliedAt       *time.Time       `json:"appliedAt,omitempty"`
	FlaggedAt       time.Time        `json:"flaggedAt" gorm:"index"`
}

// Terminal 判断标记是否已进入终态
func (f *SecurityFlag) Terminal() bool {
	return f.ReviewStatus != FlagPending
}

// FlagDateBucket 标记列表的日期过滤档位
type FlagDateBucket string

const (
	BucketToday  FlagDateBucket = "today"
	BucketLast7  FlagDateBucket = "last7"
	BucketLast30 FlagDateBucket = "last30"
)

// Since 返回档位对应的起始时刻；未知档位返回零值（不过滤）
func (b FlagDateBucket) Since(now time.Time) time.Time {
	u := now.UTC()
	switch b {
	case BucketToday:
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	case BucketLast7:
		return u.Add(-7 * 24 * time.Hour)
	case BucketLast30:
		return u.Add(-30 * 24 * time.Hour)
	}
	return time.Time{}
}

// FlagFilter 标记列表查询条件
type FlagFilter struct {
	BotStatus  *BotStatus     // 按 Bot 当前信任状态过滤
	DateBucket FlagDateBucket // 按 FlaggedAt 日期档位过滤
	Page       int            // 从 1 开始
	PageSize   int
}
