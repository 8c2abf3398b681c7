package domain

import "time"

// QuotaDayLayout 配额行日期键的格式（UTC 日历日）
const QuotaDayLayout = "2006-01-02"

// QuotaUsage 表示单个 Bot 在单个 UTC 日的发信计数。
//
// 复合主键 (BotID, Day)；首次发信时惰性创建。
// 检查-递增序列必须按行原子执行，防止并发发送双双越过上限。
type QuotaUsage struct {
	BotID      string `json:"botId" gorm:"primaryKey;type:varchar(36)"`
	Day        string `json:"day" gorm:"primaryKey;type:varchar(10)"` // "2006-01-02" (UTC)
	EmailsSent int    `json:"emailsSent" gorm:"default:0"`
}

// QuotaDay 返回给定时刻所属的 UTC 日期键
func QuotaDay(t time.Time) string {
	return t.UTC().Format(QuotaDayLayout)
}

// QuotaResetTime 返回给定时刻之后配额重置的时间（下一个 UTC 零点）
func QuotaResetTime(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// QuotaSnapshot 是发送响应中携带的配额视图
type QuotaSnapshot struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resetsAt"`
}
