package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHandle(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
		err      error
	}{
		{
			name:     "合法地址原样保留",
			input:    "sales_bot_01",
			expected: "sales_bot_01",
		},
		{
			name:     "大写转小写",
			input:    "SalesBot",
			expected: "salesbot",
		},
		{
			name:     "剔除非法字符",
			input:    "sales-bot.01!",
			expected: "salesbot01",
		},
		{
			name:     "首尾空白被剔除",
			input:    "  acme_outreach  ",
			expected: "acme_outreach",
		},
		{
			name:     "超长截断到30字符",
			input:    strings.Repeat("a", 40),
			expected: strings.Repeat("a", 30),
		},
		{
			name:  "规整后过短",
			input: "a-b",
			err:   ErrHandleTooShort,
		},
		{
			name:  "全部字符非法",
			input: "!!##@@",
			err:   ErrHandleInvalid,
		},
		{
			name:  "空字符串",
			input: "",
			err:   ErrHandleInvalid,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := NormalizeHandle(tc.input)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestValidateBotName(t *testing.T) {
	assert.NoError(t, ValidateBotName("Outreach Assistant"))
	assert.ErrorIs(t, ValidateBotName(""), ErrNameRequired)
	assert.ErrorIs(t, ValidateBotName("   "), ErrNameRequired)
	assert.ErrorIs(t, ValidateBotName(strings.Repeat("x", 101)), ErrNameTooLong)
}

func TestQuotaDay(t *testing.T) {
	// 配额日按 UTC 结算，本地时区不影响日期键
	beijing := time.FixedZone("CST", 8*3600)
	local := time.Date(2026, 3, 15, 6, 30, 0, 0, beijing)

	assert.Equal(t, "2026-03-14", QuotaDay(local))
}

func TestQuotaResetTime(t *testing.T) {
	now := time.Date(2026, 3, 14, 22, 30, 0, 0, time.UTC)
	reset := QuotaResetTime(now)

	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), reset)
}

func TestBotStatus(t *testing.T) {
	assert.True(t, BotStatusNormal.Valid())
	assert.True(t, BotStatusSuspended.Valid())
	assert.False(t, BotStatus("banned").Valid())

	assert.False(t, BotStatusNormal.Restricted())
	assert.True(t, BotStatusFlagged.Restricted())
	assert.True(t, BotStatusUnderReview.Restricted())
	assert.True(t, BotStatusSuspended.Restricted())
}

func TestFlagDateBucket(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), BucketToday.Since(now))
	assert.Equal(t, time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC), BucketLast7.Since(now))
	assert.True(t, FlagDateBucket("").Since(now).IsZero())
}
