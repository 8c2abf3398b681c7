package httptransport

import (
	"botmail/backend/internal/domain"
	"botmail/backend/internal/service"
	"botmail/backend/internal/storage"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	// 身份绑定错误
	service.ErrClaimTokenNotFound: "认领令牌不存在",
	service.ErrClaimTokenUsed:     "认领令牌已被兑换",
	service.ErrHandleTaken:        "该地址已被占用",
	service.ErrUserOwnsHandle:     "您已拥有一个发信地址",
	domain.ErrHandleTooShort:      "地址至少需要3个字符",
	domain.ErrHandleInvalid:       "地址格式无效",
	domain.ErrNameRequired:        "名称不能为空",
	domain.ErrNameTooLong:         "名称过长",

	// 发信管道错误
	service.ErrInvalidAPIKey:     "API密钥无效",
	service.ErrBotSuspended:      "Bot已被封禁，发信被拒绝",
	service.ErrBotNotLinked:      "Bot尚未绑定发信地址",
	service.ErrRecipientRequired: "收件人不能为空",

	// 信任复核错误
	service.ErrFlagAlreadyReviewed: "该标记已完成复核",
	service.ErrInvalidTargetStatus: "目标状态必须为 flagged、under_review 或 suspended",
	service.ErrBotAlreadyNormal:    "Bot已处于正常状态",

	// 存储错误
	storage.ErrBotNotFound:     "Bot不存在",
	storage.ErrHandleNotFound:  "发信地址不存在",
	storage.ErrFlagNotFound:    "安全标记不存在",
	storage.ErrMessageNotFound: "邮件不存在",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	if msg, ok := errorMessages[err]; ok {
		return msg
	}
	return err.Error()
}

// 通用错误消息
const (
	MsgInvalidRequest   = "请求参数格式错误"
	MsgAuthRequired     = "需要登录认证"
	MsgInternalError    = "服务器内部错误，请稍后重试"
	MsgDeliveryFailed   = "外部投递服务故障，请稍后重试"
	MsgQuotaExceeded    = "今日发信额度已用尽"
	MsgReviewFailed     = "触发复核扫描失败"
	MsgInvalidCreds     = "邮箱或密码错误"
	MsgTokenInvalid     = "无效的访问令牌"
	MsgRegisterFailed   = "注册失败，请稍后重试"
	MsgRotateKeyFailed  = "轮换密钥失败"
	MsgSendFailed       = "发送失败，请稍后重试"
	MsgInboxFailed      = "获取邮件列表失败"
	MsgFlagListFailed   = "获取标记列表失败"
	MsgFlagActionFailed = "标记操作失败"
)
