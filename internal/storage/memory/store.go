package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/storage"
)

// Store 使用内存保存全部中继数据，主要用于开发验证与测试。
//
// 所有条件更新（认领、配额递增、标记流转）都在同一把互斥锁内完成，
// 与 SQL 实现的行级锁语义等价。
type Store struct {
	mu sync.Mutex

	bots         map[string]*domain.Bot // botID -> bot
	byAPIKey     map[string]string      // apiKey -> botID
	byClaimToken map[string]string      // claimToken -> botID

	handles      map[string]*domain.Handle // handleID -> handle
	byAddress    map[string]string         // address -> handleID
	byHandleUser map[string]string         // userID -> handleID
	byHandleBot  map[string]string         // botID -> handleID

	messages    map[string]*domain.Message // id -> message
	byMessageID map[string]string          // RFC-822 messageId -> id

	quotas map[string]int // "botID|day" -> emailsSent

	flags map[string]*domain.SecurityFlag // flagID -> flag

	users      map[string]*domain.User // userID -> user
	byEmail    map[string]string       // email -> userID
	byUsername map[string]string       // username -> userID
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		bots:         make(map[string]*domain.Bot),
		byAPIKey:     make(map[string]string),
		byClaimToken: make(map[string]string),
		handles:      make(map[string]*domain.Handle),
		byAddress:    make(map[string]string),
		byHandleUser: make(map[string]string),
		byHandleBot:  make(map[string]string),
		messages:     make(map[string]*domain.Message),
		byMessageID:  make(map[string]string),
		quotas:       make(map[string]int),
		flags:        make(map[string]*domain.SecurityFlag),
		users:        make(map[string]*domain.User),
		byEmail:      make(map[string]string),
		byUsername:   make(map[string]string),
	}
}

// ========== Bot Repository ==========

// SaveBot 保存或更新 Bot
func (s *Store) SaveBot(bot *domain.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bots[bot.ID]; ok {
		delete(s.byAPIKey, existing.APIKey)
		if existing.ClaimToken != nil {
			delete(s.byClaimToken, *existing.ClaimToken)
		}
	}

	clone := *bot
	s.bots[bot.ID] = &clone
	s.byAPIKey[bot.APIKey] = bot.ID
	if bot.ClaimToken != nil {
		s.byClaimToken[*bot.ClaimToken] = bot.ID
	}
	return nil
}

// GetBot 按 ID 查询 Bot
func (s *Store) GetBot(id string) (*domain.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.botLocked(id)
}

func (s *Store) botLocked(id string) (*domain.Bot, error) {
	bot, ok := s.bots[id]
	if !ok {
		return nil, storage.ErrBotNotFound
	}
	clone := *bot
	return &clone, nil
}

// GetBotByAPIKey 按 API Key 查询 Bot
func (s *Store) GetBotByAPIKey(apiKey string) (*domain.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAPIKey[apiKey]
	if !ok {
		return nil, storage.ErrBotNotFound
	}
	return s.botLocked(id)
}

// GetBotByClaimToken 按认领令牌查询 Bot
func (s *Store) GetBotByClaimToken(token string) (*domain.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byClaimToken[token]
	if !ok {
		return nil, storage.ErrBotNotFound
	}
	bot, err := s.botLocked(id)
	if err != nil {
		return nil, err
	}
	// 令牌索引保留已兑换的墓碑记录，但已认领的 Bot 不可再按令牌查询
	if bot.UserID != nil {
		return nil, storage.ErrBotNotFound
	}
	return bot, nil
}

// UpdateBotAPIKey 轮换 Bot 的 API Key
func (s *Store) UpdateBotAPIKey(botID, newKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, ok := s.bots[botID]
	if !ok {
		return storage.ErrBotNotFound
	}
	delete(s.byAPIKey, bot.APIKey)
	bot.APIKey = newKey
	s.byAPIKey[newKey] = botID
	return nil
}

// ClaimBot 原子化兑换认领令牌
func (s *Store) ClaimBot(token, userID string, now time.Time) (*domain.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byClaimToken[token]
	if !ok {
		return nil, storage.ErrBotNotFound
	}
	bot := s.bots[id]
	if bot.UserID != nil {
		return nil, storage.ErrTokenClaimed
	}

	// 设置归属并清空令牌（同一临界区内完成）；令牌索引保留墓碑，
	// 使竞争失败方拿到冲突而非未找到
	bot.UserID = &userID
	bot.ClaimToken = nil
	claimedAt := now
	bot.ClaimedAt = &claimedAt

	result := &domain.ClaimResult{}
	clone := *bot
	result.Bot = &clone

	// 认领者已持有未绑定的 Handle 时自动建立绑定
	if handleID, ok := s.byHandleUser[userID]; ok {
		handle := s.handles[handleID]
		if handle.BotID == nil {
			handle.BotID = &bot.ID
			s.byHandleBot[bot.ID] = handleID
			hclone := *handle
			result.Handle = &hclone
		}
	}

	return result, nil
}

// ========== Handle Repository ==========

// SaveHandle 保存 Handle，检查地址与用户的唯一性
func (s *Store) SaveHandle(handle *domain.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existingID, hasExisting := s.byAddress[handle.Address]
	if hasExisting && existingID != handle.ID {
		return storage.ErrHandleExists
	}
	if ownedID, ok := s.byHandleUser[handle.UserID]; ok && ownedID != handle.ID {
		return storage.ErrUserHasHandle
	}

	if existing, ok := s.handles[handle.ID]; ok {
		delete(s.byAddress, existing.Address)
		if existing.BotID != nil {
			delete(s.byHandleBot, *existing.BotID)
		}
	}

	clone := *handle
	s.handles[handle.ID] = &clone
	s.byAddress[handle.Address] = handle.ID
	s.byHandleUser[handle.UserID] = handle.ID
	if handle.BotID != nil {
		s.byHandleBot[*handle.BotID] = handle.ID
	}
	return nil
}

// GetHandle 按 ID 查询 Handle
func (s *Store) GetHandle(id string) (*domain.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, ok := s.handles[id]
	if !ok {
		return nil, storage.ErrHandleNotFound
	}
	clone := *handle
	return &clone, nil
}

// GetHandleByAddress 按地址本地部分查询 Handle
func (s *Store) GetHandleByAddress(address string) (*domain.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAddress[strings.ToLower(address)]
	if !ok {
		return nil, storage.ErrHandleNotFound
	}
	clone := *s.handles[id]
	return &clone, nil
}

// GetHandleByUserID 按持有者查询 Handle
func (s *Store) GetHandleByUserID(userID string) (*domain.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHandleUser[userID]
	if !ok {
		return nil, storage.ErrHandleNotFound
	}
	clone := *s.handles[id]
	return &clone, nil
}

// GetHandleByBotID 按绑定的 Bot 查询 Handle
func (s *Store) GetHandleByBotID(botID string) (*domain.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHandleBot[botID]
	if !ok {
		return nil, storage.ErrHandleNotFound
	}
	clone := *s.handles[id]
	return &clone, nil
}

// ========== Message Repository ==========

// SaveMessage 保存邮件
func (s *Store) SaveMessage(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveMessageLocked(message)
}

func (s *Store) saveMessageLocked(message *domain.Message) error {
	clone := *message
	s.messages[message.ID] = &clone
	s.byMessageID[message.MessageID] = message.ID
	return nil
}

// GetMessage 查询指定 Bot 的一封邮件
func (s *Store) GetMessage(botID, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[id]
	if !ok || message.BotID != botID {
		return nil, storage.ErrMessageNotFound
	}
	clone := *message
	return &clone, nil
}

// GetMessageByMessageID 按协议级 Message-ID 查询邮件（回复串联用）
func (s *Store) GetMessageByMessageID(messageID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byMessageID[messageID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	clone := *s.messages[id]
	return &clone, nil
}

// ListMessagesByBot 分页列出 Bot 的邮件，按创建时间倒序
func (s *Store) ListMessagesByBot(botID string, direction *domain.MessageDirection, page, pageSize int) ([]domain.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.Message
	for _, message := range s.messages {
		if message.BotID != botID {
			continue
		}
		if direction != nil && message.Direction != *direction {
			continue
		}
		matched = append(matched, *message)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []domain.Message{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// ========== Quota Repository ==========

func quotaKey(botID, day string) string {
	return botID + "|" + day
}

// GetQuotaUsed 查询指定日的已用额度，无记录返回 0
func (s *Store) GetQuotaUsed(botID, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotas[quotaKey(botID, day)], nil
}

// RecordOutbound 在单一临界区内完成检查-投递-记录-递增
func (s *Store) RecordOutbound(botID, day string, limit int, message *domain.Message, deliver func() error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey(botID, day)
	used := s.quotas[key]
	if used >= limit {
		return used, storage.ErrQuotaLimitReached
	}

	// 投递硬失败时不产生任何状态变更
	if err := deliver(); err != nil {
		return used, err
	}

	if err := s.saveMessageLocked(message); err != nil {
		return used, err
	}
	s.quotas[key] = used + 1
	return used + 1, nil
}

// ========== Security Flag Repository ==========

// CreateFlag 创建待复核标记并递增 Bot 的累计标记数
func (s *Store) CreateFlag(flag *domain.SecurityFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, ok := s.bots[flag.BotID]
	if !ok {
		return storage.ErrBotNotFound
	}

	clone := *flag
	s.flags[flag.ID] = &clone
	bot.TotalFlags++
	return nil
}

// GetFlag 按 ID 查询标记
func (s *Store) GetFlag(id string) (*domain.SecurityFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[id]
	if !ok {
		return nil, storage.ErrFlagNotFound
	}
	clone := *flag
	return &clone, nil
}

// ListFlags 按条件分页列出标记，FlaggedAt 倒序
func (s *Store) ListFlags(filter domain.FlagFilter) ([]domain.SecurityFlag, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := filter.DateBucket.Since(time.Now())

	var matched []domain.SecurityFlag
	for _, flag := range s.flags {
		if filter.BotStatus != nil {
			bot, ok := s.bots[flag.BotID]
			if !ok || bot.Status != *filter.BotStatus {
				continue
			}
		}
		if !since.IsZero() && flag.FlaggedAt.Before(since) {
			continue
		}
		matched = append(matched, *flag)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].FlaggedAt.After(matched[j].FlaggedAt)
	})

	total := len(matched)
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []domain.SecurityFlag{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// RejectFlag 驳回待复核标记，Bot 状态不变
func (s *Store) RejectFlag(id string, now time.Time) (*domain.SecurityFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[id]
	if !ok {
		return nil, storage.ErrFlagNotFound
	}
	if flag.ReviewStatus != domain.FlagPending {
		return nil, storage.ErrFlagNotPending
	}

	flag.ReviewStatus = domain.FlagRejected
	clone := *flag
	return &clone, nil
}

// ApplyFlag 采纳待复核标记并联动更新 Bot 状态
func (s *Store) ApplyFlag(id string, status domain.BotStatus, now time.Time) (*domain.SecurityFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[id]
	if !ok {
		return nil, storage.ErrFlagNotFound
	}
	if flag.ReviewStatus != domain.FlagPending {
		return nil, storage.ErrFlagNotPending
	}
	bot, ok := s.bots[flag.BotID]
	if !ok {
		return nil, storage.ErrBotNotFound
	}

	flag.ReviewStatus = domain.FlagApplied
	flag.AppliedStatus = &status
	appliedAt := now
	flag.AppliedAt = &appliedAt
	bot.Status = status

	clone := *flag
	return &clone, nil
}

// ReinstateBot 将受限 Bot 复位为 normal 并清零累计标记
func (s *Store) ReinstateBot(botID string) (*domain.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, ok := s.bots[botID]
	if !ok {
		return nil, storage.ErrBotNotFound
	}
	if bot.Status == domain.BotStatusNormal {
		return nil, storage.ErrBotNotRestricted
	}

	bot.Status = domain.BotStatusNormal
	bot.TotalFlags = 0
	clone := *bot
	return &clone, nil
}

// ========== User Repository ==========

// CreateUser 创建用户
func (s *Store) CreateUser(user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[strings.ToLower(user.Email)]; ok {
		return storage.ErrEmailExists
	}

	clone := *user
	s.users[user.ID] = &clone
	s.byEmail[strings.ToLower(user.Email)] = user.ID
	if user.Username != "" {
		s.byUsername[strings.ToLower(user.Username)] = user.ID
	}
	return nil
}

// GetUserByID 按 ID 查询用户
func (s *Store) GetUserByID(id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

// GetUserByEmail 按邮箱查询用户
func (s *Store) GetUserByEmail(email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	clone := *s.users[id]
	return &clone, nil
}

// GetUserByUsername 按用户名查询用户
func (s *Store) GetUserByUsername(username string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	clone := *s.users[id]
	return &clone, nil
}

// UpdateUser 更新用户
func (s *Store) UpdateUser(user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; !ok {
		return storage.ErrUserNotFound
	}
	clone := *user
	s.users[user.ID] = &clone
	return nil
}

// UpdateLastLogin 更新最后登录时间
func (s *Store) UpdateLastLogin(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	now := time.Now().UTC()
	user.LastLoginAt = &now
	return nil
}

// ========== Lifecycle ==========

// Close 关闭存储（内存实现为空操作）
func (s *Store) Close() error {
	return nil
}

// Health 健康检查（内存实现总是健康）
func (s *Store) Health() error {
	return nil
}
