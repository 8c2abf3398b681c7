package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
//
// 认领、配额递增、标记流转等条件更新全部通过行级锁事务实现，
// 竞争范围限定在单个 Bot 的配额行或单个 Flag 行。
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建 SQL 数据库存储
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var gormDB *gorm.DB
	switch driverName {
	case "mysql":
		gormDB, err = gorm.Open(mysql.New(mysql.Config{Conn: db}), gormConfig)
	case "postgres":
		gormDB, err = gorm.Open(postgres.New(postgres.Config{Conn: db}), gormConfig)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) migrate() error {
	return s.gormDB.AutoMigrate(
		&domain.User{},
		&domain.Bot{},
		&domain.Handle{},
		&domain.Message{},
		&domain.QuotaUsage{},
		&domain.SecurityFlag{},
		&claimRedemption{},
	)
}

// forUpdate 行级排他锁子句
var forUpdate = clause.Locking{Strength: "UPDATE"}

// isDuplicate 判断是否为唯一约束冲突
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}

// ========== Bot Repository ==========

// SaveBot 保存或更新 Bot
func (s *Store) SaveBot(bot *domain.Bot) error {
	return s.gormDB.Save(bot).Error
}

// GetBot 按 ID 查询 Bot
func (s *Store) GetBot(id string) (*domain.Bot, error) {
	var bot domain.Bot
	if err := s.gormDB.Where("id = ?", id).First(&bot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrBotNotFound
		}
		return nil, err
	}
	return &bot, nil
}

// GetBotByAPIKey 按 API Key 查询 Bot
func (s *Store) GetBotByAPIKey(apiKey string) (*domain.Bot, error) {
	var bot domain.Bot
	if err := s.gormDB.Where("api_key = ?", apiKey).First(&bot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrBotNotFound
		}
		return nil, err
	}
	return &bot, nil
}

// GetBotByClaimToken 按认领令牌查询未认领的 Bot
func (s *Store) GetBotByClaimToken(token string) (*domain.Bot, error) {
	var bot domain.Bot
	err := s.gormDB.Where("claim_token = ? AND user_id IS NULL", token).First(&bot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrBotNotFound
		}
		return nil, err
	}
	return &bot, nil
}

// UpdateBotAPIKey 轮换 Bot 的 API Key
func (s *Store) UpdateBotAPIKey(botID, newKey string) error {
	result := s.gormDB.Model(&domain.Bot{}).
		Where("id = ?", botID).
		UpdateColumn("api_key", newKey)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrBotNotFound
	}
	return nil
}

// claimRedemption 已兑换令牌的墓碑记录，使竞争失败方拿到
// 冲突而非未找到
type claimRedemption struct {
	Token      string `gorm:"primaryKey;size:64"`
	BotID      string `gorm:"size:36"`
	RedeemedAt time.Time
}

func (claimRedemption) TableName() string { return "claim_redemptions" }

// ClaimBot 原子化兑换认领令牌
//
// 条件更新保证并发兑换同一令牌时恰有一个请求成功；自动绑定
// Handle 在同一事务内完成，避免 Handle 短暂指向未认领的 Bot。
func (s *Store) ClaimBot(token, userID string, now time.Time) (*domain.ClaimResult, error) {
	result := &domain.ClaimResult{}

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		var bot domain.Bot
		if err := tx.Clauses(forUpdate).Where("claim_token = ?", token).First(&bot).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				var redeemed int64
				if cErr := tx.Model(&claimRedemption{}).Where("token = ?", token).Count(&redeemed).Error; cErr != nil {
					return cErr
				}
				if redeemed > 0 {
					return storage.ErrTokenClaimed
				}
				return storage.ErrBotNotFound
			}
			return err
		}

		updates := tx.Model(&domain.Bot{}).
			Where("id = ? AND user_id IS NULL", bot.ID).
			Updates(map[string]interface{}{
				"user_id":     userID,
				"claim_token": nil,
				"claimed_at":  now,
			})
		if updates.Error != nil {
			return updates.Error
		}
		if updates.RowsAffected == 0 {
			return storage.ErrTokenClaimed
		}
		if err := tx.Create(&claimRedemption{Token: token, BotID: bot.ID, RedeemedAt: now}).Error; err != nil {
			return err
		}

		bot.UserID = &userID
		bot.ClaimToken = nil
		claimedAt := now
		bot.ClaimedAt = &claimedAt
		result.Bot = &bot

		// 认领者已持有未绑定的 Handle 时自动建立绑定
		var handle domain.Handle
		err := tx.Clauses(forUpdate).Where("user_id = ? AND bot_id IS NULL", userID).First(&handle).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Model(&domain.Handle{}).
			Where("id = ?", handle.ID).
			UpdateColumn("bot_id", bot.ID).Error; err != nil {
			return err
		}
		handle.BotID = &bot.ID
		result.Handle = &handle
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ========== Handle Repository ==========

// SaveHandle 保存 Handle，检查地址与用户的唯一性
func (s *Store) SaveHandle(handle *domain.Handle) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.Handle{}).
			Where("address = ? AND id <> ?", handle.Address, handle.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return storage.ErrHandleExists
		}

		if err := tx.Model(&domain.Handle{}).
			Where("user_id = ? AND id <> ?", handle.UserID, handle.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return storage.ErrUserHasHandle
		}

		if err := tx.Save(handle).Error; err != nil {
			// 竞争窗口内的插入由唯一索引兜底
			if isDuplicate(err) {
				return storage.ErrHandleExists
			}
			return err
		}
		return nil
	})
}

// GetHandle 按 ID 查询 Handle
func (s *Store) GetHandle(id string) (*domain.Handle, error) {
	return s.findHandle("id = ?", id)
}

// GetHandleByAddress 按地址本地部分查询 Handle
func (s *Store) GetHandleByAddress(address string) (*domain.Handle, error) {
	return s.findHandle("address = ?", strings.ToLower(address))
}

// GetHandleByUserID 按持有者查询 Handle
func (s *Store) GetHandleByUserID(userID string) (*domain.Handle, error) {
	return s.findHandle("user_id = ?", userID)
}

// GetHandleByBotID 按绑定的 Bot 查询 Handle
func (s *Store) GetHandleByBotID(botID string) (*domain.Handle, error) {
	return s.findHandle("bot_id = ?", botID)
}

func (s *Store) findHandle(query string, arg interface{}) (*domain.Handle, error) {
	var handle domain.Handle
	if err := s.gormDB.Where(query, arg).First(&handle).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrHandleNotFound
		}
		return nil, err
	}
	return &handle, nil
}

// ========== Message Repository ==========

// SaveMessage 保存邮件
func (s *Store) SaveMessage(message *domain.Message) error {
	return s.gormDB.Create(message).Error
}

// GetMessage 查询指定 Bot 的一封邮件
func (s *Store) GetMessage(botID, id string) (*domain.Message, error) {
	var message domain.Message
	err := s.gormDB.Where("id = ? AND bot_id = ?", id, botID).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// GetMessageByMessageID 按协议级 Message-ID 查询邮件（回复串联用）
func (s *Store) GetMessageByMessageID(messageID string) (*domain.Message, error) {
	var message domain.Message
	err := s.gormDB.Where("message_id = ?", messageID).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// ListMessagesByBot 分页列出 Bot 的邮件，按创建时间倒序
func (s *Store) ListMessagesByBot(botID string, direction *domain.MessageDirection, page, pageSize int) ([]domain.Message, int, error) {
	query := s.gormDB.Model(&domain.Message{}).Where("bot_id = ?", botID)
	if direction != nil {
		query = query.Where("direction = ?", *direction)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var messages []domain.Message
	err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&messages).Error
	if err != nil {
		return nil, 0, err
	}
	return messages, int(total), nil
}

// ========== Quota Repository ==========

// GetQuotaUsed 查询指定日的已用额度，无记录返回 0
func (s *Store) GetQuotaUsed(botID, day string) (int, error) {
	var usage domain.QuotaUsage
	err := s.gormDB.Where("bot_id = ? AND day = ?", botID, day).First(&usage).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return usage.EmailsSent, nil
}

// RecordOutbound 在持有 (botID, day) 行锁的事务内完成检查-投递-记录-递增
//
// 两个并发请求同时读到 used = limit-1 时，后获锁者会在重新检查时
// 看到递增后的计数并被拒绝；投递硬失败回滚整个事务，不消耗配额
// 也不留下 Message 行。
func (s *Store) RecordOutbound(botID, day string, limit int, message *domain.Message, deliver func() error) (int, error) {
	used := 0
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		// 惰性创建当日配额行
		seed := domain.QuotaUsage{BotID: botID, Day: day}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var usage domain.QuotaUsage
		if err := tx.Clauses(forUpdate).
			Where("bot_id = ? AND day = ?", botID, day).
			First(&usage).Error; err != nil {
			return err
		}

		used = usage.EmailsSent
		if usage.EmailsSent >= limit {
			return storage.ErrQuotaLimitReached
		}

		if err := deliver(); err != nil {
			return err
		}

		if err := tx.Create(message).Error; err != nil {
			return err
		}
		if err := tx.Model(&domain.QuotaUsage{}).
			Where("bot_id = ? AND day = ?", botID, day).
			UpdateColumn("emails_sent", gorm.Expr("emails_sent + 1")).Error; err != nil {
			return err
		}

		used = usage.EmailsSent + 1
		return nil
	})
	return used, err
}

// ========== Security Flag Repository ==========

// CreateFlag 创建待复核标记并递增 Bot 的累计标记数
func (s *Store) CreateFlag(flag *domain.SecurityFlag) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.Bot{}).
			Where("id = ?", flag.BotID).
			UpdateColumn("total_flags", gorm.Expr("total_flags + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrBotNotFound
		}
		return tx.Create(flag).Error
	})
}

// GetFlag 按 ID 查询标记
func (s *Store) GetFlag(id string) (*domain.SecurityFlag, error) {
	var flag domain.SecurityFlag
	if err := s.gormDB.Where("id = ?", id).First(&flag).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrFlagNotFound
		}
		return nil, err
	}
	return &flag, nil
}

// ListFlags 按条件分页列出标记，FlaggedAt 倒序
func (s *Store) ListFlags(filter domain.FlagFilter) ([]domain.SecurityFlag, int, error) {
	query := s.gormDB.Model(&domain.SecurityFlag{})

	if filter.BotStatus != nil {
		query = query.
			Joins("JOIN bots ON bots.id = security_flags.bot_id").
			Where("bots.status = ?", *filter.BotStatus)
	}
	if since := filter.DateBucket.Since(time.Now()); !since.IsZero() {
		query = query.Where("security_flags.flagged_at >= ?", since)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	var flags []domain.SecurityFlag
	err := query.Order("security_flags.flagged_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&flags).Error
	if err != nil {
		return nil, 0, err
	}
	return flags, int(total), nil
}

// RejectFlag 驳回待复核标记，Bot 状态不变
func (s *Store) RejectFlag(id string, now time.Time) (*domain.SecurityFlag, error) {
	var flag *domain.SecurityFlag
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.SecurityFlag{}).
			Where("id = ? AND review_status = ?", id, domain.FlagPending).
			UpdateColumn("review_status", domain.FlagRejected)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return s.flagConflict(tx, id)
		}

		var updated domain.SecurityFlag
		if err := tx.Where("id = ?", id).First(&updated).Error; err != nil {
			return err
		}
		flag = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flag, nil
}

// ApplyFlag 采纳待复核标记并在同一事务内联动更新 Bot 状态
func (s *Store) ApplyFlag(id string, status domain.BotStatus, now time.Time) (*domain.SecurityFlag, error) {
	var flag *domain.SecurityFlag
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		var current domain.SecurityFlag
		if err := tx.Clauses(forUpdate).Where("id = ?", id).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrFlagNotFound
			}
			return err
		}

		result := tx.Model(&domain.SecurityFlag{}).
			Where("id = ? AND review_status = ?", id, domain.FlagPending).
			Updates(map[string]interface{}{
				"review_status":  domain.FlagApplied,
				"applied_status": status,
				"applied_at":     now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrFlagNotPending
		}

		if err := tx.Model(&domain.Bot{}).
			Where("id = ?", current.BotID).
			UpdateColumn("status", status).Error; err != nil {
			return err
		}

		current.ReviewStatus = domain.FlagApplied
		current.AppliedStatus = &status
		appliedAt := now
		current.AppliedAt = &appliedAt
		flag = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flag, nil
}

// flagConflict 区分标记不存在与已进入终态
func (s *Store) flagConflict(tx *gorm.DB, id string) error {
	var count int64
	if err := tx.Model(&domain.SecurityFlag{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return storage.ErrFlagNotFound
	}
	return storage.ErrFlagNotPending
}

// ReinstateBot 将受限 Bot 复位为 normal 并清零累计标记
func (s *Store) ReinstateBot(botID string) (*domain.Bot, error) {
	var bot *domain.Bot
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.Bot{}).
			Where("id = ? AND status <> ?", botID, domain.BotStatusNormal).
			Updates(map[string]interface{}{
				"status":      domain.BotStatusNormal,
				"total_flags": 0,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&domain.Bot{}).Where("id = ?", botID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return storage.ErrBotNotFound
			}
			return storage.ErrBotNotRestricted
		}

		var updated domain.Bot
		if err := tx.Where("id = ?", botID).First(&updated).Error; err != nil {
			return err
		}
		bot = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// ========== User Repository ==========

// CreateUser 创建用户
func (s *Store) CreateUser(user *domain.User) error {
	if err := s.gormDB.Create(user).Error; err != nil {
		if isDuplicate(err) {
			return storage.ErrEmailExists
		}
		return err
	}
	return nil
}

// GetUserByID 按 ID 查询用户
func (s *Store) GetUserByID(id string) (*domain.User, error) {
	return s.findUser("id = ?", id)
}

// GetUserByEmail 按邮箱查询用户
func (s *Store) GetUserByEmail(email string) (*domain.User, error) {
	return s.findUser("email = ?", strings.ToLower(email))
}

// GetUserByUsername 按用户名查询用户
func (s *Store) GetUserByUsername(username string) (*domain.User, error) {
	return s.findUser("username = ?", username)
}

func (s *Store) findUser(query string, arg interface{}) (*domain.User, error) {
	var user domain.User
	if err := s.gormDB.Where(query, arg).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UpdateUser 更新用户
func (s *Store) UpdateUser(user *domain.User) error {
	return s.gormDB.Save(user).Error
}

// UpdateLastLogin 更新最后登录时间
func (s *Store) UpdateLastLogin(userID string) error {
	return s.gormDB.Model(&domain.User{}).
		Where("id = ?", userID).
		UpdateColumn("last_login_at", time.Now().UTC()).Error
}
