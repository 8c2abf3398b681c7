package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// MailConfig 定义邮件中继的核心业务配置
type MailConfig struct {
	Domain          string // 对外发信域名，Handle 地址为 <local-part>@Domain
	VerifiedLimit   int    // 已验证 Bot 每个 UTC 日的发信上限，默认 5
	UnverifiedLimit int    // 未验证 Bot 每个 UTC 日的发信上限，默认 2
}

// ProviderConfig 定义外部投递服务商的配置
type ProviderConfig struct {
	BaseURL string        // 服务商 API 基础地址，留空使用空投递（仅记录）
	APIKey  string        // 服务商 API 密钥
	Timeout time.Duration // 单次投递超时，超时按硬失败处理，默认 10s
}

// ReviewConfig 定义外部异常分析服务的配置
type ReviewConfig struct {
	AnalyzerURL string        // 分析服务地址，留空时 force-review 返回空结果
	Timeout     time.Duration // 分析请求超时，默认 30s
}

// WebhookConfig 定义入站 Webhook 的防护配置
type WebhookConfig struct {
	RatePerMinute int // 每个来源 IP 每分钟允许的入站请求数，默认 120
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Enabled  bool   // 是否启用 Redis 缓存（API Key 查询与入站限流）
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// JWTConfig 定义 JWT 认证相关配置
type JWTConfig struct {
	Secret        string        // JWT 签名密钥，必须至少 32 字符
	Issuer        string        // JWT 签发者标识，默认 "botmail"
	AccessExpiry  time.Duration // 访问令牌有效期，默认 15 分钟
	RefreshExpiry time.Duration // 刷新令牌有效期，默认 7 天
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig   // HTTP 服务器配置
	Mail     MailConfig     // 邮件中继配置
	Provider ProviderConfig // 投递服务商配置
	Review   ReviewConfig   // 异常分析服务配置
	Webhook  WebhookConfig  // 入站 Webhook 配置
	CORS     CORSConfig     // 跨域配置
	Log      LogConfig      // 日志配置
	Database DatabaseConfig // 数据库配置
	Redis    RedisConfig    // Redis 配置
	JWT      JWTConfig      // JWT 认证配置
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: BOTMAIL_
// 例如: BOTMAIL_SERVER_HOST, BOTMAIL_JWT_SECRET
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("botmail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("mail.domain", "relay.botmail.dev")
	viper.SetDefault("mail.verified_limit", 5)
	viper.SetDefault("mail.unverified_limit", 2)
	viper.SetDefault("provider.base_url", "")
	viper.SetDefault("provider.api_key", "")
	viper.SetDefault("provider.timeout", "10s")
	viper.SetDefault("review.analyzer_url", "")
	viper.SetDefault("review.timeout", "30s")
	viper.SetDefault("webhook.rate_per_minute", 120)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.issuer", "botmail")
	viper.SetDefault("jwt.access_expiry", "15m")
	viper.SetDefault("jwt.refresh_expiry", "168h")

	mailDomain := strings.ToLower(strings.TrimSpace(viper.GetString("mail.domain")))
	if mailDomain == "" {
		return nil, fmt.Errorf("mail.domain must not be empty")
	}

	verifiedLimit := viper.GetInt("mail.verified_limit")
	if verifiedLimit <= 0 {
		verifiedLimit = 5
	}
	unverifiedLimit := viper.GetInt("mail.unverified_limit")
	if unverifiedLimit <= 0 {
		unverifiedLimit = 2
	}

	providerTimeout, err := time.ParseDuration(viper.GetString("provider.timeout"))
	if err != nil || providerTimeout <= 0 {
		providerTimeout = 10 * time.Second
	}

	reviewTimeout, err := time.ParseDuration(viper.GetString("review.timeout"))
	if err != nil || reviewTimeout <= 0 {
		reviewTimeout = 30 * time.Second
	}

	webhookRate := viper.GetInt("webhook.rate_per_minute")
	if webhookRate <= 0 {
		webhookRate = 120
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	accessExpiry, err := time.ParseDuration(viper.GetString("jwt.access_expiry"))
	if err != nil {
		accessExpiry = 15 * time.Minute
	}

	refreshExpiry, err := time.ParseDuration(viper.GetString("jwt.refresh_expiry"))
	if err != nil {
		refreshExpiry = 7 * 24 * time.Hour
	}

	jwtSecret := viper.GetString("jwt.secret")

	// 安全检查：禁止使用默认的 JWT secret
	if jwtSecret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set BOTMAIL_JWT_SECRET environment variable")
	}

	// JWT secret 必须至少 32 字符
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Mail: MailConfig{
			Domain:          mailDomain,
			VerifiedLimit:   verifiedLimit,
			UnverifiedLimit: unverifiedLimit,
		},
		Provider: ProviderConfig{
			BaseURL: strings.TrimRight(viper.GetString("provider.base_url"), "/"),
			APIKey:  viper.GetString("provider.api_key"),
			Timeout: providerTimeout,
		},
		Review: ReviewConfig{
			AnalyzerURL: viper.GetString("review.analyzer_url"),
			Timeout:     reviewTimeout,
		},
		Webhook: WebhookConfig{
			RatePerMinute: webhookRate,
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Enabled:  viper.GetBool("redis.enabled"),
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:        jwtSecret,
			Issuer:        viper.GetString("jwt.issuer"),
			AccessExpiry:  accessExpiry,
			RefreshExpiry: refreshExpiry,
		},
	}

	return cfg, nil
}

// DailyLimit 返回指定验证状态下的每日发信上限
func (c *MailConfig) DailyLimit(verified bool) int {
	if verified {
		return c.VerifiedLimit
	}
	return c.UnverifiedLimit
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 查找顺序: 当前目录的 .env，然后是父目录的 .env
func loadEnvFile() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
		return
	}

	parent := filepath.Join("..", ".env")
	if _, err := os.Stat(parent); err == nil {
		_ = godotenv.Load(parent)
	}
}
