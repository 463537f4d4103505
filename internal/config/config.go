package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从环境变量加载（prefix 如 "DB"）
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		c.Port = parseInt(port, c.Port)
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
	if maxConns := os.Getenv(prefix + "_MAX_CONNS"); maxConns != "" {
		c.MaxConns = parseInt(maxConns, c.MaxConns)
	}
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if enabled := os.Getenv(prefix + "_ENABLED"); enabled != "" {
		c.Enabled = enabled == "true"
	}
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		c.DB = parseInt(db, c.DB)
	}
}

// Config checkin-core 服务配置
type Config struct {
	Profile   string         `yaml:"profile"` // dev / test / prod
	HTTP      HTTPConfig     `yaml:"http"`
	DBEnabled bool           `yaml:"db_enabled"`
	Database  DatabaseConfig `yaml:"database"`
	Redis     RedisConfig    `yaml:"redis"`
	Log       LogConfig      `yaml:"log"`
	Auth      AuthConfig     `yaml:"auth"`
	SMS       SMSConfig      `yaml:"sms"`
	Wechat    WechatConfig   `yaml:"wechat"`
	Checkin   CheckinConfig  `yaml:"checkin"`
	Jobs      JobsConfig     `yaml:"jobs"`
	Events    EventsConfig   `yaml:"events"`
}

// AuthConfig 令牌与哈希密钥
type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	AccessTTL       time.Duration `yaml:"access_ttl"`
	RefreshTTL      time.Duration `yaml:"refresh_ttl"`
	PhoneHashSecret string        `yaml:"phone_hash_secret"`
}

// SMSConfig 短信通道（mock / http）
type SMSConfig struct {
	Provider    string `yaml:"provider"`
	HttpAddress string `yaml:"http_address"`
	APIKey      string `yaml:"api_key"`
	SignName    string `yaml:"sign_name"`
}

// WechatConfig 微信登录（code 换 openid）
// HTTPConfig 对外 HTTP 服务
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type WechatConfig struct {
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
	APIBase   string `yaml:"api_base"`
}

// CheckinConfig 打卡相关参数
type CheckinConfig struct {
	Timezone           string        `yaml:"timezone"`
	CancelWindow       time.Duration `yaml:"cancel_window"`
	ShareDefaultTTL    time.Duration `yaml:"share_default_ttl"`
	ShareMaxTTL        time.Duration `yaml:"share_max_ttl"`
	InviteTTL          time.Duration `yaml:"invite_ttl"`
	BatchCap           int           `yaml:"batch_cap"`
	ReservedDefault    string        `yaml:"reserved_default"`
	ReservedBlackhouse string        `yaml:"reserved_blackhouse"`
}

// JobsConfig 定时任务
type JobsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ReconcileSpec string `yaml:"reconcile_spec"`
	CleanupSpec   string `yaml:"cleanup_spec"`
}

// EventsConfig 领域事件（Redis Streams）
type EventsConfig struct {
	Stream string `yaml:"stream"`
}

// Load 加载配置：CONFIG_FILE（yaml，可选）打底，环境变量覆盖
func Load() *Config {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			// 配置文件错误不致命：继续使用默认值 + 环境变量
			fmt.Fprintf(os.Stderr, "config: ignore %s: %v\n", path, err)
		}
	}

	cfg.Profile = getEnv("APP_PROFILE", cfg.Profile)
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.ReadTimeout = parseDuration(os.Getenv("HTTP_READ_TIMEOUT"), cfg.HTTP.ReadTimeout)
	cfg.HTTP.WriteTimeout = parseDuration(os.Getenv("HTTP_WRITE_TIMEOUT"), cfg.HTTP.WriteTimeout)
	cfg.HTTP.ShutdownTimeout = parseDuration(os.Getenv("HTTP_SHUTDOWN_TIMEOUT"), cfg.HTTP.ShutdownTimeout)
	cfg.DBEnabled = getEnv("DB_ENABLED", strconv.FormatBool(cfg.DBEnabled)) == "true"
	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.AccessTTL = parseDuration(os.Getenv("JWT_ACCESS_TTL"), cfg.Auth.AccessTTL)
	cfg.Auth.RefreshTTL = parseDuration(os.Getenv("JWT_REFRESH_TTL"), cfg.Auth.RefreshTTL)
	cfg.Auth.PhoneHashSecret = getEnv("PHONE_HASH_SECRET", cfg.Auth.PhoneHashSecret)

	cfg.SMS.Provider = getEnv("SMS_PROVIDER", cfg.SMS.Provider)
	cfg.SMS.HttpAddress = getEnv("SMS_HTTP_ADDRESS", cfg.SMS.HttpAddress)
	cfg.SMS.APIKey = getEnv("SMS_API_KEY", cfg.SMS.APIKey)

	cfg.Wechat.AppID = getEnv("WECHAT_APP_ID", cfg.Wechat.AppID)
	cfg.Wechat.AppSecret = getEnv("WECHAT_APP_SECRET", cfg.Wechat.AppSecret)
	cfg.Wechat.APIBase = getEnv("WECHAT_API_BASE", cfg.Wechat.APIBase)

	cfg.Checkin.Timezone = getEnv("TIMEZONE", cfg.Checkin.Timezone)
	cfg.Checkin.CancelWindow = parseDuration(os.Getenv("CHECKIN_CANCEL_WINDOW"), cfg.Checkin.CancelWindow)
	if h := os.Getenv("SHARE_DEFAULT_TTL_HOURS"); h != "" {
		cfg.Checkin.ShareDefaultTTL = time.Duration(parseInt(h, 168)) * time.Hour
	}
	if h := os.Getenv("SHARE_MAX_TTL_HOURS"); h != "" {
		cfg.Checkin.ShareMaxTTL = time.Duration(parseInt(h, 720)) * time.Hour
	}

	cfg.Jobs.Enabled = getEnv("JOBS_ENABLED", strconv.FormatBool(cfg.Jobs.Enabled)) == "true"
	cfg.Jobs.ReconcileSpec = getEnv("JOBS_RECONCILE_SPEC", cfg.Jobs.ReconcileSpec)
	cfg.Jobs.CleanupSpec = getEnv("JOBS_CLEANUP_SPEC", cfg.Jobs.CleanupSpec)
	cfg.Events.Stream = getEnv("EVENTS_STREAM", cfg.Events.Stream)

	return cfg
}

// 仅供本地开发的默认密钥，prod 下必须覆盖
const (
	devJWTSecret       = "dev-jwt-secret-change-me"
	devPhoneHashSecret = "dev-phone-secret-change-me"
)

// Validate 检查 prod 下不允许保留的默认值
func (c *Config) Validate() error {
	if c.Profile != "prod" {
		return nil
	}
	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == devJWTSecret {
		return fmt.Errorf("config: JWT_SECRET must be set in prod")
	}
	if c.Auth.PhoneHashSecret == "" || c.Auth.PhoneHashSecret == devPhoneHashSecret {
		return fmt.Errorf("config: PHONE_HASH_SECRET must be set in prod")
	}
	if c.Wechat.AppID == "" {
		return fmt.Errorf("config: WECHAT_APP_ID must be set in prod")
	}
	return nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Profile = "dev"
	cfg.HTTP = HTTPConfig{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
	// 本地开发默认启用 DB；连接失败时回退到内存存储
	cfg.DBEnabled = true
	cfg.Database = DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "checkin",
		SSLMode:  "disable",
		MaxConns: 20,
		MaxIdle:  5,
	}
	cfg.Redis = RedisConfig{Enabled: true, Addr: "localhost:6379"}
	cfg.Log = LogConfig{Level: "info", Format: "json"}

	cfg.Auth.JWTSecret = devJWTSecret
	cfg.Auth.AccessTTL = 2 * time.Hour
	cfg.Auth.RefreshTTL = 30 * 24 * time.Hour
	cfg.Auth.PhoneHashSecret = devPhoneHashSecret

	cfg.SMS.Provider = "mock"
	cfg.SMS.SignName = "平安打卡"
	cfg.Wechat.APIBase = "https://api.weixin.qq.com"

	cfg.Checkin.Timezone = "Asia/Shanghai"
	cfg.Checkin.CancelWindow = 30 * time.Minute
	cfg.Checkin.ShareDefaultTTL = 7 * 24 * time.Hour
	cfg.Checkin.ShareMaxTTL = 30 * 24 * time.Hour
	cfg.Checkin.InviteTTL = 7 * 24 * time.Hour
	cfg.Checkin.BatchCap = 50
	cfg.Checkin.ReservedDefault = "默认社区"
	cfg.Checkin.ReservedBlackhouse = "小黑屋"

	cfg.Jobs.Enabled = true
	cfg.Jobs.ReconcileSpec = "0 */30 * * * *"
	cfg.Jobs.CleanupSpec = "0 15 3 * * *"
	cfg.Events.Stream = "checkin:events"
	return cfg
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, cfg)
}

// Location 返回打卡所用的民用时区（Asia/Shanghai 无夏令时，加载失败时退回固定 +08:00）
func (c *CheckinConfig) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.FixedZone("CST", 8*3600)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
