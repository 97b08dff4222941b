package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile 默认配置文件路径，可用 CONFIG_FILE 覆盖
const DefaultConfigFile = "config/config.yaml"

// Config 应用配置结构体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Messaging MessagingConfig `yaml:"messaging"`
	CORS      CORSConfig      `yaml:"cors"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port         string        `yaml:"port"`         // 服务器监听端口
	ReadTimeout  time.Duration `yaml:"readTimeout"`  // 读取超时时间
	WriteTimeout time.Duration `yaml:"writeTimeout"` // 写入超时时间
	IdleTimeout  time.Duration `yaml:"idleTimeout"`  // 空闲超时时间
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`   // 数据库驱动类型
	Host     string `yaml:"host"`     // 数据库主机地址
	Port     int    `yaml:"port"`     // 数据库端口
	Username string `yaml:"username"` // 数据库用户名
	Password string `yaml:"password"` // 数据库密码
	Database string `yaml:"database"` // 数据库名称
	Charset  string `yaml:"charset"`  // 字符集
	MaxIdle  int    `yaml:"maxIdle"`  // 最大空闲连接数
	MaxOpen  int    `yaml:"maxOpen"`  // 最大打开连接数
	LogLevel string `yaml:"logLevel"` // gorm日志级别 silent/error/warn/info
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret     string        `yaml:"secret"`     // JWT密钥
	ExpireTime time.Duration `yaml:"expireTime"` // JWT过期时间
	Issuer     string        `yaml:"issuer"`     // JWT签发者
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`      // 日志级别
	Filename   string `yaml:"filename"`   // 日志文件名
	MaxSize    int    `yaml:"maxSize"`    // 单个日志文件最大大小(MB)
	MaxBackups int    `yaml:"maxBackups"` // 最大备份文件数
	MaxAge     int    `yaml:"maxAge"`     // 最大保存天数
	Compress   bool   `yaml:"compress"`   // 是否压缩
	Console    bool   `yaml:"console"`    // 是否同时输出到标准输出
}

// RedisConfig Redis配置
// Enabled 为 false 时在线状态只保存在进程内，实时事件也只在本进程投递
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`         // Redis主机地址
	Port         int           `yaml:"port"`         // Redis端口
	Password     string        `yaml:"password"`     // Redis密码
	DB           int           `yaml:"db"`           // Redis数据库编号
	PresenceTTL  time.Duration `yaml:"presenceTTL"`  // 在线状态TTL
	RelayChannel string        `yaml:"relayChannel"` // 多实例事件转发频道，为空则不转发
}

// WebSocketConfig WebSocket 配置
type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"pingInterval"`   // 发送ping的间隔
	ReadTimeout    time.Duration `yaml:"readTimeout"`    // 读超时时间（未收到任何数据则断开）
	WriteTimeout   time.Duration `yaml:"writeTimeout"`   // 单次写超时
	MaxMessageSize int64         `yaml:"maxMessageSize"` // 单帧最大字节数
	SendBuffer     int           `yaml:"sendBuffer"`     // 每连接发送队列长度
	InboundRate    float64       `yaml:"inboundRate"`    // 每连接每秒允许的上行信令数
	InboundBurst   int           `yaml:"inboundBurst"`   // 上行信令突发上限
}

// MessagingConfig 私信业务配置
type MessagingConfig struct {
	MaxContentLength   int           `yaml:"maxContentLength"`   // 文本最大字符数
	DefaultPageSize    int           `yaml:"defaultPageSize"`    // 默认分页大小
	MaxPageSize        int           `yaml:"maxPageSize"`        // 最大分页大小
	TypingTimeout      time.Duration `yaml:"typingTimeout"`      // 输入状态自动过期时间
	ReplyPreviewLength int           `yaml:"replyPreviewLength"` // 引用预览截断长度
	MarkReadTimeout    time.Duration `yaml:"markReadTimeout"`    // 拉取消息后异步标记已读的超时
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowOrigins []string `yaml:"allowOrigins"`
}

// MetricsConfig 监控指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig 加载配置（.env + 默认值 + YAML文件 + 环境变量）
func LoadConfig() *Config {
	// .env 不存在时忽略
	_ = godotenv.Load()

	path := getEnv("CONFIG_FILE", DefaultConfigFile)
	config := loadFromYAML(path)

	// 环境变量优先级最高
	overrideWithEnvVars(config)

	return config
}

// loadFromYAML 在默认配置之上叠加YAML文件，文件缺失或解析失败时返回默认配置
func loadFromYAML(filePath string) *Config {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return config
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return DefaultConfig()
	}

	return config
}

// overrideWithEnvVars 用环境变量覆盖配置
func overrideWithEnvVars(config *Config) {
	// 服务器配置
	if port := getEnv("SERVER_PORT", ""); port != "" {
		config.Server.Port = port
	}
	if timeout := getEnvDuration("SERVER_READ_TIMEOUT", 0); timeout > 0 {
		config.Server.ReadTimeout = timeout
	}
	if timeout := getEnvDuration("SERVER_WRITE_TIMEOUT", 0); timeout > 0 {
		config.Server.WriteTimeout = timeout
	}
	if timeout := getEnvDuration("SERVER_IDLE_TIMEOUT", 0); timeout > 0 {
		config.Server.IdleTimeout = timeout
	}

	// 数据库配置
	if host := getEnv("DB_HOST", ""); host != "" {
		config.Database.Host = host
	}
	if port := getEnvInt("DB_PORT", 0); port > 0 {
		config.Database.Port = port
	}
	if username := getEnv("DB_USERNAME", ""); username != "" {
		config.Database.Username = username
	}
	if password := getEnv("DB_PASSWORD", ""); password != "" {
		config.Database.Password = password
	}
	if database := getEnv("DB_DATABASE", ""); database != "" {
		config.Database.Database = database
	}
	if charset := getEnv("DB_CHARSET", ""); charset != "" {
		config.Database.Charset = charset
	}
	if maxIdle := getEnvInt("DB_MAX_IDLE", 0); maxIdle > 0 {
		config.Database.MaxIdle = maxIdle
	}
	if maxOpen := getEnvInt("DB_MAX_OPEN", 0); maxOpen > 0 {
		config.Database.MaxOpen = maxOpen
	}
	if level := getEnv("DB_LOG_LEVEL", ""); level != "" {
		config.Database.LogLevel = level
	}

	// JWT配置
	if secret := getEnv("JWT_SECRET", ""); secret != "" {
		config.JWT.Secret = secret
	}
	if expireTime := getEnvDuration("JWT_EXPIRE_TIME", 0); expireTime > 0 {
		config.JWT.ExpireTime = expireTime
	}
	if issuer := getEnv("JWT_ISSUER", ""); issuer != "" {
		config.JWT.Issuer = issuer
	}

	// 日志配置
	if level := getEnv("LOG_LEVEL", ""); level != "" {
		config.Log.Level = level
	}
	if filename := getEnv("LOG_FILENAME", ""); filename != "" {
		config.Log.Filename = filename
	}
	if maxSize := getEnvInt("LOG_MAX_SIZE", 0); maxSize > 0 {
		config.Log.MaxSize = maxSize
	}
	if maxBackups := getEnvInt("LOG_MAX_BACKUPS", 0); maxBackups > 0 {
		config.Log.MaxBackups = maxBackups
	}
	if maxAge := getEnvInt("LOG_MAX_AGE", 0); maxAge > 0 {
		config.Log.MaxAge = maxAge
	}
	config.Log.Console = getEnvBool("LOG_CONSOLE", config.Log.Console)

	// Redis配置
	config.Redis.Enabled = getEnvBool("REDIS_ENABLED", config.Redis.Enabled)
	if host := getEnv("REDIS_HOST", ""); host != "" {
		config.Redis.Host = host
	}
	if port := getEnvInt("REDIS_PORT", 0); port > 0 {
		config.Redis.Port = port
	}
	if password := getEnv("REDIS_PASSWORD", ""); password != "" {
		config.Redis.Password = password
	}
	if db := getEnvInt("REDIS_DB", -1); db >= 0 {
		config.Redis.DB = db
	}
	if ttl := getEnvDuration("REDIS_PRESENCE_TTL", 0); ttl > 0 {
		config.Redis.PresenceTTL = ttl
	}
	if channel, ok := os.LookupEnv("REDIS_RELAY_CHANNEL"); ok {
		config.Redis.RelayChannel = channel
	}

	// WebSocket配置
	if d := getEnvDuration("WS_PING_INTERVAL", 0); d > 0 {
		config.WebSocket.PingInterval = d
	}
	if d := getEnvDuration("WS_READ_TIMEOUT", 0); d > 0 {
		config.WebSocket.ReadTimeout = d
	}
	if d := getEnvDuration("WS_WRITE_TIMEOUT", 0); d > 0 {
		config.WebSocket.WriteTimeout = d
	}
	if n := getEnvInt("WS_SEND_BUFFER", 0); n > 0 {
		config.WebSocket.SendBuffer = n
	}

	// 私信配置
	if d := getEnvDuration("MSG_TYPING_TIMEOUT", 0); d > 0 {
		config.Messaging.TypingTimeout = d
	}
	if n := getEnvInt("MSG_MAX_PAGE_SIZE", 0); n > 0 {
		config.Messaging.MaxPageSize = n
	}

	// 跨域配置，逗号分隔
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		config.CORS.AllowOrigins = splitAndTrim(origins)
	}

	config.Metrics.Enabled = getEnvBool("METRICS_ENABLED", config.Metrics.Enabled)
}

// DefaultConfig 获取默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "mysql",
			Host:     "localhost",
			Port:     3306,
			Username: "im_user",
			Password: "",
			Database: "workspace_im",
			Charset:  "utf8mb4",
			MaxIdle:  10,
			MaxOpen:  100,
			LogLevel: "warn",
		},
		JWT: JWTConfig{
			Secret:     "change-me",
			ExpireTime: 24 * time.Hour,
			Issuer:     "workspace-console",
		},
		Log: LogConfig{
			Level:      "info",
			Filename:   "logs/app.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		Redis: RedisConfig{
			Host:        "localhost",
			Port:        6379,
			DB:          0,
			PresenceTTL: 2 * time.Minute,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    90 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxMessageSize: 8 << 10,
			SendBuffer:     256,
			InboundRate:    20,
			InboundBurst:   40,
		},
		Messaging: MessagingConfig{
			MaxContentLength:   2000,
			DefaultPageSize:    50,
			MaxPageSize:        100,
			TypingTimeout:      5 * time.Second,
			ReplyPreviewLength: 100,
			MarkReadTimeout:    10 * time.Second,
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"http://localhost:3000"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// 辅助函数：获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// 辅助函数：获取整数环境变量
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// 辅助函数：获取布尔环境变量
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// 辅助函数：获取时间环境变量
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
