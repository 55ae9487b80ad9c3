package config

import (
	"errors"
	"time"
)

// Config 应用配置根结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	AI        AIConfig        `mapstructure:"ai"`
	Speech    SpeechConfig    `mapstructure:"speech"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AIConfig AI 服务配置
type AIConfig struct {
	Provider string          `mapstructure:"provider"`
	APIKey   string          `mapstructure:"api_key"`
	Model    string          `mapstructure:"model"`
	BaseURL  string          `mapstructure:"base_url"`
	Timeout  time.Duration   `mapstructure:"timeout"`
	Options  AIOptionsConfig `mapstructure:"options"`
}

// AIOptionsConfig AI 模型参数
type AIOptionsConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	TopP        float64 `mapstructure:"top_p"`
}

// SpeechConfig 实时语音识别配置
type SpeechConfig struct {
	Provider       string        `mapstructure:"provider"`        // google
	Language       string        `mapstructure:"language"`        // BCP-47 语言码
	SampleRate     int           `mapstructure:"sample_rate"`     // 采样率（Hz）
	Encoding       string        `mapstructure:"encoding"`        // linear16/flac/mulaw/ogg_opus
	Model          string        `mapstructure:"model"`           // 识别模型（可选）
	InterimResults bool          `mapstructure:"interim_results"` // 是否返回中间结果
	MaxSessions    int           `mapstructure:"max_sessions"`    // 最大并发会话数
	FrameBuffer    int           `mapstructure:"frame_buffer"`    // 每会话音频帧缓冲上限
	SessionTimeout time.Duration `mapstructure:"session_timeout"` // 会话空闲超时
}

// RateLimitConfig 请求限流配置
// 按 (身份, 端点类别) 维护独立的固定窗口计数
type RateLimitConfig struct {
	Requests  int                      `mapstructure:"requests"` // 每窗口允许的请求数
	Window    time.Duration            `mapstructure:"window"`   // 窗口长度
	Endpoints map[string]EndpointLimit `mapstructure:"endpoints"`
}

// EndpointLimit 端点类别的独立预算，覆盖全局默认
type EndpointLimit struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// LogConfig 日志配置 (Zerolog)
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	TimeFormat string `mapstructure:"time_format"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	URI         string `mapstructure:"uri"`
	Database    string `mapstructure:"database"`
	MaxPoolSize uint64 `mapstructure:"max_pool_size"`
	MinPoolSize uint64 `mapstructure:"min_pool_size"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig 认证配置
// Token 的签发由外部服务负责，这里只做验证
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Validate 验证配置有效性
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	validModes := map[string]bool{"debug": true, "release": true, "test": true}
	if !validModes[c.Server.Mode] {
		return errors.New("invalid server mode, must be debug/release/test")
	}

	if c.RateLimit.Requests <= 0 {
		return errors.New("rate_limit.requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.window must be positive")
	}
	for class, ep := range c.RateLimit.Endpoints {
		if ep.Requests <= 0 {
			return errors.New("rate_limit.endpoints." + class + ".requests must be positive")
		}
	}

	if c.Speech.SampleRate <= 0 {
		return errors.New("speech.sample_rate must be positive")
	}
	if c.Speech.FrameBuffer <= 0 {
		return errors.New("speech.frame_buffer must be positive")
	}

	return nil
}
