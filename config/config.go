package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Models    ModelsConfig    `yaml:"models"`
	Images    ImagesConfig    `yaml:"images"`
	Auth      AuthConfig      `yaml:"auth"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	Mode        string `yaml:"mode"` // debug/test/release
	AllowOrigin string `yaml:"allow_origin"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite/postgres/mysql
	Path   string `yaml:"path"`   // sqlite 文件路径
	DSN    string `yaml:"dsn"`    // postgres/mysql 连接串
}

type UpstreamConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"` // 服务端持有的 key，可为空
	RequestTimeout int    `yaml:"request_timeout"`
}

// Timeout 返回单次上游请求的最长时间
func (u UpstreamConfig) Timeout() time.Duration {
	if u.RequestTimeout <= 0 {
		return 120 * time.Second
	}
	return time.Duration(u.RequestTimeout) * time.Second
}

// ModelsConfig 对外模型名 -> 上游模型 ID
type ModelsConfig struct {
	Default string            `yaml:"default"`
	Aliases map[string]string `yaml:"aliases"`
}

type ImagesConfig struct {
	DefaultModel   string   `yaml:"default_model"`
	DefaultSize    string   `yaml:"default_size"`
	DefaultQuality string   `yaml:"default_quality"`
	QualityModels  []string `yaml:"quality_models"` // 只有这些模型接受 quality 字段
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type WebSocketConfig struct {
	PingInterval int `yaml:"ping_interval"`
	PongTimeout  int `yaml:"pong_timeout"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"` // 为空则只在本进程内广播
	Channel string `yaml:"channel"`
}

type LogConfig struct {
	Path  string `yaml:"path"` // 为空则只输出到 stderr
	Name  string `yaml:"name"`
	Level string `yaml:"level"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 6543, Mode: "release", AllowOrigin: "*"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "./data.db"},
		Upstream: UpstreamConfig{
			BaseURL:        "https://api.openai.com/v1",
			RequestTimeout: 120,
		},
		Models: ModelsConfig{
			Default: "gpt-4o-mini",
			// 所有公开档位暂时固定到同一个便宜的上游模型
			Aliases: map[string]string{
				"GPT-5":      "gpt-4o-mini",
				"GPT-5 Mini": "gpt-4o-mini",
				"GPT-5 Nano": "gpt-4o-mini",
				"GPT-5-Nano": "gpt-4o-mini",
				"GPT-4":      "gpt-4o-mini",
				"GPT-4 Mini": "gpt-4o-mini",
				"GPT-4o":     "gpt-4o-mini",
				"DALL-E":     "gpt-4o-mini",
			},
		},
		Images: ImagesConfig{
			DefaultModel:   "dall-e-3",
			DefaultSize:    "1024x1024",
			DefaultQuality: "standard",
			QualityModels:  []string{"dall-e-3"},
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30,
			PongTimeout:  10,
		},
		Redis: RedisConfig{Channel: "conversation-events"},
		Log:   LogConfig{Name: "relay", Level: "info"},
	}
}

// Load 从文件加载配置，以默认值为基础覆盖
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv 用环境变量覆盖配置，环境变量优先级最高
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}
