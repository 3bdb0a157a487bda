package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Game      GameConfig      `yaml:"game"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig HTTP 伺服器
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebSocketConfig 連接層
type WebSocketConfig struct {
	Path           string        `yaml:"path"`
	AllowedOrigins []string      `yaml:"allowed_origins"` // 空代表不檢查；"*" 允許全部
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait"`
	SendBuffer     int           `yaml:"send_buffer"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	ReadBufferSize int           `yaml:"read_buffer_size"`
	WriteBuffer    int           `yaml:"write_buffer_size"`
}

// GameConfig 對局規則與房間回收
type GameConfig struct {
	// ValidateMoves 為 false 時伺服器盲目轉發走法，由客戶端自行判定合法性
	ValidateMoves   bool          `yaml:"validate_moves"`
	StartPosition   string        `yaml:"start_position"` // FEN；空為標準開局
	WaitingTTL      time.Duration `yaml:"waiting_ttl"`
	FinishedTTL     time.Duration `yaml:"finished_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RateLimitConfig 入站訊息限流
type RateLimitConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Backend    string `yaml:"backend"` // local 或 redis
	Capacity   int64  `yaml:"capacity"`
	RefillRate int64  `yaml:"refill_rate"` // 每秒
	KeyPrefix  string `yaml:"key_prefix"`
}

// RedisConfig Redis 連線（分散式限流使用）
type RedisConfig struct {
	URL          string        `yaml:"url"` // 設置後優先於 addr
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// NATSConfig 生命週期事件發布
type NATSConfig struct {
	URL           string        `yaml:"url"` // 空代表不發布
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxAge        time.Duration `yaml:"max_age"`
	MaxPending    int           `yaml:"max_pending"`
}

// AuthConfig 連接身份
type AuthConfig struct {
	Required bool              `yaml:"required"`
	Tokens   map[string]string `yaml:"tokens"` // token -> principal
}

// LogConfig 日誌
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3002,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			AllowedOrigins: []string{"http://localhost:3000"},
			PingInterval:   54 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			SendBuffer:     256,
			MaxMessageSize: 4096,
			ReadBufferSize: 1024,
			WriteBuffer:    1024,
		},
		Game: GameConfig{
			ValidateMoves:   true,
			WaitingTTL:      30 * time.Minute,
			FinishedTTL:     5 * time.Minute,
			CleanupInterval: time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			Backend:    "local",
			Capacity:   20,
			RefillRate: 10,
			KeyPrefix:  "chess:ratelimit",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  100 * time.Millisecond,
			WriteTimeout: 100 * time.Millisecond,
		},
		NATS: NATSConfig{
			Stream:        "CHESS_ROOMS",
			SubjectPrefix: "chess.rooms",
			MaxAge:        24 * time.Hour,
			MaxPending:    256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig 載入配置
//
// 順序：預設值 → YAML 檔案（path 為空時略過）→ 環境變數 → 驗證。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - 配置檔路徑來自啟動參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv 套用環境變數覆蓋（PORT、REDIS_URL、NATS_URL）
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}

	if v := getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	if v := getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}

	return nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port 必須在 1-65535 之間: %d", c.Server.Port))
	}

	ws := c.WebSocket
	if !strings.HasPrefix(ws.Path, "/") {
		errs = append(errs, fmt.Errorf("websocket.path 必須以 / 開頭: %q", ws.Path))
	}
	if ws.PingInterval <= 0 || ws.PongWait <= 0 || ws.WriteWait <= 0 {
		errs = append(errs, errors.New("websocket 的 ping_interval、pong_wait、write_wait 必須大於 0"))
	} else if ws.PingInterval >= ws.PongWait {
		errs = append(errs, fmt.Errorf("websocket.ping_interval (%s) 必須小於 pong_wait (%s)", ws.PingInterval, ws.PongWait))
	}
	if ws.SendBuffer <= 0 {
		errs = append(errs, errors.New("websocket.send_buffer 必須大於 0"))
	}
	if ws.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("websocket.max_message_size 必須大於 0"))
	}

	if c.Game.WaitingTTL < 0 || c.Game.FinishedTTL < 0 || c.Game.CleanupInterval < 0 {
		errs = append(errs, errors.New("game 的 TTL 與 cleanup_interval 不可為負"))
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case "local":
		case "redis":
			if c.Redis.URL == "" && c.Redis.Addr == "" {
				errs = append(errs, errors.New("rate_limit.backend=redis 需要 redis.url 或 redis.addr"))
			}
		default:
			errs = append(errs, fmt.Errorf("rate_limit.backend 必須是 local 或 redis: %q", c.RateLimit.Backend))
		}
		if c.RateLimit.Capacity <= 0 || c.RateLimit.RefillRate <= 0 {
			errs = append(errs, errors.New("rate_limit 的 capacity 與 refill_rate 必須大於 0"))
		}
	}

	if c.NATS.URL != "" {
		if c.NATS.Stream == "" || c.NATS.SubjectPrefix == "" {
			errs = append(errs, errors.New("nats.stream 與 nats.subject_prefix 不可為空"))
		}
		if c.NATS.MaxPending <= 0 {
			errs = append(errs, errors.New("nats.max_pending 必須大於 0"))
		}
	}

	if c.Auth.Required && len(c.Auth.Tokens) == 0 {
		errs = append(errs, errors.New("auth.required 需要至少一個 auth.tokens"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RedisOptions 生成 Redis 連線選項
func (c *Config) RedisOptions() (*redis.Options, error) {
	var opts *redis.Options
	if c.Redis.URL != "" {
		parsed, err := redis.ParseURL(c.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		}
	}

	opts.PoolSize = c.Redis.PoolSize
	opts.DialTimeout = c.Redis.DialTimeout
	opts.ReadTimeout = c.Redis.ReadTimeout
	opts.WriteTimeout = c.Redis.WriteTimeout

	return opts, nil
}
