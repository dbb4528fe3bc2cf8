package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-monitor/common/config"
)

// 凭证来源
const (
	AuthModeStatic  = "static"
	AuthModeCognito = "cognito"
)

// Config 病房监控客户端配置
type Config struct {
	Redis   config.RedisConfig
	MQTT    config.MQTTConfig
	Cognito config.CognitoConfig

	// 后端接口
	API struct {
		BaseURL string        // REST 接口根地址，如 https://xxx.execute-api.../prod
		Timeout time.Duration // 单次请求超时，默认 10 秒
		Retry   int           // 传输错误重试次数，默认 2
	}

	// 推送通道
	Push struct {
		URL            string        // WebSocket 地址，token 作为查询参数追加
		ReconnectDelay time.Duration // 意外断开后的重连间隔，默认 5 秒
	}

	Poll struct {
		HistoryInterval time.Duration // 详情页历史刷新间隔，默认 5 秒
		RosterInterval  time.Duration // 名单定时刷新间隔，0 表示只在启动时拉取
	}

	Auth struct {
		Mode  string // static 或 cognito
		Token string // static 模式下的固定 token
	}

	Cache struct {
		Enabled   bool
		TTL       time.Duration
		KeyPrefix string // Redis 键前缀，多个实例共用 Redis 时区分
	}

	Relay struct {
		Enabled   bool // 配置了 MQTT_BROKER 时启用
		Topic     string
		QueueSize int
	}

	HTTP struct {
		Addr string // 本地查询接口监听地址
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.API.BaseURL = strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:3000"), "/")
	cfg.API.Timeout = getSeconds("HTTP_TIMEOUT", 10)
	cfg.API.Retry = getInt("HTTP_RETRY", 2)

	cfg.Push.URL = getEnv("WS_URL", "ws://localhost:3001")
	cfg.Push.ReconnectDelay = getSeconds("WS_RECONNECT_DELAY", 5)

	cfg.Poll.HistoryInterval = getSeconds("HISTORY_POLL_INTERVAL", 5)
	// 0 表示关闭定时刷新
	if v, err := strconv.Atoi(getEnv("ROSTER_REFRESH_INTERVAL", "0")); err == nil && v > 0 {
		cfg.Poll.RosterInterval = time.Duration(v) * time.Second
	}

	cfg.Auth.Mode = strings.ToLower(getEnv("AUTH_MODE", AuthModeStatic))
	cfg.Auth.Token = getEnv("AUTH_TOKEN", "")
	cfg.Cognito.Region = getEnv("COGNITO_REGION", "us-east-1")
	cfg.Cognito.LoadFromEnv("COGNITO")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.Cache.Enabled = getEnv("ROSTER_CACHE_ENABLED", "true") == "true"
	cfg.Cache.TTL = getSeconds("ROSTER_CACHE_TTL", 300)
	cfg.Cache.KeyPrefix = getEnv("CACHE_KEY_PREFIX", "wisefido:")

	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-monitor")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")
	cfg.Relay.Enabled = cfg.MQTT.Broker != ""
	cfg.Relay.Topic = getEnv("MQTT_ALERT_TOPIC", "monitor/alerts")
	cfg.Relay.QueueSize = getInt("MQTT_ALERT_QUEUE_SIZE", 64)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := requireAbsoluteURL("API_BASE_URL", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := requireAbsoluteURL("WS_URL", c.Push.URL, "ws", "wss"); err != nil {
		return err
	}

	switch c.Auth.Mode {
	case AuthModeStatic:
	case AuthModeCognito:
		if c.Cognito.ClientID == "" {
			return fmt.Errorf("COGNITO_CLIENT_ID is required when AUTH_MODE=cognito")
		}
		if c.Cognito.Username == "" || c.Cognito.Password == "" {
			return fmt.Errorf("COGNITO_USERNAME and COGNITO_PASSWORD are required when AUTH_MODE=cognito")
		}
	default:
		return fmt.Errorf("unsupported AUTH_MODE: %s", c.Auth.Mode)
	}
	return nil
}

func requireAbsoluteURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s scheme must be one of %v, got %q", key, schemes, u.Scheme)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil && v >= 0 {
		return v
	}
	return defaultValue
}

// getSeconds 读取秒数；非正数回退到默认值
func getSeconds(key string, defaultSeconds int) time.Duration {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(defaultSeconds) * time.Second
}
