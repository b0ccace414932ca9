package config

import (
	"os"
	"strconv"
	"time"

	"healthfolio-alert/pkg/config"
)

// Config 报警引擎配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig

	HTTP struct {
		Addr string
	}

	// 报警引擎特定配置
	Alert struct {
		// Redis 缓存配置
		Cache struct {
			AlertKeyPrefix string // 活跃报警缓存键前缀，如 "healthfolio:user:"
			AlertSuffix    string // 活跃报警缓存键后缀，如 ":alerts"
			AlertTTL       int    // 报警缓存 TTL（秒），默认 30秒
			StateKeyPrefix string // 基线窗口状态键前缀，如 "baseline:state:"
		}

		// 读数流配置（Redis Streams）
		Stream struct {
			Name      string // 流名称，如 "healthfolio:readings"
			Group     string // 消费者组
			Consumer  string // 消费者名称
			BatchSize int64  // 每次读取的消息数量
		}

		// 升级配置
		Escalation struct {
			WarningDelay             time.Duration // warning 级升级延迟，默认 30 分钟
			CriticalDelay            time.Duration // critical 级升级延迟，默认 5 分钟
			CriticalRenotifyCooldown time.Duration // critical 未确认重复通知冷却期，0 表示关闭
		}

		// 读数恢复正常时自动解除活跃报警（operation = auto_relieved）
		AutoResolve bool

		// 风险参数文件路径（YAML），为空时使用内置临床默认值
		RiskParamsFile string
	}

	// 通知调度配置
	Notify struct {
		QueueSize   int           // 调度队列容量
		Workers     int           // 调度 worker 数量
		MaxAttempts int           // 每个通道的最大发送尝试次数
		BackoffBase time.Duration // 指数退避基础间隔
		WebhookURL  string        // 通知网关 Webhook 基础 URL
		Timeout     time.Duration // 单次网关调用超时
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "healthfolio")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8086")

	// 报警引擎配置
	cfg.Alert.Cache.AlertKeyPrefix = getEnv("CACHE_ALERT_PREFIX", "healthfolio:user:")
	cfg.Alert.Cache.AlertSuffix = ":alerts"
	cfg.Alert.Cache.AlertTTL = 30 // 30秒
	cfg.Alert.Cache.StateKeyPrefix = getEnv("CACHE_STATE_PREFIX", "baseline:state:")

	cfg.Alert.Stream.Name = getEnv("READING_STREAM", "healthfolio:readings")
	cfg.Alert.Stream.Group = getEnv("READING_STREAM_GROUP", "alert-engine")
	cfg.Alert.Stream.Consumer = getEnv("READING_STREAM_CONSUMER", "alert-engine-1")
	cfg.Alert.Stream.BatchSize = 10

	cfg.Alert.Escalation.WarningDelay = time.Duration(getEnvInt("ESCALATION_WARNING_MINUTES", 30)) * time.Minute
	cfg.Alert.Escalation.CriticalDelay = time.Duration(getEnvInt("ESCALATION_CRITICAL_MINUTES", 5)) * time.Minute
	cfg.Alert.Escalation.CriticalRenotifyCooldown = time.Duration(getEnvInt("ALERT_CRITICAL_RENOTIFY_MINUTES", 0)) * time.Minute

	cfg.Alert.AutoResolve = getEnv("ALERT_AUTO_RESOLVE", "false") == "true"
	cfg.Alert.RiskParamsFile = getEnv("RISK_PARAMS_FILE", "")

	cfg.Notify.QueueSize = getEnvInt("NOTIFY_QUEUE_SIZE", 256)
	cfg.Notify.Workers = getEnvInt("NOTIFY_WORKERS", 4)
	cfg.Notify.MaxAttempts = getEnvInt("NOTIFY_MAX_ATTEMPTS", 3)
	cfg.Notify.BackoffBase = 500 * time.Millisecond
	cfg.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", "http://localhost:9090/notify")
	cfg.Notify.Timeout = 10 * time.Second

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
