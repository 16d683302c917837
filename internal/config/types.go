package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 App 共享同一份参数。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort" validate:"min=1,max=65535"`
	LogLevel            string   `mapstructure:"LogLevel" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize" validate:"gte=0"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups" validate:"gte=0"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StoragePath         string   `mapstructure:"StoragePath" validate:"required"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	HealthCheckInterval Duration `mapstructure:"HealthCheckInterval"`
	DrainInterval       Duration `mapstructure:"DrainInterval"`
	QueueMaxEntries     int      `mapstructure:"QueueMaxEntries" validate:"gte=0"`
	QueueMaxBytes       int64    `mapstructure:"QueueMaxBytes" validate:"gte=0"`
	MetricsEnabled      bool     `mapstructure:"MetricsEnabled"`
	// SessionIdleTimeout 为面试会话的空闲过期时间。
	SessionIdleTimeout  Duration `mapstructure:"SessionIdleTimeout"`
}

// AppConfig 描述一个被网关托管的前端应用：它的域名、后端源站以及离线缓存策略。
type AppConfig struct {
	Name             string   `mapstructure:"Name" validate:"required"`
	Domain           string   `mapstructure:"Domain" validate:"required"`
	Origin           string   `mapstructure:"Origin" validate:"required,url"`
	CacheVersion     string   `mapstructure:"CacheVersion" validate:"required"`
	APIPrefix        string   `mapstructure:"APIPrefix" validate:"omitempty,startswith=/"`
	StaticPrefixes   []string `mapstructure:"StaticPrefixes" validate:"dive,startswith=/"`
	PrecacheAssets   []string `mapstructure:"PrecacheAssets" validate:"dive,startswith=/"`
	PrecacheManifest string   `mapstructure:"PrecacheManifest"`
	OfflinePage      string   `mapstructure:"OfflinePage"`
	HealthPath       string   `mapstructure:"HealthPath" validate:"omitempty,startswith=/"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Apps   []AppConfig  `mapstructure:"App" validate:"dive"`
}

// DefaultStaticPrefixes 是未配置 StaticPrefixes 时采用的静态资源前缀。
var DefaultStaticPrefixes = []string{"/static/", "/assets/", "/icons/", "/manifest.json", "/favicon.ico"}

const (
	defaultAPIPrefix  = "/api/"
	defaultHealthPath = "/"
)

// AppNames 返回所有 App 名称，供启动日志使用。
func AppNames(apps []AppConfig) []string {
	if len(apps) == 0 {
		return nil
	}
	result := make([]string, len(apps))
	for i, app := range apps {
		result[i] = fmt.Sprintf("%s:%s", app.Name, app.CacheVersion)
	}
	return result
}

// FindApp 按名称查找 App 配置。
func (c *Config) FindApp(name string) (AppConfig, bool) {
	if c == nil {
		return AppConfig{}, false
	}
	for _, app := range c.Apps {
		if app.Name == name {
			return app, true
		}
	}
	return AppConfig{}, false
}
