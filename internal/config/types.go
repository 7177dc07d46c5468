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

// 缓存存储驱动。
const (
	StorageDriverFS     = "fs"
	StorageDriverSQLite = "sqlite"
)

// 安装阶段的资源填充模式。
const (
	PopulateBestEffort = "best-effort"
	PopulateAtomic     = "atomic"
)

// DefaultCacheVersion 是当前缓存代际，内容变化的每次部署都需要递增。
const DefaultCacheVersion = "barbell-v8"

// DefaultManifest 返回安装时预取的资源清单（相对注册 scope）。
func DefaultManifest() []string {
	return []string{"./", "./index.html", "./app.html", "./manifest.json"}
}

// DefaultNavigationFallbacks 返回导航请求离线时依次尝试的缓存条目。
func DefaultNavigationFallbacks() []string {
	return []string{"./app.html", "./"}
}

// GlobalConfig 描述进程级运行参数：监听、日志、存储与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// AgentConfig 描述离线代理本身：回源地址、注册 scope、缓存版本与资源清单。
type AgentConfig struct {
	Origin              string   `mapstructure:"Origin"`
	Scope               string   `mapstructure:"Scope"`
	CacheVersion        string   `mapstructure:"CacheVersion"`
	Manifest            []string `mapstructure:"Manifest"`
	NavigationFallbacks []string `mapstructure:"NavigationFallbacks"`
	PopulateMode        string   `mapstructure:"PopulateMode"`
	LifecycleTimeout    Duration `mapstructure:"LifecycleTimeout"`
	ClientIdleTimeout   Duration `mapstructure:"ClientIdleTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Agent  AgentConfig  `mapstructure:"Agent"`
}

// StorageSummary 输出 `driver:path`，供启动日志使用。
func (g GlobalConfig) StorageSummary() string {
	return fmt.Sprintf("%s:%s", g.StorageDriver, g.StoragePath)
}
