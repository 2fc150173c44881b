package zlog

import (
	"fmt"

	"github.com/spf13/viper"
)

// FileConfig 本地轮转文件策略
// tag 被 viper 用来匹配字段
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 日志文件路径
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单个日志文件最大容量（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件数量
	MaxAgeDay  int    `mapstructure:"max_age"`     // 最长保存天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧日志文件
}

// Config 日志配置
type Config struct {
	Service      string     `mapstructure:"service"`       // 归属服务名
	Level        string     `mapstructure:"level"`         // 日志级别，debug|info|warn|error
	Encoding     string     `mapstructure:"encoding"`      // 输出格式，json|console
	Stdout       bool       `mapstructure:"stdout"`        // 是否同时输出到控制台
	File         FileConfig `mapstructure:"file"`          // 文件相关配置
	EnableMetric bool       `mapstructure:"enable_metric"` // 是否上报 Prometheus 指标
}

// FromViper 从已加载的 viper 实例里取 log 段配置
// 本服务的日志配置随服务主配置文件一起下发，不再单独一个文件
func FromViper(v *viper.Viper, service string) (*Config, error) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.enable_metric", true)

	var cfg Config
	if err := v.UnmarshalKey("log", &cfg); err != nil {
		return nil, fmt.Errorf("加载日志配置失败：%w", err)
	}
	cfg.Service = service

	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("配置错误：level 只能是 debug/info/warn/error")
	}

	switch cfg.Encoding {
	case "json", "console":
	default:
		return nil, fmt.Errorf("配置错误：encoding 只能是 json/console")
	}

	if !cfg.Stdout && cfg.File.Path == "" {
		return nil, fmt.Errorf("配置错误：stdout 为 false 时，file.path 不能为空")
	}

	if cfg.File.Path != "" {
		if cfg.File.MaxSizeMB <= 0 {
			cfg.File.MaxSizeMB = 100
		}
		if cfg.File.MaxBackups < 0 {
			cfg.File.MaxBackups = 60
		}
		if cfg.File.MaxAgeDay < 0 {
			cfg.File.MaxAgeDay = 30
		}
	}

	return &cfg, nil
}
