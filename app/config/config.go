package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Media   MediaConfig   `mapstructure:"media"`
	Whisper WhisperConfig `mapstructure:"whisper"`
	Watcher WatcherConfig `mapstructure:"watcher"`
	Cleanup CleanupConfig `mapstructure:"cleanup"`
}

type ServerConfig struct {
	Port              string `mapstructure:"port"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	MaxConcurrentJobs int    `mapstructure:"max_concurrent_jobs"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

// MediaConfig 媒体下载相关配置
type MediaConfig struct {
	WorkDir         string `mapstructure:"work_dir"`         // 临时音频文件目录
	ThumbnailDir    string `mapstructure:"thumbnail_dir"`    // 缩略图保存目录
	YtdlpPath       string `mapstructure:"ytdlp_path"`       // yt-dlp 可执行文件路径
	DownloadTimeout int    `mapstructure:"download_timeout"` // 下载超时（分钟）
}

// WhisperConfig 转写服务配置（OpenAI 兼容接口）
type WhisperConfig struct {
	BaseURL string `mapstructure:"base_url"` // 接口地址
	APIKey  string `mapstructure:"api_key"`  // API 密钥
	Model   string `mapstructure:"model"`    // 模型名称
	Timeout int    `mapstructure:"timeout"`  // 请求超时（分钟）
}

// WatcherConfig 目录监听配置，放入目录的媒体文件会自动创建转写任务
type WatcherConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Dirs       []string `mapstructure:"dirs"`       // 监听目录列表
	Extensions []string `mapstructure:"extensions"` // 识别的媒体扩展名
}

// CleanupConfig 定时清理配置
type CleanupConfig struct {
	Schedule               string `mapstructure:"schedule"`                 // cron 表达式
	CompletedRetentionDays int    `mapstructure:"completed_retention_days"` // 已完成任务保留天数
	FailedRetentionDays    int    `mapstructure:"failed_retention_days"`    // 失败任务保留天数
	TempMaxAgeHours        int    `mapstructure:"temp_max_age_hours"`       // 临时音频最长保留小时数
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")
	viper.SetDefault("server.max_concurrent_jobs", 2)

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "audio-fusion")

	// 媒体默认配置
	viper.SetDefault("media.work_dir", "data/work")
	viper.SetDefault("media.thumbnail_dir", "data/thumbnails")
	viper.SetDefault("media.ytdlp_path", "yt-dlp")
	viper.SetDefault("media.download_timeout", 30)

	// 转写默认配置
	viper.SetDefault("whisper.base_url", "http://127.0.0.1:9000")
	viper.SetDefault("whisper.model", "whisper-1")
	viper.SetDefault("whisper.timeout", 30)

	// 目录监听默认配置
	viper.SetDefault("watcher.enabled", false)
	viper.SetDefault("watcher.extensions", []string{".mp3", ".m4a", ".wav", ".flac", ".mp4", ".mkv", ".webm"})

	// 清理默认配置：每天凌晨3点执行
	viper.SetDefault("cleanup.schedule", "0 3 * * *")
	viper.SetDefault("cleanup.completed_retention_days", 30)
	viper.SetDefault("cleanup.failed_retention_days", 7)
	viper.SetDefault("cleanup.temp_max_age_hours", 24)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Media.WorkDir == "" {
		return fmt.Errorf("媒体工作目录未设置")
	}
	if config.Whisper.BaseURL == "" {
		return fmt.Errorf("转写服务地址未设置")
	}
	if config.Server.MaxConcurrentJobs <= 0 {
		config.Server.MaxConcurrentJobs = 1
	}
	return nil
}
