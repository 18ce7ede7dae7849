// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Resource ResourceConfig `mapstructure:"resource"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Download DownloadConfig `mapstructure:"download"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// FinalizeTimeoutMinutes 是合并操作的执行时间上限（比默认请求超时宽松得多）。
	FinalizeTimeoutMinutes int `mapstructure:"finalize_timeout_minutes"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// StorageConfig 存储本地磁盘与 MinIO 镜像的配置。
type StorageConfig struct {
	// BaseDir 是本地存储根目录，chunks/ 与 artifacts/ 都在它下面。
	BaseDir string      `mapstructure:"base_dir"`
	MinIO   MinIOConfig `mapstructure:"minio"`
}

// MinIOConfig 存储 MinIO 对象存储镜像的配置。
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// UploadConfig 存储分片上传与合并相关的配置。
type UploadConfig struct {
	// DefaultChunkSize 是建议客户端使用的基准分片大小 (5MB)。
	DefaultChunkSize int64 `mapstructure:"default_chunk_size"`
	// SessionTimeoutMinutes 是上传会话的空闲过期时间。
	SessionTimeoutMinutes int `mapstructure:"session_timeout_minutes"`
	// WriteMaxAttempts 是分片写入的最大尝试次数（含首次）。
	WriteMaxAttempts int `mapstructure:"write_max_attempts"`
	// WriteBackoffSeconds 是首次重试前的等待秒数，之后按指数翻倍 (1s, 2s, 4s)。
	WriteBackoffSeconds int `mapstructure:"write_backoff_seconds"`
	// DirectThresholdBytes 以上的文件使用直写合并策略 (100MB)。
	DirectThresholdBytes int64 `mapstructure:"direct_threshold_bytes"`
	// AssembleBufferBytes 是缓冲合并策略的 I/O 缓冲大小 (1MB)。
	AssembleBufferBytes int `mapstructure:"assemble_buffer_bytes"`
	// GovernorCheckEvery 指每处理多少个分片咨询一次资源监控。
	GovernorCheckEvery int `mapstructure:"governor_check_every"`
	// InMemoryChecksumBytes 以下的单发上传直接在内存中完成校验和计算 (50MB)。
	InMemoryChecksumBytes int64 `mapstructure:"in_memory_checksum_bytes"`
	// DefaultRetentionHours 是新文件的默认保留时长，0 表示永久保留。
	DefaultRetentionHours int `mapstructure:"default_retention_hours"`
}

// SessionTimeout 返回会话过期时长。
func (c UploadConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// ResourceConfig 存储资源监控相关的配置。
type ResourceConfig struct {
	// MemoryLimitMB 是进程允许使用的内存上限，ratio 以它为分母。
	MemoryLimitMB int `mapstructure:"memory_limit_mb"`
	// MemoryHighWatermark 超过该比例视为内存压力过高 (0.8)。
	MemoryHighWatermark float64 `mapstructure:"memory_high_watermark"`
	// DiskHighWatermark 超过该比例视为磁盘压力过高 (0.9)。
	DiskHighWatermark float64 `mapstructure:"disk_high_watermark"`
	// DiskPath 是磁盘用量探测的挂载点，默认取存储根目录。
	DiskPath string `mapstructure:"disk_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// CleanupConfig 存储后台清理任务的配置。
type CleanupConfig struct {
	// CronSpec 是过期会话/文件清理的调度表达式，例如 "@every 10m"。
	CronSpec string `mapstructure:"cron_spec"`
}

// DownloadConfig 存储下载令牌相关的配置。
type DownloadConfig struct {
	TokenSecret     string `mapstructure:"token_secret"`
	TokenTTLMinutes int    `mapstructure:"token_ttl_minutes"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}
