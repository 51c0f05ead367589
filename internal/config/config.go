package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"Redfish/internal/feature"
	"Redfish/pkg/logger"
)

// Config 描述了守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	RunQueue  QueueConfig     `json:"run_queue"`
	Artifacts ArtifactsConfig `json:"artifacts"`
	Backend   BackendConfig   `json:"backend"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 描述日志输出方式，审计日志单独落盘。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// LoggerConfig 转换为 pkg/logger 期望的结构。
func (c LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       c.Level,
		Format:      c.Format,
		OutputPaths: c.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    c.Audit.Enabled,
			Path:       c.Audit.Path,
			MaxSizeMB:  c.Audit.MaxSizeMB,
			MaxBackups: c.Audit.MaxBackups,
			MaxAgeDays: c.Audit.MaxAgeDays,
		},
	}
}

// StorageConfig 统一描述运行状态后端的连接信息。
type StorageConfig struct {
	RunStore RunStoreConfig `json:"run_store"`
}

// RunStoreConfig 支持内存实现和 MySQL。
type RunStoreConfig struct {
	Driver  string `json:"driver"`
	DSN     string `json:"dsn"`
	Retries int    `json:"retries"`
}

// QueueConfig 描述运行队列的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ArtifactsConfig 描述阶段产物的存放位置。
type ArtifactsConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

// BackendConfig 选择证明后端实现。
type BackendConfig struct {
	Driver string `json:"driver"`
}

// PipelineConfig 是流水线的阶段配置，参与产物指纹计算。
type PipelineConfig struct {
	Model                ModelConfig         `json:"model"`
	Normalization        NormalizationConfig `json:"normalization"`
	Auxiliary            AuxiliaryConfig     `json:"auxiliary"`
	SchemaPath           string              `json:"schema_path"`
	RejectZeroQuantity   bool                `json:"reject_zero_quantity"`
	EmitVerifierContract bool                `json:"emit_verifier_contract"`
}

// ModelConfig 描述被证明的评分模型。
type ModelConfig struct {
	Name            string  `json:"name"`
	InputSize       int     `json:"input_size"`
	Weights         []int64 `json:"weights"`
	FixedPointScale int64   `json:"fixed_point_scale"`
}

// NormalizationConfig 是数量归一化的参数。
type NormalizationConfig struct {
	Center     float64 `json:"center"`
	Scale      float64 `json:"scale"`
	ClampBound float64 `json:"clamp_bound"`
}

// AuxiliaryConfig 描述辅助特征的来源。
type AuxiliaryConfig struct {
	Source string    `json:"source"`
	Seed   int64     `json:"seed"`
	Values []float64 `json:"values"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}
	if c.Storage.RunStore.Retries <= 0 {
		c.Storage.RunStore.Retries = 3
	}

	if c.RunQueue.Driver == "" {
		c.RunQueue.Driver = "memory"
	}
	if c.RunQueue.Worker <= 0 {
		c.RunQueue.Worker = 4
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Artifacts.Driver == "" {
		c.Artifacts.Driver = "fs"
	}
	if c.Artifacts.Path == "" {
		c.Artifacts.Path = filepath.Join(c.Runtime.DataDir, "artifacts")
	} else if !filepath.IsAbs(c.Artifacts.Path) {
		c.Artifacts.Path = filepath.Join(baseDir, c.Artifacts.Path)
	}

	if c.Backend.Driver == "" {
		c.Backend.Driver = "gnark"
	}

	if c.Pipeline.Model.Name == "" {
		c.Pipeline.Model.Name = "balance-score"
	}
	if c.Pipeline.Model.InputSize <= 0 {
		c.Pipeline.Model.InputSize = feature.VectorSize
	}
	if len(c.Pipeline.Model.Weights) == 0 {
		weights := make([]int64, c.Pipeline.Model.InputSize)
		for i := range weights {
			weights[i] = 1
		}
		c.Pipeline.Model.Weights = weights
	}
	if c.Pipeline.Model.FixedPointScale <= 0 {
		c.Pipeline.Model.FixedPointScale = 1 << 16
	}

	if c.Pipeline.Normalization.Scale == 0 {
		defaults := feature.DefaultNormalization()
		c.Pipeline.Normalization = NormalizationConfig{
			Center:     defaults.Center,
			Scale:      defaults.Scale,
			ClampBound: defaults.ClampBound,
		}
	}

	if c.Pipeline.Auxiliary.Source == "" {
		c.Pipeline.Auxiliary.Source = "deterministic"
	}
	if c.Pipeline.Auxiliary.Source == "deterministic" && c.Pipeline.Auxiliary.Seed == 0 {
		c.Pipeline.Auxiliary.Seed = 42
	}

	if c.Pipeline.SchemaPath != "" && !filepath.IsAbs(c.Pipeline.SchemaPath) {
		c.Pipeline.SchemaPath = filepath.Join(baseDir, c.Pipeline.SchemaPath)
	}
}
