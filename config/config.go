package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Upload         UploadConfig         `mapstructure:"upload"`
	Reconstruction ReconstructionConfig `mapstructure:"reconstruction"`
	Segmentation   SegmentationConfig   `mapstructure:"segmentation"`
	Projection     ProjectionConfig     `mapstructure:"projection"`
	Log            LogConfig            `mapstructure:"log"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

// ReconstructionConfig 外部单目重建程序，Args 中的 {input}/{output} 会被替换为工作目录
type ReconstructionConfig struct {
	Binary           string        `mapstructure:"binary"`
	Args             []string      `mapstructure:"args"`
	Timeout          time.Duration `mapstructure:"timeout"`
	WorkDir          string        `mapstructure:"work_dir"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	QueueTimeout     time.Duration `mapstructure:"queue_timeout"`
	CleanupTempFiles bool          `mapstructure:"cleanup_temp_files"`
}

// SegmentationConfig 语义分割网络（ONNX），类别ID按 ADE20K 编号
type SegmentationConfig struct {
	ModelPath     string    `mapstructure:"model_path"`
	InputWidth    int       `mapstructure:"input_width"`
	InputHeight   int       `mapstructure:"input_height"`
	Scale         float64   `mapstructure:"scale"`
	Mean          []float64 `mapstructure:"mean"`
	SwapRB        bool      `mapstructure:"swap_rb"`
	FloorClassIDs []int     `mapstructure:"floor_class_ids"`
	WallClassIDs  []int     `mapstructure:"wall_class_ids"`
}

type ProjectionConfig struct {
	Strategy       string     `mapstructure:"strategy"`
	DepthEpsilon   float64    `mapstructure:"depth_epsilon"`
	Grid           GridConfig `mapstructure:"grid"`
	PlaneMinPoints int        `mapstructure:"plane_min_points"`
}

// GridConfig 重建内部处理网格
type GridConfig struct {
	InternalWidth  int `mapstructure:"internal_width"`
	InternalHeight int `mapstructure:"internal_height"`
	Stride         int `mapstructure:"stride"`
	Layers         int `mapstructure:"layers"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load 从 YAML 文件加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("splatkit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultPath 默认配置文件路径
const DefaultPath = "config.yaml"

// New 加载默认路径的配置。仅在文件不存在时使用内置默认配置，
// 解析或校验失败时返回错误
func New() (*Config, error) {
	if _, err := os.Stat(DefaultPath); errors.Is(err, fs.ErrNotExist) {
		return getDefaultConfig(), nil
	}
	return Load(DefaultPath)
}

// Default 返回内置默认配置
func Default() *Config {
	return getDefaultConfig()
}

// Validate 校验无法在运行时降级处理的配置
func (c *Config) Validate() error {
	switch c.Projection.Strategy {
	case "point", "grid":
	default:
		return fmt.Errorf("unknown projection strategy %q", c.Projection.Strategy)
	}

	g := c.Projection.Grid
	if g.Stride <= 0 || g.Layers <= 0 || g.InternalWidth <= 0 || g.InternalHeight <= 0 {
		return errors.New("projection.grid values must be positive")
	}
	if g.InternalWidth%g.Stride != 0 || g.InternalHeight%g.Stride != 0 {
		return fmt.Errorf("projection.grid internal size %dx%d is not divisible by stride %d",
			g.InternalWidth, g.InternalHeight, g.Stride)
	}

	if len(c.Segmentation.FloorClassIDs) == 0 {
		return errors.New("segmentation.floor_class_ids must not be empty")
	}
	if c.Reconstruction.MaxConcurrent <= 0 {
		return errors.New("reconstruction.max_concurrent must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := getDefaultConfig()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL)

	v.SetDefault("upload.max_size", d.Upload.MaxSize)
	v.SetDefault("upload.allowed_types", d.Upload.AllowedTypes)

	v.SetDefault("reconstruction.binary", d.Reconstruction.Binary)
	v.SetDefault("reconstruction.args", d.Reconstruction.Args)
	v.SetDefault("reconstruction.timeout", d.Reconstruction.Timeout)
	v.SetDefault("reconstruction.work_dir", d.Reconstruction.WorkDir)
	v.SetDefault("reconstruction.max_concurrent", d.Reconstruction.MaxConcurrent)
	v.SetDefault("reconstruction.queue_timeout", d.Reconstruction.QueueTimeout)
	v.SetDefault("reconstruction.cleanup_temp_files", d.Reconstruction.CleanupTempFiles)

	v.SetDefault("segmentation.model_path", d.Segmentation.ModelPath)
	v.SetDefault("segmentation.input_width", d.Segmentation.InputWidth)
	v.SetDefault("segmentation.input_height", d.Segmentation.InputHeight)
	v.SetDefault("segmentation.scale", d.Segmentation.Scale)
	v.SetDefault("segmentation.mean", d.Segmentation.Mean)
	v.SetDefault("segmentation.swap_rb", d.Segmentation.SwapRB)
	v.SetDefault("segmentation.floor_class_ids", d.Segmentation.FloorClassIDs)
	v.SetDefault("segmentation.wall_class_ids", d.Segmentation.WallClassIDs)

	v.SetDefault("projection.strategy", d.Projection.Strategy)
	v.SetDefault("projection.depth_epsilon", d.Projection.DepthEpsilon)
	v.SetDefault("projection.grid.internal_width", d.Projection.Grid.InternalWidth)
	v.SetDefault("projection.grid.internal_height", d.Projection.Grid.InternalHeight)
	v.SetDefault("projection.grid.stride", d.Projection.Grid.Stride)
	v.SetDefault("projection.grid.layers", d.Projection.Grid.Layers)
	v.SetDefault("projection.plane_min_points", d.Projection.PlaneMinPoints)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:  true,
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			TTL:      24 * time.Hour,
		},
		Upload: UploadConfig{
			MaxSize:      20 * 1024 * 1024,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/jpg", "image/webp"},
		},
		Reconstruction: ReconstructionConfig{
			Binary:           "sharp",
			Args:             []string{"predict", "-i", "{input}", "-o", "{output}"},
			Timeout:          10 * time.Minute,
			WorkDir:          "",
			MaxConcurrent:    1,
			QueueTimeout:     30 * time.Second,
			CleanupTempFiles: true,
		},
		Segmentation: SegmentationConfig{
			ModelPath:     "models/segformer-ade20k.onnx",
			InputWidth:    512,
			InputHeight:   512,
			Scale:         1.0 / 255.0,
			Mean:          []float64{0, 0, 0},
			SwapRB:        true,
			FloorClassIDs: []int{3, 28},
			WallClassIDs:  []int{0},
		},
		Projection: ProjectionConfig{
			Strategy:     "point",
			DepthEpsilon: 0.01,
			Grid: GridConfig{
				InternalWidth:  1536,
				InternalHeight: 1536,
				Stride:         2,
				Layers:         2,
			},
			PlaneMinPoints: 50,
		},
		Log: LogConfig{
			File:       "",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}
