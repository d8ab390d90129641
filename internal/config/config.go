// Package config loads video-library settings from an optional YAML file, overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

const appDirName = "video-library"

type Config struct {
	LibraryDir   string       `yaml:"library_dir" env:"LIBRARY_DIR"`
	TempDir      string       `yaml:"temp_dir" env:"TEMP_DIR"`
	DatabasePath string       `yaml:"database_path" env:"DATABASE_PATH"`
	HistoryPath  string       `yaml:"history_path" env:"HISTORY_PATH"`
	Layout       string       `yaml:"layout" env:"LIBRARY_LAYOUT"`
	LogLevel     string       `yaml:"log_level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	Queue        QueueConfig  `yaml:"queue"`
	Repair       RepairConfig `yaml:"repair"`
	Format       FormatConfig `yaml:"format"`
	Api          ApiConfig    `yaml:"api"`
}

type QueueConfig struct {
	MaxConcurrent       int           `yaml:"max_concurrent" env:"QUEUE_MAX_CONCURRENT" env-default:"32" validate:"min=1,max=1024"`
	ProgressInterval    time.Duration `yaml:"progress_interval" env:"QUEUE_PROGRESS_INTERVAL" env-default:"500ms" validate:"min=0"`
	FinishedGracePeriod time.Duration `yaml:"finished_grace_period" env:"QUEUE_FINISHED_GRACE_PERIOD" env-default:"5m" validate:"min=0"`
	PruneInterval       time.Duration `yaml:"prune_interval" env:"QUEUE_PRUNE_INTERVAL" env-default:"30s" validate:"min=0"`
}

type RepairConfig struct {
	CompatibleCodecs []string `yaml:"compatible_codecs" env:"REPAIR_COMPATIBLE_CODECS" env-separator:","`
	TargetVideoCodec string   `yaml:"target_video_codec" env:"REPAIR_TARGET_VIDEO_CODEC" env-default:"libx264"`
	TargetAudioCodec string   `yaml:"target_audio_codec" env:"REPAIR_TARGET_AUDIO_CODEC" env-default:"aac"`
	TargetFormat     string   `yaml:"target_format" env:"REPAIR_TARGET_FORMAT" env-default:"mp4" validate:"required"`
	FFmpegPath       string   `yaml:"ffmpeg_path" env:"FFMPEG_PATH" env-default:"ffmpeg"`
	FFprobePath      string   `yaml:"ffprobe_path" env:"FFPROBE_PATH" env-default:"ffprobe"`
	// Cron expression for the library repair sweep; empty disables it.
	Schedule string `yaml:"schedule" env:"REPAIR_SCHEDULE"`
}

type FormatConfig struct {
	MaxHeight int `yaml:"max_height" env:"FORMAT_MAX_HEIGHT" validate:"min=0"`
}

type ApiConfig struct {
	HostAddr string `yaml:"host_addr" env:"API_HOST_ADDR" env-default:"127.0.0.1:8080" validate:"hostname_port"`
}

// Load reads the config file at path, if path is non-empty, then applies environment variables and defaults. Paths
// left empty are derived from the user's data directory.
func Load(path string) (*Config, error) {
	config := &Config{}
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, config)
	} else {
		err = cleanenv.ReadEnv(config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.fillPaths(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) fillPaths() error {
	if c.LibraryDir == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to derive library dir: %w", err)
		}
		c.LibraryDir = filepath.Join(dir, "Videos", appDirName)
	}
	if c.DatabasePath == "" || c.HistoryPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("failed to derive config dir: %w", err)
		}
		if c.DatabasePath == "" {
			c.DatabasePath = filepath.Join(dir, appDirName, "library.db")
		}
		if c.HistoryPath == "" {
			c.HistoryPath = filepath.Join(dir, appDirName, "history.db")
		}
	}
	if c.TempDir == "" {
		// Same filesystem as the library, so commit can link rather than copy
		c.TempDir = filepath.Join(c.LibraryDir, ".incoming")
	}
	return nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
