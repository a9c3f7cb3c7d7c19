package main

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/deepsynoptic/mosaicd"
)

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type S3Config struct {
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type GroupConfig struct {
	N               int     `yaml:"n"`
	OverlapK        int     `yaml:"overlap_k"`
	MaxGapMin       float64 `yaml:"max_gap_min"`
	MaxSpanMin      float64 `yaml:"max_span_min"`
	DecCoherenceDeg float64 `yaml:"dec_coherence_deg"`
	AllowAsymmetric bool    `yaml:"allow_asymmetric"`
}

type ObservatoryConfig struct {
	Name         string  `yaml:"name"`
	LongitudeDeg float64 `yaml:"longitude_deg"`
	LatitudeDeg  float64 `yaml:"latitude_deg"`
}

// Config is the daemon configuration, loaded from YAML with env overrides.
type Config struct {
	StateDir    string `yaml:"state_dir"`
	ArchiveRoot string `yaml:"archive_root"`
	ImagesDir   string `yaml:"images_dir"`
	MosaicsDir  string `yaml:"mosaics_dir"`
	HelperBin   string `yaml:"helper_bin"`

	Refant                 string  `yaml:"refant"`
	BPValidityHours        float64 `yaml:"bp_validity_hours"`
	GainValidityMin        float64 `yaml:"gain_validity_min"`
	ImagingSuccessFraction float64 `yaml:"imaging_success_fraction"`
	MaxWorkers             int     `yaml:"max_workers"`
	GroupDeadlineMin       float64 `yaml:"group_deadline_min"`
	PollSleepSec           float64 `yaml:"poll_sleep_sec"`
	PhotometryEnabled      bool    `yaml:"photometry_enabled"`

	Group       GroupConfig       `yaml:"group"`
	Observatory ObservatoryConfig `yaml:"observatory"`
	Redis       *RedisConfig      `yaml:"redis"`
	S3          *S3Config         `yaml:"s3"`
}

func DefaultConfig() Config {
	return Config{
		Refant:                 "103",
		BPValidityHours:        12,
		GainValidityMin:        30,
		ImagingSuccessFraction: 0.75,
		MaxWorkers:             4,
		GroupDeadlineMin:       120,
		PollSleepSec:           30,
		Group: GroupConfig{
			N:               10,
			OverlapK:        2,
			MaxGapMin:       6,
			MaxSpanMin:      60,
			DecCoherenceDeg: 0.1,
		},
		Observatory: ObservatoryConfig{
			Name:         "OVRO",
			LongitudeDeg: -118.2817,
			LatitudeDeg:  37.2339,
		},
	}
}

// LoadConfig reads path (or $MOSAICD_CONFIG when path is empty) over the
// defaults, then applies env overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv("MOSAICD_CONFIG")
	}
	if path != "" {
		ba, err := os.ReadFile(path)
		if err != nil {
			return cfg, mosaicd.Error{Code: mosaicd.Config, Err: err, UserData: path}
		}
		if err := yaml.Unmarshal(ba, &cfg); err != nil {
			return cfg, mosaicd.Error{Code: mosaicd.Config, Err: err, UserData: path}
		}
	}
	if v := os.Getenv("MOSAICD_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("MOSAICD_ARCHIVE_ROOT"); v != "" {
		cfg.ArchiveRoot = v
	}
	if v := os.Getenv("MOSAICD_HELPER_BIN"); v != "" {
		cfg.HelperBin = v
	}
	if v := os.Getenv("MOSAICD_REDIS_ADDR"); v != "" {
		if cfg.Redis == nil {
			cfg.Redis = &RedisConfig{}
		}
		cfg.Redis.Address = v
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.StateDir == "" {
		return mosaicd.Errorf(mosaicd.Config, "state_dir is required")
	}
	if c.ArchiveRoot == "" {
		return mosaicd.Errorf(mosaicd.Config, "archive_root is required")
	}
	if c.ImagingSuccessFraction <= 0 || c.ImagingSuccessFraction > 1 {
		return mosaicd.Errorf(mosaicd.Config, "imaging_success_fraction %.2f out of (0, 1]", c.ImagingSuccessFraction)
	}
	if c.Group.N < 3 || c.Group.OverlapK < 0 || c.Group.OverlapK >= c.Group.N {
		return mosaicd.Errorf(mosaicd.Config, "invalid group window: n=%d k=%d", c.Group.N, c.Group.OverlapK)
	}
	return nil
}
