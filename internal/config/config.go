package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ErrThreshold is returned when the unused threshold is negative.
var ErrThreshold = errors.New("invalid unused threshold")

// Config holds all configuration for hokori.
type Config struct {
	AWS      AWSConfig      `mapstructure:"aws"      yaml:"aws"`
	Analysis AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	Taxonomy TaxonomyConfig `mapstructure:"taxonomy" yaml:"taxonomy"`
	Storage  StorageConfig  `mapstructure:"storage"  yaml:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  yaml:"metrics"`
}

type AWSConfig struct {
	Region      string `mapstructure:"region"       yaml:"region"`
	Profile     string `mapstructure:"profile"      yaml:"profile"`
	MaxAttempts int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	// MaxWorkers bounds concurrent service-last-accessed jobs.
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`
}

type AnalysisConfig struct {
	UnusedThresholdDays    int      `mapstructure:"unused_threshold_days"    yaml:"unused_threshold_days"`
	AdminPolicyArn         string   `mapstructure:"admin_policy_arn"         yaml:"admin_policy_arn"`
	AdvisorBlindSpots      []string `mapstructure:"advisor_blind_spots"      yaml:"advisor_blind_spots"`
	UnresolvedIsWrite      bool     `mapstructure:"unresolved_is_write"      yaml:"unresolved_is_write"`
	Workers                int      `mapstructure:"workers"                  yaml:"workers"`
	MaxRecommendedPolicies int      `mapstructure:"max_recommended_policies" yaml:"max_recommended_policies"`
}

type TaxonomyConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	URL  string `mapstructure:"url"  yaml:"url"`
}

type StorageConfig struct {
	Path          string `mapstructure:"path"           yaml:"path"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

type MetricsConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// DefaultConfigPath returns the default path to the config file.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hokori/config.yaml"
	}
	return filepath.Join(home, ".hokori", "config.yaml")
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".hokori")
	return &Config{
		AWS: AWSConfig{
			Region:      "us-east-1",
			MaxAttempts: 10,
			MaxWorkers:  5,
		},
		Analysis: AnalysisConfig{
			UnusedThresholdDays: 90,
			AdminPolicyArn:      "arn:aws:iam::aws:policy/AdministratorAccess",
			AdvisorBlindSpots:   []string{"iam:PassRole", "s3:GetObject", "s3:PutObject"},
			Workers:             4,
		},
		Taxonomy: TaxonomyConfig{
			Path: filepath.Join(dir, "iam-definition.json"),
			URL:  "https://raw.githubusercontent.com/salesforce/policy_sentry/master/policy_sentry/shared/data/iam-definition.json",
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "data.db"),
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Endpoint: "0.0.0.0:9090",
		},
	}
}

// Load reads configuration from the given path using viper.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := DefaultConfig()
	v.SetDefault("aws.region", def.AWS.Region)
	v.SetDefault("aws.profile", def.AWS.Profile)
	v.SetDefault("aws.max_attempts", def.AWS.MaxAttempts)
	v.SetDefault("aws.max_workers", def.AWS.MaxWorkers)
	v.SetDefault("analysis.unused_threshold_days", def.Analysis.UnusedThresholdDays)
	v.SetDefault("analysis.admin_policy_arn", def.Analysis.AdminPolicyArn)
	v.SetDefault("analysis.advisor_blind_spots", def.Analysis.AdvisorBlindSpots)
	v.SetDefault("analysis.unresolved_is_write", def.Analysis.UnresolvedIsWrite)
	v.SetDefault("analysis.workers", def.Analysis.Workers)
	v.SetDefault("analysis.max_recommended_policies", def.Analysis.MaxRecommendedPolicies)
	v.SetDefault("taxonomy.path", def.Taxonomy.Path)
	v.SetDefault("taxonomy.url", def.Taxonomy.URL)
	v.SetDefault("storage.path", def.Storage.Path)
	v.SetDefault("storage.retention_days", def.Storage.RetentionDays)
	v.SetDefault("metrics.endpoint", def.Metrics.Endpoint)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found at %s: run 'hokori init' to create one", path)
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Storage.Path = ExpandPath(cfg.Storage.Path)
	cfg.Taxonomy.Path = ExpandPath(cfg.Taxonomy.Path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the analysis cannot run with.
func (c *Config) Validate() error {
	if err := ValidateThreshold(c.Analysis.UnusedThresholdDays); err != nil {
		return err
	}
	if c.Analysis.Workers <= 0 {
		return fmt.Errorf("analysis.workers must be positive, got %d", c.Analysis.Workers)
	}
	if c.AWS.MaxWorkers <= 0 {
		return fmt.Errorf("aws.max_workers must be positive, got %d", c.AWS.MaxWorkers)
	}
	if c.Analysis.MaxRecommendedPolicies < 0 {
		return fmt.Errorf("analysis.max_recommended_policies must not be negative, got %d", c.Analysis.MaxRecommendedPolicies)
	}
	return nil
}

// ValidateThreshold checks an unused threshold in days.
func ValidateThreshold(days int) error {
	if days < 0 {
		return fmt.Errorf("%w: %d days (must be >= 0)", ErrThreshold, days)
	}
	return nil
}

// ExpandPath expands ~ in a file path to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
