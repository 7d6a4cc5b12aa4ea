package watch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the watch-folder daemon configuration.
type Config struct {
	// WatchDir is scanned for new input files.
	WatchDir string `yaml:"watch_dir"`
	// OutputDir receives enhanced outputs, mirroring input names.
	OutputDir string `yaml:"output_dir"`

	ScanInterval string `yaml:"scan_interval"` // e.g. "5s", "1m"
	Recursive    bool   `yaml:"recursive"`

	// Include/Exclude are glob patterns matched against file names.
	// Empty Include means video defaults.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`

	// Stability gates enqueuing until a file stops changing, so uploads
	// and slow copies are not picked up half-written.
	Stability StabilityConfig `yaml:"stability"`

	// OnComplete controls what happens to the input after success:
	// "move" (to _completed/) or "delete".
	OnComplete string `yaml:"on_complete"`

	// Job parameters applied to every enqueued file.
	Spec           map[string]interface{} `yaml:"spec"`
	MaxAttempts    int                    `yaml:"max_attempts"`
	TimeoutSeconds int                    `yaml:"timeout_seconds"`
}

// StabilityConfig tunes the unchanged-file gate.
type StabilityConfig struct {
	// Checks is how many consecutive scans must observe identical size and
	// mtime before the file is considered settled.
	Checks   int    `yaml:"checks"`
	Interval string `yaml:"interval"` // spacing between checks
}

const (
	// completedSubdir and failedSubdir are created under the watch dir.
	completedSubdir = "_completed"
	failedSubdir    = "_failed"

	// claimSuffix marks a file as claimed by a producer. The marker is
	// created with O_EXCL so two daemons never enqueue the same file.
	claimSuffix = ".vfclaim"
	// errorSuffix names the sidecar written next to failed inputs.
	errorSuffix = ".error"
)

var defaultInclude = []string{"*.mp4", "*.mkv", "*.mov", "*.avi", "*.webm"}

// LoadConfig reads and validates a single-folder watch configuration file.
func LoadConfig(path string) (*Config, error) {
	configs, err := LoadConfigs(path)
	if err != nil {
		return nil, err
	}
	return configs[0], nil
}

// LoadConfigs reads a watch configuration file holding either one folder
// entry at the top level or several under a "folders" list. Each entry
// becomes its own producer; they share the queue store and worker pool.
func LoadConfigs(path string) ([]*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var multi struct {
		Folders []*Config `yaml:"folders"`
	}
	if err := yaml.Unmarshal(data, &multi); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(multi.Folders) > 0 {
		seen := make(map[string]bool)
		for i, config := range multi.Folders {
			config.applyDefaults()
			if err := config.Validate(); err != nil {
				return nil, fmt.Errorf("folders[%d]: %w", i, err)
			}
			if seen[config.WatchDir] {
				return nil, fmt.Errorf("folders[%d]: watch_dir %s listed twice", i, config.WatchDir)
			}
			seen[config.WatchDir] = true
		}
		return multi.Folders, nil
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return []*Config{&config}, nil
}

func (c *Config) applyDefaults() {
	if c.ScanInterval == "" {
		c.ScanInterval = "5s"
	}
	if len(c.Include) == 0 {
		c.Include = defaultInclude
	}
	if c.Stability.Checks <= 0 {
		c.Stability.Checks = 3
	}
	if c.Stability.Interval == "" {
		c.Stability.Interval = "1s"
	}
	if c.OnComplete == "" {
		c.OnComplete = "move"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.WatchDir == "" {
		return fmt.Errorf("watch_dir is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.OnComplete != "move" && c.OnComplete != "delete" {
		return fmt.Errorf("on_complete must be \"move\" or \"delete\", got %q", c.OnComplete)
	}
	if _, err := time.ParseDuration(c.ScanInterval); err != nil {
		return fmt.Errorf("invalid scan_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Stability.Interval); err != nil {
		return fmt.Errorf("invalid stability.interval: %w", err)
	}
	return nil
}

// ScanIntervalDuration returns the parsed scan interval.
func (c *Config) ScanIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.ScanInterval)
	return d
}

// StabilityIntervalDuration returns the parsed stability check spacing.
func (c *Config) StabilityIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Stability.Interval)
	return d
}

// ExampleConfig documents the full watch configuration.
const ExampleConfig = `# vidforge watch daemon configuration

# Directory scanned for new inputs
watch_dir: /srv/media/incoming

# Directory receiving enhanced outputs
output_dir: /srv/media/enhanced

# How often the watch directory is scanned
scan_interval: "5s"

# Descend into subdirectories
recursive: false

# File name patterns to pick up (glob)
include:
  - "*.mp4"
  - "*.mkv"

# File name patterns to skip
exclude:
  - "*.partial"
  - ".*"

# A file must look identical this many scans in a row before it is
# enqueued. Protects against half-copied uploads.
stability:
  checks: 3
  interval: "1s"

# What to do with the input after a successful run: move | delete
on_complete: move

# Enhancement parameters passed to the backend
spec:
  scale: 2x
  denoise: true

# Retry budget and per-job timeout
max_attempts: 3
timeout_seconds: 3600

# Several folders can share one daemon. List them under "folders", each
# entry taking the same keys as above, and drop the top-level ones:
#
# folders:
#   - watch_dir: /srv/media/film
#     output_dir: /srv/media/film-enhanced
#     spec: {scale: 2x, denoise: true}
#   - watch_dir: /srv/media/archive
#     output_dir: /srv/media/archive-enhanced
#     on_complete: delete
`
