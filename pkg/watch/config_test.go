package watch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watch.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
watch_dir: /srv/in
output_dir: /srv/out
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ScanInterval != "5s" {
		t.Errorf("scan_interval = %q, want 5s default", cfg.ScanInterval)
	}
	if cfg.Stability.Checks != 3 {
		t.Errorf("stability.checks = %d, want 3 default", cfg.Stability.Checks)
	}
	if cfg.OnComplete != "move" {
		t.Errorf("on_complete = %q, want move default", cfg.OnComplete)
	}
	if cfg.MaxAttempts != 1 {
		t.Errorf("max_attempts = %d, want 1 default", cfg.MaxAttempts)
	}
	if len(cfg.Include) == 0 {
		t.Error("include patterns default missing")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing watch_dir", "output_dir: /srv/out\n", "watch_dir"},
		{"missing output_dir", "watch_dir: /srv/in\n", "output_dir"},
		{
			"bad on_complete",
			"watch_dir: /srv/in\noutput_dir: /srv/out\non_complete: archive\n",
			"on_complete",
		},
		{
			"bad interval",
			"watch_dir: /srv/in\noutput_dir: /srv/out\nscan_interval: soon\n",
			"scan_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
watch_dir: /srv/in
output_dir: /srv/out
scan_interval: "10s"
recursive: true
include: ["*.mkv"]
exclude: ["*.partial"]
stability:
  checks: 5
  interval: "2s"
on_complete: delete
spec:
  scale: 2x
max_attempts: 4
timeout_seconds: 600
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Recursive || cfg.Stability.Checks != 5 || cfg.OnComplete != "delete" {
		t.Errorf("config not applied: %+v", cfg)
	}
	if cfg.Spec["scale"] != "2x" {
		t.Errorf("spec lost: %v", cfg.Spec)
	}
	if cfg.TimeoutSeconds != 600 {
		t.Errorf("timeout_seconds = %d", cfg.TimeoutSeconds)
	}
}

func TestLoadConfigsMultipleFolders(t *testing.T) {
	path := writeConfig(t, `
folders:
  - watch_dir: /srv/film
    output_dir: /srv/film-out
    spec: {scale: 2x}
  - watch_dir: /srv/archive
    output_dir: /srv/archive-out
    on_complete: delete
    max_attempts: 2
`)
	configs, err := LoadConfigs(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 2 {
		t.Fatalf("got %d folder entries, want 2", len(configs))
	}
	if configs[0].WatchDir != "/srv/film" || configs[1].WatchDir != "/srv/archive" {
		t.Errorf("folder order not preserved: %s, %s", configs[0].WatchDir, configs[1].WatchDir)
	}
	// Defaults apply per entry.
	if configs[0].OnComplete != "move" || configs[0].Stability.Checks != 3 {
		t.Errorf("defaults not applied to first entry: %+v", configs[0])
	}
	if configs[1].OnComplete != "delete" || configs[1].MaxAttempts != 2 {
		t.Errorf("second entry overrides lost: %+v", configs[1])
	}
}

func TestLoadConfigsRejectsBadFolderEntry(t *testing.T) {
	path := writeConfig(t, `
folders:
  - watch_dir: /srv/film
    output_dir: /srv/film-out
  - watch_dir: /srv/archive
`)
	_, err := LoadConfigs(path)
	if err == nil || !strings.Contains(err.Error(), "folders[1]") {
		t.Errorf("expected folders[1] validation error, got %v", err)
	}
}

func TestLoadConfigsRejectsDuplicateWatchDir(t *testing.T) {
	path := writeConfig(t, `
folders:
  - watch_dir: /srv/film
    output_dir: /srv/a
  - watch_dir: /srv/film
    output_dir: /srv/b
`)
	_, err := LoadConfigs(path)
	if err == nil || !strings.Contains(err.Error(), "listed twice") {
		t.Errorf("expected duplicate watch_dir error, got %v", err)
	}
}

func TestExampleConfigParses(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ExampleConfig))
	if err != nil {
		t.Fatalf("shipped example config does not load: %v", err)
	}
	if cfg.WatchDir == "" || cfg.OutputDir == "" {
		t.Error("example config missing directories")
	}
}
