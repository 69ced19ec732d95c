package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.CaptureInterval() != 24*time.Hour {
		t.Fatalf("expected 24h capture interval, got %s", cfg.CaptureInterval())
	}
	if !cfg.Capture.OnStart {
		t.Fatalf("expected capture on start by default")
	}
	if len(cfg.Milestones.Catalog) != 7 {
		t.Fatalf("unexpected catalog %v", cfg.Milestones.Catalog)
	}
	if cfg.ExportInterval() != 0 {
		t.Fatalf("export should be disabled by default")
	}
}

func TestValidateRejects(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"BadTimezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "config.timezone"},
		{"MissingInterval", func(c *Config) { c.Capture.Interval = "" }, "capture.interval is required"},
		{"ShortInterval", func(c *Config) { c.Capture.Interval = "10s" }, "at least 1m"},
		{"UnknownType", func(c *Config) { c.Initiatives.Types = []string{"Epic"} }, "unknown type Epic"},
		{"NoTypes", func(c *Config) { c.Initiatives.Types = nil }, "types is required"},
		{"BlankMilestone", func(c *Config) { c.Milestones.Catalog = []string{"Planning", " "} }, "empty milestone"},
		{"DuplicateMilestone", func(c *Config) { c.Milestones.Catalog = []string{"Live", "Live"} }, "twice"},
		{"BadExportInterval", func(c *Config) { c.Export.Interval = "soon" }, "export.interval"},
		{"BucketWithoutKey", func(c *Config) { c.Export.S3.Bucket = "b"; c.Export.S3.Key = "" }, "s3.key"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := Default()
	cfg.Timezone = "UTC"
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	if loc != time.UTC {
		t.Fatalf("unexpected location %s", loc)
	}
	cfg.Timezone = ""
	if loc, _ := cfg.Location(); loc != time.Local {
		t.Fatalf("expected local zone")
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.Capture.Interval != "24h" {
		t.Fatalf("expected default interval, got %s", cfg.Capture.Interval)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected missing config error from Load")
	}

	custom := strings.Replace(GenerateDefault(), "interval: 24h", "interval: 12h", 1)
	if err := os.WriteFile(filepath.Join(dir, "milestoneline.yml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CaptureInterval() != 12*time.Hour {
		t.Fatalf("expected 12h, got %s", cfg.CaptureInterval())
	}
}

func TestFromYAMLInvalid(t *testing.T) {
	if _, err := FromYAML([]byte("capture: [")); err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}
