package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fitrepair.yaml")
	body := `
repair:
  multi_gap: true
  confirm_messages: 4
checks:
  - monotonic-record-timestamps
  - single-file-id
logging:
  level: debug
  file: logs/fitrepair.log
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	want := Default()
	want.Repair.MultiGap = true
	want.Repair.ConfirmMessages = 4
	want.Checks = []string{"monotonic-record-timestamps", "single-file-id"}
	want.Logging.Level = "debug"
	want.Logging.File = filepath.Join(dir, "logs", "fitrepair.log")
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown check", "checks: [no-such-check]\n", "unknown check"},
		{"index format", "export:\n  index_format: xlsx\n", "index_format"},
		{"max excision", "repair:\n  max_excision: -1\n", "max_excision"},
		{"bad yaml", "repair: [\n", "parse config file"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
