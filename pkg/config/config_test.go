package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	settings, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(settings) != 0 {
		t.Fatalf("expected empty settings, got %v", settings)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "proctop.yaml")
	want := map[string]string{
		"sort_field":         "cpu",
		"sort_ascending":     "false",
		"update_interval_ms": "1500",
		"visible_columns":    "pid,user,command",
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestLoadTypedScalars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctop.yaml")
	data := "tree_view: true\nupdate_interval_ms: 2000\ncolor_scheme:\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{"tree_view": "true", "update_interval_ms": "2000", "color_scheme": ""}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestLoadRejectsNestedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctop.yaml")
	if err := os.WriteFile(path, []byte("columns:\n  - pid\n"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "columns") {
		t.Fatalf("expected a nested value error, got %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Cleanup(func() { userConfigDir = os.UserConfigDir })
	userConfigDir = func() (string, error) { return "/home/alice/.config", nil }

	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/home/alice/.config/proctop/proctop.yaml" {
		t.Fatalf("unexpected path %q", path)
	}
}
