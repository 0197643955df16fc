package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_PATH", "ENABLE_QUEUE_PROCESSOR", "USE_MULTI_AGENT_EVENTS"} {
		os.Unsetenv(k)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 3020 {
		t.Errorf("Port = %d, want 3020", cfg.Port)
	}
	if !cfg.EnableQueueProcessor {
		t.Errorf("EnableQueueProcessor should default true")
	}
	if cfg.UseMultiAgentEvents {
		t.Errorf("UseMultiAgentEvents should default false")
	}
}

func TestLoadForgeYAML_MissingFileIsNotError(t *testing.T) {
	images, err := loadForgeYAML(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error, got %v", err)
	}
	if images != nil {
		t.Errorf("expected nil allowed images, got %v", images)
	}
}

func TestLoadForgeYAML_AllowedImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.yaml")
	content := "sandbox:\n  allowed_images:\n    - forge/agent-runner:latest\n    - forge/agent-runner:nightly\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp forge.yaml: %v", err)
	}

	images, err := loadForgeYAML(path)
	if err != nil {
		t.Fatalf("loadForgeYAML: %v", err)
	}
	want := []string{"forge/agent-runner:latest", "forge/agent-runner:nightly"}
	if len(images) != len(want) {
		t.Fatalf("images = %v, want %v", images, want)
	}
	for i, img := range want {
		if images[i] != img {
			t.Errorf("images[%d] = %q, want %q", i, images[i], img)
		}
	}
}

func TestLoadForgeYAML_MalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.yaml")
	if err := os.WriteFile(path, []byte("sandbox: [this is not a mapping"), 0o644); err != nil {
		t.Fatalf("write temp forge.yaml: %v", err)
	}

	if _, err := loadForgeYAML(path); err == nil {
		t.Fatalf("expected malformed forge.yaml to error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("PORT", "9090")
	os.Setenv("USE_MULTI_AGENT_EVENTS", "true")
	os.Setenv("ENABLE_QUEUE_PROCESSOR", "false")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("USE_MULTI_AGENT_EVENTS")
		os.Unsetenv("ENABLE_QUEUE_PROCESSOR")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if !cfg.UseMultiAgentEvents {
		t.Errorf("UseMultiAgentEvents should be true")
	}
	if cfg.EnableQueueProcessor {
		t.Errorf("EnableQueueProcessor should be false")
	}
}
