// Package config builds the engine's configuration once at startup from
// environment variables, following spec.md §6 exactly, plus the sandbox
// and poll-interval tuning fields the ambient stack needs.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a flat, explicitly-passed configuration value. No package
// holds ambient config state; every component receives the fields it
// needs from this struct at construction time.
type Config struct {
	Port int

	DatabasePath  string
	EventDir      string
	WorkspacesDir string
	ProjectsDir   string

	GitHubToken string
	GitHubOwner string

	EnableQueueProcessor bool
	UseMultiAgentEvents  bool

	VibeSuiteURL  string
	VibeSuitePort int

	SandboxImage       string
	SandboxNetworkMode string
	SandboxMemoryMB    int64
	SandboxCPUShares   int64

	ALMFlushInterval   time.Duration
	RouterPollInterval time.Duration
	QueuePollInterval  time.Duration

	LogLevel string

	TelegramToken   string
	TelegramChatIDs []int64
	TelegramEnabled bool
	OTelExporter    string
	AuthToken       string

	// SandboxAllowedImages restricts which container images a spawn
	// request may run, loaded once from forge.yaml at startup. Empty
	// means no restriction beyond SandboxImage itself.
	SandboxAllowedImages []string
}

// sandboxStaticConfig mirrors the sandbox section of forge.yaml, the
// teacher's static-defaults-file pattern (policy.yaml/config.yaml)
// applied to the one thing in this engine that benefits from a
// reviewable allow-list rather than a single env var.
type sandboxStaticConfig struct {
	Sandbox struct {
		AllowedImages []string `yaml:"allowed_images"`
	} `yaml:"sandbox"`
}

// loadForgeYAML reads forge.yaml if present, returning its allowed
// image list. A missing file is not an error; a malformed one is.
func loadForgeYAML(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sc sandboxStaticConfig
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	return sc.Sandbox.AllowedImages, nil
}

// Load reads the process environment and builds a Config, applying the
// defaults spec.md §6 specifies (PORT=3020) and the ambient defaults the
// rest of the system needs. It optionally loads a .env file first,
// without overriding variables already present in the environment —
// the same opportunistic-load policy as the teacher's loadDotEnv.
//
// A missing forge.yaml is tolerated the same way a missing .env is; a
// malformed forge.yaml is not, and Load returns a non-nil error in that
// case after still populating every other field.
func Load() (*Config, error) {
	loadDotEnv(".env")

	cfg := &Config{
		Port:                 envInt("PORT", 3020),
		DatabasePath:         envString("DATABASE_PATH", "./forge.db"),
		EventDir:             envString("EVENT_DIR", "./events"),
		WorkspacesDir:        envString("WORKSPACES_DIR", "./workspaces"),
		ProjectsDir:          envString("PROJECTS_DIR", "./projects"),
		GitHubToken:          os.Getenv("GITHUB_TOKEN"),
		GitHubOwner:          os.Getenv("GITHUB_OWNER"),
		EnableQueueProcessor: envString("ENABLE_QUEUE_PROCESSOR", "true") != "false",
		UseMultiAgentEvents:  envString("USE_MULTI_AGENT_EVENTS", "false") == "true",
		VibeSuiteURL:         os.Getenv("VIBE_SUITE_URL"),
		VibeSuitePort:        envInt("VIBE_SUITE_PORT", 0),

		SandboxImage:       envString("SANDBOX_IMAGE", "forge/agent-runner:latest"),
		SandboxNetworkMode: envString("SANDBOX_NETWORK_MODE", "bridge"),
		SandboxMemoryMB:    int64(envInt("SANDBOX_MEMORY_MB", 2048)),
		SandboxCPUShares:   int64(envInt("SANDBOX_CPU_SHARES", 1024)),

		ALMFlushInterval:   envDuration("ALM_FLUSH_INTERVAL", time.Second),
		RouterPollInterval: envDuration("ROUTER_POLL_INTERVAL", 5*time.Second),
		QueuePollInterval:  envDuration("QUEUE_POLL_INTERVAL", 5*time.Second),

		LogLevel: envString("LOG_LEVEL", "info"),

		TelegramToken:   os.Getenv("TELEGRAM_TOKEN"),
		TelegramEnabled: envString("TELEGRAM_ENABLED", "false") == "true",
		OTelExporter:    envString("FORGE_OTEL_EXPORTER", "none"),
		AuthToken:       os.Getenv("FORGE_AUTH_TOKEN"),
	}
	if ids := os.Getenv("TELEGRAM_ALLOWED_IDS"); ids != "" {
		for _, part := range strings.Split(ids, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if v, err := strconv.ParseInt(part, 10, 64); err == nil {
				cfg.TelegramChatIDs = append(cfg.TelegramChatIDs, v)
			}
		}
	}
	images, err := loadForgeYAML(envString("FORGE_YAML_PATH", "forge.yaml"))
	if err != nil {
		return cfg, fmt.Errorf("load forge.yaml: %w", err)
	}
	cfg.SandboxAllowedImages = images
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// loadDotEnv sets environment variables from a simple KEY=VALUE file,
// skipping blank lines and lines starting with '#', and never
// overwriting a variable that is already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
