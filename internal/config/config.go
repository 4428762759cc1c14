package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Platform      Platform      `yaml:"platform"`
	Monitor       Monitor       `yaml:"monitor"`
	Summarization Summarization `yaml:"summarization"`
	Notify        Notify        `yaml:"notify"`
	Output        Output        `yaml:"output"`
	Server        Server        `yaml:"server"`
}

type Platform struct {
	CookieEnv      string   `yaml:"cookie_env"`
	SignCommand    []string `yaml:"sign_command"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type Monitor struct {
	InitialSample  int    `yaml:"initial_sample"`
	BackoffSeconds int    `yaml:"backoff_seconds"`
	SourceLabel    string `yaml:"source_label"`
}

type Summarization struct {
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	Prompt         string  `yaml:"prompt"`
	BatchSize      int     `yaml:"batch_size"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TextHintMaxLen int     `yaml:"text_hint_max_len"`
}

type Notify struct {
	AppIDEnv     string `yaml:"app_id_env"`
	AppSecretEnv string `yaml:"app_secret_env"`
	ReceiveIDEnv string `yaml:"receive_id_env"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

// ConfigDir returns the XDG config directory for notewatch.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "notewatch")
}

// DataDir returns the XDG data directory for notewatch.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "notewatch")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/notewatch/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'notewatch init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file, then loads a .env file from the
// working directory if one exists. Secrets (platform cookie, AI key, Feishu
// credentials) live in the environment, never in the YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}

	// Missing .env is fine; the environment may be set another way.
	_ = godotenv.Load()

	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Platform: Platform{
			CookieEnv:      "XHS_COOKIE",
			TimeoutSeconds: 30,
		},
		Monitor: Monitor{
			InitialSample:  3,
			BackoffSeconds: 60,
			SourceLabel:    "RedNote",
		},
		Summarization: Summarization{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			APIKeyEnv:      "AI_API_KEY",
			BatchSize:      4,
			MaxTokens:      1024,
			Temperature:    0.3,
			TextHintMaxLen: 800,
		},
		Notify: Notify{
			AppIDEnv:     "FEISHU_APP_ID",
			AppSecretEnv: "FEISHU_APP_SECRET",
			ReceiveIDEnv: "FEISHU_USER_OPEN_ID",
		},
		Server: Server{Port: 8000},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// Secret reads an environment variable named by an *_env config field,
// stripping wrapping quotes that tend to sneak in from copied .env lines.
func Secret(envName string) string {
	v := os.Getenv(envName)
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
	}
	return strings.TrimSpace(v)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
