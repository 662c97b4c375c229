package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Generation    struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"generation"`
	Routing struct {
		ConfidenceThreshold float64 `json:"confidence_threshold"`
		ClarifyMargin       float64 `json:"clarify_margin"`
	} `json:"routing"`
	Budget struct {
		SessionTokens    int64   `json:"session_tokens"`
		CompactThreshold float64 `json:"compact_threshold"`
	} `json:"budget"`
	Specialists struct {
		Dir            string `json:"dir"`
		MaxParallel    int64  `json:"max_parallel"`
		DefaultTimeout int    `json:"default_timeout_s"`
		MaxTimeout     int    `json:"max_timeout_s"`
	} `json:"specialists"`
	Permission struct {
		HookTimeout   int      `json:"hook_timeout_s"`
		BlockPatterns []string `json:"block_patterns"`
		AllowTools    []string `json:"allow_tools"`
	} `json:"permission"`
	Canvas struct {
		CollapseAfter int `json:"collapse_after_s"`
	} `json:"canvas"`
	Tools struct {
		CacheTTL int `json:"cache_ttl_s"`
	} `json:"tools"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".attache"),
		LogLevel:      "info",
		MaxConcurrent: 2,
	}
	cfg.Generation.Provider = "openai"
	cfg.Generation.BaseURL = "https://api.openai.com/v1"
	cfg.Generation.Model = "gpt-4o-mini"
	cfg.Generation.MaxTokens = 2000
	cfg.Generation.Temperature = 0.7
	cfg.Generation.MaxContextTokens = 128000
	cfg.Generation.OutputReserve = 4096
	cfg.Routing.ConfidenceThreshold = 0.6
	cfg.Routing.ClarifyMargin = 0.1
	cfg.Budget.SessionTokens = 200000
	cfg.Budget.CompactThreshold = 0.8
	cfg.Specialists.Dir = filepath.Join(cfg.DataDir, "specialists")
	cfg.Specialists.MaxParallel = 4
	cfg.Specialists.DefaultTimeout = 120
	cfg.Specialists.MaxTimeout = 600
	cfg.Permission.HookTimeout = 5
	cfg.Permission.BlockPatterns = []string{
		"rm -rf",
		"DROP TABLE",
		"credentials",
		"/etc/passwd",
		".ssh/",
	}
	cfg.Canvas.CollapseAfter = 300
	cfg.Tools.CacheTTL = 30
	cfg.HTTP.Listen = "127.0.0.1:8723"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.Generation.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.Generation.BaseURL = baseURL
	}
	if dataDir := os.Getenv("ATTACHE_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	return cfg, nil
}

// Save writes the config atomically, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ListValues returns all config values as a flat dot-keyed map, masking
// secrets when mask is true.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var nested map[string]any
	if err := json.Unmarshal(data, &nested); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	flat := Flatten(nested)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads a single dot-keyed value from the config file at path.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	values, err := ListValues(cfg, true)
	if err != nil {
		return nil, err
	}
	val, ok := values[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return val, nil
}

// SetValue sets a single dot-keyed value in the config file at path.
func SetValue(path, key, value string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var nested map[string]any
	if err := json.Unmarshal(data, &nested); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	flat := Flatten(nested)
	if _, ok := flat[key]; !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	flat[key] = coerce(flat[key], value)
	merged, err := json.Marshal(Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	out := &Config{}
	if err := json.Unmarshal(merged, out); err != nil {
		return fmt.Errorf("apply config value: %w", err)
	}
	return Save(path, out)
}

// coerce converts the string value to the type of the existing value so
// numeric and boolean settings round-trip through `config set`.
func coerce(existing any, value string) any {
	switch existing.(type) {
	case float64:
		var f float64
		if _, err := fmt.Sscanf(value, "%g", &f); err == nil {
			return f
		}
	case bool:
		return value == "true"
	}
	return value
}
