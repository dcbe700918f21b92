package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

type LLMConfig struct {
	Model   string `json:"model" env:"MAIL_LLM_MODEL"`
	APIKey  string `json:"api_key" env:"MAIL_LLM_API_KEY"`
	BaseURL string `json:"base_url" env:"MAIL_LLM_BASE_URL"`
}

type SwarmConfig struct {
	Name       string `json:"name" env:"MAIL_SWARM_NAME"`
	BaseURL    string `json:"base_url" env:"MAIL_SWARM_BASE_URL"`
	Entrypoint string `json:"entrypoint" env:"MAIL_SWARM_ENTRYPOINT"`
}

type GatewayConfig struct {
	Host      string `json:"host" env:"MAIL_GATEWAY_HOST"`
	Port      int    `json:"port" env:"MAIL_GATEWAY_PORT"`
	AuthToken string `json:"auth_token" env:"MAIL_GATEWAY_AUTH_TOKEN"`
}

type RegistryConfig struct {
	File             string        `json:"file" env:"MAIL_REGISTRY_FILE"`
	HealthInterval   time.Duration `json:"health_interval" env:"MAIL_REGISTRY_HEALTH_INTERVAL"`
	FailureThreshold int           `json:"failure_threshold" env:"MAIL_REGISTRY_FAILURE_THRESHOLD"`
}

type RouterConfig struct {
	Timeout time.Duration `json:"timeout" env:"MAIL_ROUTER_TIMEOUT"`
}

type Config struct {
	Swarm    SwarmConfig    `json:"swarm"`
	Gateway  GatewayConfig  `json:"gateway"`
	Registry RegistryConfig `json:"registry"`
	Router   RouterConfig   `json:"router"`
	LLM      LLMConfig      `json:"llm"`
}

func DefaultConfig() *Config {
	return &Config{
		Swarm: SwarmConfig{
			Name:       "local",
			Entrypoint: "supervisor",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Registry: RegistryConfig{
			File:             "swarm_registry.json",
			HealthInterval:   30 * time.Second,
			FailureThreshold: 3,
		},
		Router: RouterConfig{
			Timeout: 60 * time.Second,
		},
		LLM: LLMConfig{
			Model: "gpt-4o-mini",
		},
	}
}

// LoadConfig reads a JSON config file and overlays MAIL_* environment
// variables. A missing file is not an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ListenAddr is the gateway bind address in host:port form.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}
