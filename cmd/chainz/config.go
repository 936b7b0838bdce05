package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes a pipeline and the requests to dispatch through it.
type Config struct {
	Pipeline  string          `yaml:"pipeline"`
	Stages    []string        `yaml:"stages"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Timeout   time.Duration   `yaml:"timeout"`
	Requests  []RequestConfig `yaml:"requests"`
}

// AuthConfig selects the token verifier. A JWT secret takes precedence over
// static tokens.
type AuthConfig struct {
	Tokens    map[string]string `yaml:"tokens"`
	JWTSecret string            `yaml:"jwt_secret"`
	JWTIssuer string            `yaml:"jwt_issuer"`
}

// RateLimitConfig configures the rate-limit stage.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
	Mode  string  `yaml:"mode"`
}

// RequestConfig is one request to dispatch.
type RequestConfig struct {
	IP    string         `yaml:"ip"`
	Token string         `yaml:"token"`
	Body  map[string]any `yaml:"body"`
	// Subject makes the CLI issue a JWT for this user instead of using Token.
	Subject string `yaml:"subject"`
}

// loadConfig reads and validates a YAML config file.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	cfg := &Config{
		Pipeline:  "api",
		RateLimit: RateLimitConfig{Rate: 10, Burst: 10, Mode: "wait"},
		Timeout:   5 * time.Second,
		Auth:      AuthConfig{JWTIssuer: "chainz"},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Stages) == 0 {
		return errors.New("config: at least one stage is required")
	}
	for _, name := range c.Stages {
		if _, ok := catalogue[name]; !ok {
			return fmt.Errorf("config: unknown stage %q", name)
		}
	}
	if c.RateLimit.Mode != "wait" && c.RateLimit.Mode != "drop" {
		return fmt.Errorf("config: invalid rate limit mode %q", c.RateLimit.Mode)
	}
	for i, r := range c.Requests {
		if r.Subject != "" && c.Auth.JWTSecret == "" {
			return fmt.Errorf("config: request %d has a subject but no jwt_secret is set", i)
		}
	}
	return nil
}
