// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the SMTP probe. Command-line flags
// are applied on top by the cli package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	OAuth2  OAuth2Config  `yaml:"oauth2"`
	SES     SESConfig     `yaml:"ses"`
	Logging LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds defaults for the probe's SMTP session.
type SMTPConfig struct {
	Port       int           `yaml:"port"`
	UseTLS     bool          `yaml:"usetls"`
	UseSSL     bool          `yaml:"usessl"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	Helo       string        `yaml:"helo"`
	VerifyCert bool          `yaml:"verify_cert"`
	Timeout    time.Duration `yaml:"timeout"`
}

// OAuth2Config holds client credentials used for AUTH XOAUTH2.
type OAuth2Config struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	Scope        string `yaml:"scope"`
}

// SESConfig holds AWS SES settings. Empty keys fall back to the AWS
// default credential chain.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	CheckIdentity   bool   `yaml:"check_identity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvVars()

	return cfg, nil
}

// OAuth2Configured returns true if the client credentials are complete.
func (c *Config) OAuth2Configured() bool {
	return c.OAuth2.ClientID != "" &&
		c.OAuth2.ClientSecret != "" &&
		(c.OAuth2.TenantID != "" || c.OAuth2.TokenURL != "")
}

// SESConfigured returns true if an SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

func (c *Config) applyDefaults() {
	c.SMTP.Port = 25
	c.SMTP.Helo = "localhost"
	c.Logging.Level = "warn"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that do not parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTPTEST_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTPTEST_USETLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.UseTLS = b
		}
	}
	if v := os.Getenv("SMTPTEST_USESSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.UseSSL = b
		}
	}
	if v := os.Getenv("SMTPTEST_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTPTEST_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTPTEST_HELO"); v != "" {
		c.SMTP.Helo = v
	}
	if v := os.Getenv("SMTPTEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.Timeout = d
		}
	}

	if v := os.Getenv("SMTPTEST_OAUTH2_TENANT_ID"); v != "" {
		c.OAuth2.TenantID = v
	}
	if v := os.Getenv("SMTPTEST_OAUTH2_CLIENT_ID"); v != "" {
		c.OAuth2.ClientID = v
	}
	if v := os.Getenv("SMTPTEST_OAUTH2_CLIENT_SECRET"); v != "" {
		c.OAuth2.ClientSecret = v
	}

	if v := os.Getenv("SMTPTEST_SES_REGION"); v != "" {
		c.SES.Region = v
	}

	if v := os.Getenv("SMTPTEST_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
