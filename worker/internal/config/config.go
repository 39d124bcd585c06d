// Package config resolves the poller's settings from the environment,
// optionally overridden by a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Config struct {
	VMID         string
	BrokerURL    string
	APIKey       string
	PollInterval time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	Interpreter  string
	WorkDir      string

	ArtifactBackend string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucket     string
	MinIOUseSSL     bool
}

// fileConfig mirrors Config in YAML form. Pointer fields so absent keys
// leave the env-derived value alone.
type fileConfig struct {
	VMID            *string `yaml:"vm_id"`
	BrokerURL       *string `yaml:"broker_url"`
	APIKey          *string `yaml:"api_key"`
	PollSeconds     *int    `yaml:"poll_seconds"`
	MaxRetries      *int    `yaml:"max_retries"`
	RetryDelaySecs  *int    `yaml:"retry_delay_seconds"`
	Interpreter     *string `yaml:"interpreter"`
	WorkDir         *string `yaml:"work_dir"`
	ArtifactBackend *string `yaml:"artifact_backend"`
	MinIOEndpoint   *string `yaml:"minio_endpoint"`
	MinIOAccessKey  *string `yaml:"minio_access_key"`
	MinIOSecretKey  *string `yaml:"minio_secret_key"`
	MinIOBucket     *string `yaml:"minio_bucket"`
	MinIOUseSSL     *bool   `yaml:"minio_use_ssl"`
}

// FromEnv builds the config from CODEQUEUE_* variables, then applies
// the YAML file named by CODEQUEUE_WORKER_CONFIG when set.
func FromEnv() (Config, error) {
	cfg := Config{
		VMID:            getenv("CODEQUEUE_WORKER_ID", ""),
		BrokerURL:       getenv("CODEQUEUE_BROKER_URL", "http://localhost:5000"),
		APIKey:          os.Getenv("CODEQUEUE_API_KEY"),
		PollInterval:    time.Duration(getenvInt("CODEQUEUE_POLL_SECONDS", 2)) * time.Second,
		MaxRetries:      getenvInt("CODEQUEUE_MAX_RETRIES", 3),
		RetryDelay:      time.Duration(getenvInt("CODEQUEUE_RETRY_DELAY_SECONDS", 2)) * time.Second,
		Interpreter:     getenv("CODEQUEUE_INTERPRETER", "python3"),
		WorkDir:         getenv("CODEQUEUE_WORK_DIR", os.TempDir()),
		ArtifactBackend: getenv("CODEQUEUE_ARTIFACT_BACKEND", "local"),
		MinIOEndpoint:   os.Getenv("CODEQUEUE_MINIO_ENDPOINT"),
		MinIOAccessKey:  os.Getenv("CODEQUEUE_MINIO_ACCESS_KEY"),
		MinIOSecretKey:  os.Getenv("CODEQUEUE_MINIO_SECRET_KEY"),
		MinIOBucket:     getenv("CODEQUEUE_MINIO_BUCKET", "codequeue-artifacts"),
		MinIOUseSSL:     getenvBool("CODEQUEUE_MINIO_USE_SSL", false),
	}
	if path := os.Getenv("CODEQUEUE_WORKER_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if cfg.VMID == "" {
		cfg.VMID = GenerateVMID()
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read worker config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse worker config: %w", err)
	}
	setString(&c.VMID, fc.VMID)
	setString(&c.BrokerURL, fc.BrokerURL)
	setString(&c.APIKey, fc.APIKey)
	setString(&c.Interpreter, fc.Interpreter)
	setString(&c.WorkDir, fc.WorkDir)
	setString(&c.ArtifactBackend, fc.ArtifactBackend)
	setString(&c.MinIOEndpoint, fc.MinIOEndpoint)
	setString(&c.MinIOAccessKey, fc.MinIOAccessKey)
	setString(&c.MinIOSecretKey, fc.MinIOSecretKey)
	setString(&c.MinIOBucket, fc.MinIOBucket)
	if fc.PollSeconds != nil {
		c.PollInterval = time.Duration(*fc.PollSeconds) * time.Second
	}
	if fc.MaxRetries != nil {
		c.MaxRetries = *fc.MaxRetries
	}
	if fc.RetryDelaySecs != nil {
		c.RetryDelay = time.Duration(*fc.RetryDelaySecs) * time.Second
	}
	if fc.MinIOUseSSL != nil {
		c.MinIOUseSSL = *fc.MinIOUseSSL
	}
	return nil
}

// GenerateVMID builds hostname_epoch_pid; a uuid stands in for the
// hostname when the OS cannot report one.
func GenerateVMID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = uuid.NewString()[:8]
	}
	return fmt.Sprintf("%s_%d_%d", host, time.Now().Unix(), os.Getpid())
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
