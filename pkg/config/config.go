// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all LegalFlow configuration.
type Config struct {
	Version int `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Watch     WatchConfig     `yaml:"watch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig for the HTTP server.
type ServerConfig struct {
	Port          int    `yaml:"port"`
	Host          string `yaml:"host"`
	MaxUploadSize string `yaml:"max_upload_size"` // e.g., "200MB"
}

// DatabaseConfig for run and event persistence. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig for the dispatch queue. An empty address selects the in-memory
// queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig for the document and artifact object store. An empty
// endpoint selects the in-memory store.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ProvidersConfig selects and configures extraction providers.
type ProvidersConfig struct {
	Default       string              `yaml:"default"`
	Gemini        GeminiConfig        `yaml:"gemini"`
	ParserService ParserServiceConfig `yaml:"parser_service"`
	OCR           OCRConfig           `yaml:"ocr"`
}

// GeminiConfig for the Gemini extractor.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// ParserServiceConfig for the external document parsing service.
type ParserServiceConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// OCRConfig for the primary and fallback OCR engines.
type OCRConfig struct {
	PrimaryURL  string `yaml:"primary_url"`
	FallbackURL string `yaml:"fallback_url"`
}

// PipelineConfig sizes the worker pool and retry behavior.
type PipelineConfig struct {
	Workers          int           `yaml:"workers"`
	MaxJobsPerWorker int           `yaml:"max_jobs_per_worker"`
	ClaimTimeout     time.Duration `yaml:"claim_timeout"`
	RetryMax         int           `yaml:"retry_max"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
}

// WatchConfig for the inbox directory watcher. Settled files become
// single-document runs under CaseID.
type WatchConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	CaseID  string `yaml:"case_id"`
}

// TelemetryConfig for optional tracing.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Port:          8080,
			Host:          "localhost",
			MaxUploadSize: "200MB",
		},
		Redis: RedisConfig{
			DB: 0,
		},
		Storage: StorageConfig{
			Bucket: "legalflow",
		},
		Providers: ProvidersConfig{
			Default: "gemini",
			Gemini: GeminiConfig{
				Model: "gemini-2.0-flash",
			},
		},
		Pipeline: PipelineConfig{
			Workers:          4,
			MaxJobsPerWorker: 100,
			ClaimTimeout:     5 * time.Minute,
			RetryMax:         3,
			RetryBaseDelay:   2 * time.Second,
		},
		Watch: WatchConfig{
			Enabled: false,
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()

	// A local .env fills the environment before loadEnv reads it.
	godotenv.Load()

	// Load from paths in order (later overrides earlier)
	paths := m.getConfigPaths()
	for _, path := range paths {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but surface errors for existing files
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	// Override with environment variables
	m.loadEnv()

	return nil
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/legalflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".legalflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".legalflow.yaml"))
	}

	return paths
}

// loadFile loads a single config file and merges it.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	// Merge non-zero values
	m.merge(&partial)
	return nil
}

// merge merges non-zero values from src into config.
func (m *Manager) merge(src *Config) {
	// Server
	if src.Server.Port != 0 {
		m.config.Server.Port = src.Server.Port
	}
	if src.Server.Host != "" {
		m.config.Server.Host = src.Server.Host
	}
	if src.Server.MaxUploadSize != "" {
		m.config.Server.MaxUploadSize = src.Server.MaxUploadSize
	}

	// Database
	if src.Database.DSN != "" {
		m.config.Database.DSN = src.Database.DSN
	}

	// Redis
	if src.Redis.Addr != "" {
		m.config.Redis.Addr = src.Redis.Addr
	}
	if src.Redis.Password != "" {
		m.config.Redis.Password = src.Redis.Password
	}
	if src.Redis.DB != 0 {
		m.config.Redis.DB = src.Redis.DB
	}

	// Storage
	if src.Storage.Endpoint != "" {
		m.config.Storage.Endpoint = src.Storage.Endpoint
	}
	if src.Storage.AccessKey != "" {
		m.config.Storage.AccessKey = src.Storage.AccessKey
	}
	if src.Storage.SecretKey != "" {
		m.config.Storage.SecretKey = src.Storage.SecretKey
	}
	if src.Storage.Bucket != "" {
		m.config.Storage.Bucket = src.Storage.Bucket
	}
	if src.Storage.UseSSL {
		m.config.Storage.UseSSL = true
	}

	// Providers
	if src.Providers.Default != "" {
		m.config.Providers.Default = src.Providers.Default
	}
	if src.Providers.Gemini.APIKey != "" {
		m.config.Providers.Gemini.APIKey = src.Providers.Gemini.APIKey
	}
	if src.Providers.Gemini.Model != "" {
		m.config.Providers.Gemini.Model = src.Providers.Gemini.Model
	}
	if src.Providers.ParserService.BaseURL != "" {
		m.config.Providers.ParserService.BaseURL = src.Providers.ParserService.BaseURL
	}
	if src.Providers.ParserService.Token != "" {
		m.config.Providers.ParserService.Token = src.Providers.ParserService.Token
	}
	if src.Providers.OCR.PrimaryURL != "" {
		m.config.Providers.OCR.PrimaryURL = src.Providers.OCR.PrimaryURL
	}
	if src.Providers.OCR.FallbackURL != "" {
		m.config.Providers.OCR.FallbackURL = src.Providers.OCR.FallbackURL
	}

	// Pipeline
	if src.Pipeline.Workers != 0 {
		m.config.Pipeline.Workers = src.Pipeline.Workers
	}
	if src.Pipeline.MaxJobsPerWorker != 0 {
		m.config.Pipeline.MaxJobsPerWorker = src.Pipeline.MaxJobsPerWorker
	}
	if src.Pipeline.ClaimTimeout != 0 {
		m.config.Pipeline.ClaimTimeout = src.Pipeline.ClaimTimeout
	}
	if src.Pipeline.RetryMax != 0 {
		m.config.Pipeline.RetryMax = src.Pipeline.RetryMax
	}
	if src.Pipeline.RetryBaseDelay != 0 {
		m.config.Pipeline.RetryBaseDelay = src.Pipeline.RetryBaseDelay
	}

	// Watch
	if src.Watch.Enabled {
		m.config.Watch.Enabled = true
	}
	if src.Watch.Dir != "" {
		m.config.Watch.Dir = src.Watch.Dir
	}
	if src.Watch.CaseID != "" {
		m.config.Watch.CaseID = src.Watch.CaseID
	}

	// Telemetry
	if src.Telemetry.Enabled {
		m.config.Telemetry.Enabled = true
	}
	if src.Telemetry.Endpoint != "" {
		m.config.Telemetry.Endpoint = src.Telemetry.Endpoint
	}

	// Log
	if src.Log.Level != "" {
		m.config.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		m.config.Log.Format = src.Log.Format
	}
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() {
	if v := os.Getenv("LEGALFLOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			m.config.Server.Port = port
		}
	}
	if v := os.Getenv("LEGALFLOW_DATABASE_DSN"); v != "" {
		m.config.Database.DSN = v
	}
	if v := os.Getenv("LEGALFLOW_REDIS_ADDR"); v != "" {
		m.config.Redis.Addr = v
	}
	if v := os.Getenv("LEGALFLOW_REDIS_PASSWORD"); v != "" {
		m.config.Redis.Password = v
	}
	if v := os.Getenv("LEGALFLOW_STORAGE_ENDPOINT"); v != "" {
		m.config.Storage.Endpoint = v
	}
	if v := os.Getenv("LEGALFLOW_STORAGE_ACCESS_KEY"); v != "" {
		m.config.Storage.AccessKey = v
	}
	if v := os.Getenv("LEGALFLOW_STORAGE_SECRET_KEY"); v != "" {
		m.config.Storage.SecretKey = v
	}
	if v := os.Getenv("LEGALFLOW_STORAGE_BUCKET"); v != "" {
		m.config.Storage.Bucket = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		m.config.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("LEGALFLOW_GEMINI_MODEL"); v != "" {
		m.config.Providers.Gemini.Model = v
	}
	if v := os.Getenv("LEGALFLOW_PARSER_URL"); v != "" {
		m.config.Providers.ParserService.BaseURL = v
	}
	if v := os.Getenv("LEGALFLOW_PARSER_TOKEN"); v != "" {
		m.config.Providers.ParserService.Token = v
	}
	if v := os.Getenv("LEGALFLOW_PROVIDER"); v != "" {
		m.config.Providers.Default = v
	}
	if v := os.Getenv("LEGALFLOW_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			m.config.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("LEGALFLOW_LOG_LEVEL"); v != "" {
		m.config.Log.Level = v
	}
	if v := os.Getenv("LEGALFLOW_LOG_FORMAT"); v != "" {
		m.config.Log.Format = v
	}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to the user config file.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(home, ".legalflow")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0644)
}

// Global instance
var (
	globalManager *Manager
	globalOnce    sync.Once
)

// Global returns the global configuration manager.
func Global() *Manager {
	globalOnce.Do(func() {
		globalManager = NewManager()
		globalManager.Load()
	})
	return globalManager
}
