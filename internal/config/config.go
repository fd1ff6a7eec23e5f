package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string        `json:"log_level" yaml:"log_level"`
	Environment string        `json:"environment" yaml:"environment"`
	Lines       int           `json:"lines" yaml:"lines"`
	Poll        PollConfig    `json:"poll" yaml:"poll"`
	Events      EventsConfig  `json:"events" yaml:"events"`
	Kpi         KpiConfig     `json:"kpi" yaml:"kpi"`
	Storage     StorageConfig `json:"storage" yaml:"storage"`
	API         APIConfig     `json:"api" yaml:"api"`
	Images      ImagesConfig  `json:"images" yaml:"images"`
}

type PollConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval"`
}

type EventsConfig struct {
	Heartbeat time.Duration `json:"heartbeat" yaml:"heartbeat"`
	Kafka     KafkaConfig   `json:"kafka" yaml:"kafka"`
}

// KafkaConfig mirrors every broadcast update onto a topic so non-browser
// consumers (MES, andon boards) can follow the same change signal.
type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type KpiConfig struct {
	CriticalDefects  []string `json:"critical_defects" yaml:"critical_defects"`
	PassResult       string   `json:"pass_result" yaml:"pass_result"`
	DefectResult     string   `json:"defect_result" yaml:"defect_result"`
	FalseCallResults []string `json:"false_call_results" yaml:"false_call_results"`
}

type StorageConfig struct {
	Driver       string        `json:"driver" yaml:"driver"`
	DSN          string        `json:"dsn" yaml:"dsn"`
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`
}

type APIConfig struct {
	Addr      string          `json:"addr" yaml:"addr"`
	StaticDir string          `json:"static_dir" yaml:"static_dir"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Window      time.Duration `json:"window" yaml:"window"`
	MaxRequests int64         `json:"max_requests" yaml:"max_requests"`
}

type ImagesConfig struct {
	Paths    map[int]string `json:"paths" yaml:"paths"`
	CacheTTL time.Duration  `json:"cache_ttl" yaml:"cache_ttl"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		Environment: "development",
		Lines:       6,
		Poll:        PollConfig{Interval: 1500 * time.Millisecond},
		Events: EventsConfig{
			Heartbeat: 20 * time.Second,
			Kafka:     KafkaConfig{Enabled: false},
		},
		Kpi: KpiConfig{
			CriticalDefects: []string{
				"SHORT SOLDER",
				"POOR SOLDER",
				"BALL SOLDER",
				"NO SOLDER",
				"WRONG POLARITY",
				"WRONG COMPONENT",
			},
			PassResult:       "Pass",
			DefectResult:     "Defective",
			FalseCallResults: []string{"False Fail", "Unreviewed"},
		},
		Storage: StorageConfig{
			Driver:       "postgres",
			DSN:          "postgres://localhost:5432/aoi_dashboard?sslmode=disable",
			QueryTimeout: 5 * time.Second,
		},
		API: APIConfig{
			Addr: ":3000",
			RateLimit: RateLimitConfig{
				Enabled:     true,
				Window:      5 * time.Second,
				MaxRequests: 300,
			},
		},
		Images: ImagesConfig{CacheTTL: 5 * time.Second},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Lines <= 0 {
		cfg.Lines = 6
	}
	if cfg.Poll.Interval <= 0 {
		cfg.Poll.Interval = 1500 * time.Millisecond
	}
	if cfg.Events.Heartbeat <= 0 {
		cfg.Events.Heartbeat = 20 * time.Second
	}
	if len(cfg.Kpi.CriticalDefects) == 0 {
		cfg.Kpi.CriticalDefects = DefaultConfig().Kpi.CriticalDefects
	}
	if cfg.Kpi.PassResult == "" {
		cfg.Kpi.PassResult = "Pass"
	}
	if cfg.Kpi.DefectResult == "" {
		cfg.Kpi.DefectResult = "Defective"
	}
	if len(cfg.Kpi.FalseCallResults) == 0 {
		cfg.Kpi.FalseCallResults = []string{"False Fail", "Unreviewed"}
	}
	if cfg.Storage.QueryTimeout <= 0 {
		cfg.Storage.QueryTimeout = 5 * time.Second
	}
	if cfg.API.RateLimit.Window <= 0 {
		cfg.API.RateLimit.Window = 5 * time.Second
	}
	if cfg.API.RateLimit.MaxRequests <= 0 {
		cfg.API.RateLimit.MaxRequests = 300
	}
	if cfg.Images.CacheTTL <= 0 {
		cfg.Images.CacheTTL = 5 * time.Second
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Addr == "" {
		return errors.New("api.addr is required")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "postgres", "postgresql", "sqlite":
	default:
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}
	if cfg.Events.Kafka.Enabled {
		if len(cfg.Events.Kafka.Brokers) == 0 || cfg.Events.Kafka.Topic == "" {
			return errors.New("events.kafka requires brokers and topic")
		}
	}
	for line := range cfg.Images.Paths {
		if line < 1 || line > cfg.Lines {
			return fmt.Errorf("images.paths contains unknown line %d", line)
		}
	}
	return nil
}

// ImagePath resolves the base directory of a line's exported images.
// Falls back to the LINE_<n>_IMAGE_PATH environment variable so existing
// deployments keep working without a config entry.
func (c *Config) ImagePath(line int) string {
	if p, ok := c.Images.Paths[line]; ok && p != "" {
		return p
	}
	return os.Getenv(fmt.Sprintf("LINE_%d_IMAGE_PATH", line))
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps a fixed config with no backing file. Used when
// the process runs entirely from defaults, and by tests.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyDefaults(cfg)
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the config file's mtime and reloads on change. Addresses
// and intervals are bound at startup; the reload surface is the policy
// data read per request (critical defect set, false-call set, limits).
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
