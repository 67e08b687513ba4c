package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var logger = logging.Logger("config")

// MaxLatencyAttempts bounds the timed connects of one latency measurement.
const MaxLatencyAttempts = 10

// Config holds every tunable of the web tool.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Network  NetworkConfig  `yaml:"network"`
	Latency  LatencyConfig  `yaml:"latency"`
	Download DownloadConfig `yaml:"download"`
	Upload   UploadConfig   `yaml:"upload"`
	Location LocationConfig `yaml:"location"`
	History  HistoryConfig  `yaml:"history"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Debug           bool          `yaml:"debug"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NetworkConfig controls how outbound measurement connections are made.
type NetworkConfig struct {
	IPv4Only  bool   `yaml:"ipv4_only"`
	IPv6Only  bool   `yaml:"ipv6_only"`
	Interface string `yaml:"interface"`
	Insecure  bool   `yaml:"insecure"`
}

type LatencyConfig struct {
	Hosts            []string      `yaml:"hosts"`
	Attempts         int           `yaml:"attempts"`
	Timeout          time.Duration `yaml:"timeout"`
	Interval         time.Duration `yaml:"interval"`
	MinSamples       int           `yaml:"min_samples"`
	FallbackURL      string        `yaml:"fallback_url"`
	FallbackAttempts int           `yaml:"fallback_attempts"`
}

type DownloadConfig struct {
	URLs      []string      `yaml:"urls"`
	TimeCap   time.Duration `yaml:"time_cap"`
	ChunkSize int           `yaml:"chunk_size"`
	MinBytes  int64         `yaml:"min_bytes"`
}

type UploadConfig struct {
	URL     string        `yaml:"url"`
	Size    int           `yaml:"size"`
	Timeout time.Duration `yaml:"timeout"`
}

type LocationConfig struct {
	GeoURL       string        `yaml:"geo_url"`
	TraceURL     string        `yaml:"trace_url"`
	LocationsURL string        `yaml:"locations_url"`
	Timeout      time.Duration `yaml:"timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

type HistoryConfig struct {
	Capacity int `yaml:"capacity"`
	Exposed  int `yaml:"exposed"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ShutdownTimeout: 10 * time.Second,
		},
		Latency: LatencyConfig{
			Hosts:            []string{"1.1.1.1:443", "8.8.8.8:443", "9.9.9.9:443"},
			Attempts:         10,
			Timeout:          2 * time.Second,
			Interval:         100 * time.Millisecond,
			MinSamples:       3,
			FallbackURL:      "https://www.google.com",
			FallbackAttempts: 5,
		},
		Download: DownloadConfig{
			URLs: []string{
				"https://speed.cloudflare.com/__down?bytes=25000000",
				"https://proof.ovh.net/files/10Mb.dat",
				"http://speedtest.tele2.net/10MB.zip",
			},
			TimeCap:   15 * time.Second,
			ChunkSize: 32 * 1024,
			MinBytes:  100000,
		},
		Upload: UploadConfig{
			URL:     "https://speed.cloudflare.com/__up",
			Size:    1 << 20,
			Timeout: 20 * time.Second,
		},
		Location: LocationConfig{
			GeoURL:       "https://ipinfo.io/json",
			TraceURL:     "https://speed.cloudflare.com/cdn-cgi/trace",
			LocationsURL: "https://speed.cloudflare.com/locations",
			Timeout:      5 * time.Second,
			CacheTTL:     10 * time.Minute,
		},
		History: HistoryConfig{
			Capacity: 100,
			Exposed:  10,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// an optional .env file and the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, errors.Wrapf(err, "failed to parse config file %s", path)
			}
			logger.Infof("loaded config from %s", path)
		case os.IsNotExist(err):
			logger.Debugf("config file %s not found, using defaults", path)
		default:
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warnf("failed to load .env: %v", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid PORT %q", v)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("DEBUG"); v != "" {
		c.Server.Debug = parseBool(v)
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks the configuration for values the probers cannot work with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Network.IPv4Only && c.Network.IPv6Only {
		return errors.New("network.ipv4_only and network.ipv6_only cannot both be set")
	}
	if len(c.Latency.Hosts) == 0 {
		return errors.New("latency.hosts must not be empty")
	}
	if c.Latency.Attempts <= 0 || c.Latency.Attempts > MaxLatencyAttempts {
		return errors.Errorf("latency.attempts must be between 1 and %d, got %d", MaxLatencyAttempts, c.Latency.Attempts)
	}
	if c.Latency.Timeout <= 0 {
		return errors.New("latency.timeout must be positive")
	}
	if c.Latency.MinSamples <= 0 || c.Latency.MinSamples > c.Latency.Attempts {
		return errors.Errorf("latency.min_samples must be between 1 and latency.attempts (%d), got %d", c.Latency.Attempts, c.Latency.MinSamples)
	}
	if len(c.Download.URLs) == 0 {
		return errors.New("download.urls must not be empty")
	}
	if c.Download.TimeCap <= 0 {
		return errors.New("download.time_cap must be positive")
	}
	if c.Download.ChunkSize <= 0 {
		return errors.New("download.chunk_size must be positive")
	}
	if c.Upload.URL == "" {
		return errors.New("upload.url must be set")
	}
	if c.Upload.Size <= 0 || c.Upload.Timeout <= 0 {
		return errors.New("upload.size and upload.timeout must be positive")
	}
	if c.History.Capacity <= 0 {
		return errors.New("history.capacity must be positive")
	}
	if c.History.Exposed <= 0 || c.History.Exposed > c.History.Capacity {
		return errors.Errorf("history.exposed must be between 1 and %d", c.History.Capacity)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
