package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	StaticDir string `yaml:"static_dir"`
	UploadDir string `yaml:"upload_dir"`

	// LoginPath, when set, turns unauthorized responses into redirects to
	// the login page instead of bare 401s.
	LoginPath string `yaml:"login_path"`
	// SessionCookies are cleared on unauthorized responses.
	SessionCookies []string `yaml:"session_cookies"`

	Hash   HashConfig   `yaml:"hash"`
	Limits LimitsConfig `yaml:"limits"`
	Rate   RateConfig   `yaml:"rate"`
}

type HashConfig struct {
	// Segment is the reserved path segment for hash-qualified URIs.
	Segment    string `yaml:"segment"`
	MaxEntries int    `yaml:"max_entries"`
	// PersistPath, when set, stores published entries in a LevelDB
	// database so hash URIs survive restarts.
	PersistPath string `yaml:"persist_path"`
	// StaticMaxAgeS is the hash-cache window for static files.
	StaticMaxAgeS int `yaml:"static_max_age_s"`
}

type LimitsConfig struct {
	MaxBodyBytes        *int64 `yaml:"max_body_bytes"`
	MaxFieldBytes       int64  `yaml:"max_field_bytes"`
	MaxHeaderBytes      int    `yaml:"max_header_bytes"`
	ReadHeaderTimeoutMS int    `yaml:"read_header_timeout_ms"`
	ReadTimeoutMS       int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS      int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS       int    `yaml:"idle_timeout_ms"`
	HandlerTimeoutMS    int    `yaml:"handler_timeout_ms"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Hash.Segment == "" {
		cfg.Hash.Segment = "_"
	}
	if cfg.Hash.StaticMaxAgeS == 0 {
		cfg.Hash.StaticMaxAgeS = 3600
	}
}
