package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] before validation.
const (
	DefaultListenAddr   = ":8080"
	DefaultRetainBehind = 2
	DefaultRetainAhead  = 20
	DefaultInflightTTL  = 10 * time.Minute
	DefaultVisibility   = 5 * time.Minute
	DefaultRetryLimit   = 3
	DefaultMaxParallel  = 4
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, and
// validates the result. Unknown fields are rejected so typos fail
// loudly instead of silently configuring nothing.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	fillDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults writes defaults into unset fields.
func fillDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.RetainBehind == 0 {
		cfg.Session.RetainBehind = DefaultRetainBehind
	}
	if cfg.Session.RetainAhead == 0 {
		cfg.Session.RetainAhead = DefaultRetainAhead
	}
	if cfg.Session.InflightTTL == 0 {
		cfg.Session.InflightTTL = Duration(DefaultInflightTTL)
	}
	for i := range cfg.Models {
		m := &cfg.Models[i]
		if m.Visibility == 0 {
			m.Visibility = Duration(DefaultVisibility)
		}
		if m.RetryLimit == 0 {
			m.RetryLimit = DefaultRetryLimit
		}
		if !m.Serial && m.MaxParallel == 0 {
			m.MaxParallel = DefaultMaxParallel
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Redis backs every queue primitive; a server with models but no
	// Redis cannot move a single job.
	if len(cfg.Models) > 0 && cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when models are configured"))
	}

	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; variant metadata and usage billing will not be persisted")
	}

	if cfg.Gate.MonthlyCharLimit < 0 {
		errs = append(errs, fmt.Errorf("gate.monthly_char_limit %.0f must not be negative", cfg.Gate.MonthlyCharLimit))
	}
	if cfg.Cache.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("cache.max_bytes %d must not be negative", cfg.Cache.MaxBytes))
	}
	if cfg.Session.RetainBehind < 0 || cfg.Session.RetainAhead < 0 {
		errs = append(errs, errors.New("session.retain_behind and session.retain_ahead must not be negative"))
	}

	// Models
	slugsSeen := make(map[string]int, len(cfg.Models))
	for i, m := range cfg.Models {
		prefix := fmt.Sprintf("models[%d]", i)
		if m.Slug == "" {
			errs = append(errs, fmt.Errorf("%s.slug is required", prefix))
		} else {
			if prev, ok := slugsSeen[m.Slug]; ok {
				errs = append(errs, fmt.Errorf("%s.slug %q is a duplicate of models[%d]", prefix, m.Slug, prev))
			}
			slugsSeen[m.Slug] = i
		}
		if !m.Adapter.IsValid() {
			errs = append(errs, fmt.Errorf("%s.adapter %q is invalid; valid values: kokoro, elevenlabs, serverless, mock", prefix, m.Adapter))
		}
		switch m.Adapter {
		case AdapterKokoro, AdapterServerless:
			if m.BaseURL == "" {
				errs = append(errs, fmt.Errorf("%s.base_url is required for the %s adapter", prefix, m.Adapter))
			}
		case AdapterElevenLabs:
			if m.APIKey == "" {
				errs = append(errs, fmt.Errorf("%s.api_key is required for the elevenlabs adapter", prefix))
			}
		}
		if m.MaxParallel < 0 {
			errs = append(errs, fmt.Errorf("%s.max_parallel %d must not be negative", prefix, m.MaxParallel))
		}
		if m.Serial && m.MaxParallel > 1 {
			errs = append(errs, fmt.Errorf("%s: serial and max_parallel %d are mutually exclusive", prefix, m.MaxParallel))
		}
		if m.RetryLimit < 0 {
			errs = append(errs, fmt.Errorf("%s.retry_limit %d must not be negative", prefix, m.RetryLimit))
		}
		for j, fb := range m.Fallbacks {
			fbPrefix := fmt.Sprintf("%s.fallbacks[%d]", prefix, j)
			if !fb.Adapter.IsValid() {
				errs = append(errs, fmt.Errorf("%s.adapter %q is invalid", fbPrefix, fb.Adapter))
			}
			switch fb.Adapter {
			case AdapterKokoro, AdapterServerless:
				if fb.BaseURL == "" {
					errs = append(errs, fmt.Errorf("%s.base_url is required for the %s adapter", fbPrefix, fb.Adapter))
				}
			case AdapterElevenLabs:
				if fb.APIKey == "" {
					errs = append(errs, fmt.Errorf("%s.api_key is required for the elevenlabs adapter", fbPrefix))
				}
			}
		}
		if o := m.Overflow; o != nil {
			if o.Endpoint == "" {
				errs = append(errs, fmt.Errorf("%s.overflow.endpoint is required", prefix))
			}
			if o.MaxParallel < 0 {
				errs = append(errs, fmt.Errorf("%s.overflow.max_parallel %d must not be negative", prefix, o.MaxParallel))
			}
		}
	}

	// Warmer entries referencing models that have no queue will fail at
	// warm time; flag them early.
	for i, e := range cfg.Warmer.Entries {
		if e.Text == "" || e.Model == "" || e.Voice == "" {
			errs = append(errs, fmt.Errorf("warmer.entries[%d]: text, model, and voice are required", i))
			continue
		}
		if _, ok := slugsSeen[e.Model]; !ok {
			slog.Warn("warmer entry references an unconfigured model",
				"entry", i,
				"model", e.Model,
				"known", cfg.ModelSlugs(),
			)
		}
	}

	return errors.Join(errs...)
}
