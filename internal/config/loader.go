package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

const (
	MinWorkers = 1
	MaxWorkers = 16
)

// Defaults returns a Config with sensible defaults. The sidecar is fully
// operational with no config file at all: only the generic execute action is
// available then, since no services are declared.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:          "upload-sidecar",
			LogLevel:      "INFO",
			Workers:       8,
			QueueSize:     256,
			JobDeadline:   180 * time.Second,
			ShutdownGrace: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			DialTimeout:           30 * time.Second,
			TLSHandshakeTimeout:   30 * time.Second,
			ResponseHeaderTimeout: 120 * time.Second,
			MaxAttempts:           4,
			BackoffBase:           500 * time.Millisecond,
			BackoffCap:            15 * time.Second,
		},
		Rate: RateConfig{
			Default: BucketSpec{PerSecond: 2, Burst: 5},
			Global:  &BucketSpec{PerSecond: 10, Burst: 20},
		},
		Services: map[string]ServiceSpec{},
	}
}

// Load reads and parses configuration from a file, expanding ${ENV} references
// in the raw text before unmarshaling. Credentials never live in config; they
// arrive over the protocol per job.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}

	expanded := envVarPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})

	cfg := Defaults()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

// Validate checks invariants and clamps the worker count into [MinWorkers,
// MaxWorkers] rather than rejecting it.
func (c *Config) Validate() error {
	if c.Service.Workers < MinWorkers {
		c.Service.Workers = MinWorkers
	}
	if c.Service.Workers > MaxWorkers {
		c.Service.Workers = MaxWorkers
	}
	if c.Service.QueueSize <= 0 {
		return fmt.Errorf("service.queue_size must be positive, got %d", c.Service.QueueSize)
	}
	if c.Service.JobDeadline <= 0 {
		return fmt.Errorf("service.job_deadline must be positive, got %v", c.Service.JobDeadline)
	}
	if c.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("http.max_attempts must be at least 1, got %d", c.HTTP.MaxAttempts)
	}
	if err := validateBucket("rate.default", c.Rate.Default); err != nil {
		return err
	}
	if c.Rate.Global != nil {
		if err := validateBucket("rate.global", *c.Rate.Global); err != nil {
			return err
		}
	}
	for id, spec := range c.Services {
		if spec.Rate != nil {
			if err := validateBucket("services."+id+".rate", *spec.Rate); err != nil {
				return err
			}
		}
		if err := validateRequest("services."+id+".request", spec.Request); err != nil {
			return err
		}
		if err := validateResponse("services."+id+".response", spec.Parse); err != nil {
			return err
		}
	}
	return nil
}

func validateBucket(where string, b BucketSpec) error {
	if b.PerSecond <= 0 {
		return fmt.Errorf("%s.per_second must be positive, got %v", where, b.PerSecond)
	}
	if b.Burst < 1 {
		return fmt.Errorf("%s.burst must be at least 1, got %d", where, b.Burst)
	}
	return nil
}

func validateRequest(where string, r RequestSpec) error {
	if r.Method == "" {
		return fmt.Errorf("%s.method is empty", where)
	}
	if r.URL == "" {
		return fmt.Errorf("%s.url is empty", where)
	}
	for i, f := range r.Fields {
		if f.Name == "" {
			return fmt.Errorf("%s.fields[%d].name is empty", where, i)
		}
		if f.Value != "" && f.File != "" {
			return fmt.Errorf("%s.fields[%d]: value and file are mutually exclusive", where, i)
		}
	}
	return nil
}

func validateResponse(where string, r ResponseSpec) error {
	switch r.Type {
	case "json":
		if r.ViewerPath == "" {
			return fmt.Errorf("%s.viewer_path is required for type json", where)
		}
	case "regex":
		if r.ViewerRegex == "" {
			return fmt.Errorf("%s.viewer_regex is required for type regex", where)
		}
		if _, err := regexp.Compile(r.ViewerRegex); err != nil {
			return fmt.Errorf("%s.viewer_regex: %w", where, err)
		}
		if r.ThumbRegex != "" {
			if _, err := regexp.Compile(r.ThumbRegex); err != nil {
				return fmt.Errorf("%s.thumb_regex: %w", where, err)
			}
		}
	case "body", "":
		// whole body is the viewer URL; nothing to check
	default:
		return fmt.Errorf("%s.type must be json, regex or body, got %q", where, r.Type)
	}
	return nil
}
