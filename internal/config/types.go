package config

import "time"

// Config represents the complete sidecar configuration.
type Config struct {
	Service  ServiceConfig          `yaml:"service"`
	HTTP     HTTPConfig             `yaml:"http"`
	Rate     RateConfig             `yaml:"rate"`
	History  HistoryConfig          `yaml:"history,omitempty"`
	Health   HealthConfig           `yaml:"health,omitempty"`
	Services map[string]ServiceSpec `yaml:"services"`
}

// ServiceConfig defines core runtime settings.
type ServiceConfig struct {
	Name          string        `yaml:"name"`
	LogLevel      string        `yaml:"log_level"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	JobDeadline   time.Duration `yaml:"job_deadline"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// HTTPConfig defines executor transport and retry settings. The individual
// timeouts are deliberately generous: large files over slow links are the
// normal case, and the hard bound on any upload is the job deadline.
type HTTPConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	MaxAttempts           int           `yaml:"max_attempts"`
	BackoffBase           time.Duration `yaml:"backoff_base"`
	BackoffCap            time.Duration `yaml:"backoff_cap"`
}

// RateConfig defines the token-bucket admission settings.
type RateConfig struct {
	// Default applies to any service without an explicit bucket.
	Default BucketSpec `yaml:"default"`
	// Global, if set, additionally gates requests across all services.
	Global *BucketSpec `yaml:"global,omitempty"`
}

// BucketSpec is one token bucket: sustained rate plus burst ceiling.
type BucketSpec struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// HistoryConfig enables the on-disk upload log when Path is set.
type HistoryConfig struct {
	Path string `yaml:"path,omitempty"`
}

// HealthConfig enables the local health/stats listener when Listen is set.
type HealthConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// ServiceSpec declaratively describes one hosting service: how to build its
// upload request, how to read its response, and optionally how to establish a
// session first. The core interprets these specs; it carries no per-service code.
type ServiceSpec struct {
	Rate    *BucketSpec  `yaml:"rate,omitempty"`
	Request RequestSpec  `yaml:"request"`
	Parse   ResponseSpec `yaml:"response"`
	Session *SessionSpec `yaml:"session,omitempty"`
}

// RequestSpec describes a single HTTP request shape. Field values and the URL
// may contain placeholders ({file}, {file.name}, {config.*}, {creds.*},
// {session.*}) expanded per job.
type RequestSpec struct {
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Fields  []FieldSpec       `yaml:"fields,omitempty"`
}

// FieldSpec is one multipart field. Exactly one of Value or File is set; File
// names a placeholder (normally "{file}") resolved to a path streamed from disk.
type FieldSpec struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// ResponseSpec describes how to normalize a success response into the
// (viewer URL, thumbnail URL) pair.
type ResponseSpec struct {
	// Type is "json", "regex" or "body".
	Type        string `yaml:"type"`
	ViewerPath  string `yaml:"viewer_path,omitempty"`
	ThumbPath   string `yaml:"thumb_path,omitempty"`
	ViewerRegex string `yaml:"viewer_regex,omitempty"`
	ThumbRegex  string `yaml:"thumb_regex,omitempty"`
}

// SessionSpec describes how to establish per-service auth state. Init runs
// once per process per service (until invalidated); values extracted from its
// response become {session.*} placeholders on subsequent requests.
type SessionSpec struct {
	Init         RequestSpec       `yaml:"init"`
	Extract      map[string]string `yaml:"extract,omitempty"`       // session key -> JSON path in init response
	ExtractRegex map[string]string `yaml:"extract_regex,omitempty"` // session key -> regex over init response
	Headers      map[string]string `yaml:"headers,omitempty"`       // headers added to uploads, may use {session.*}
	Cookies      bool              `yaml:"cookies,omitempty"`       // carry cookies from init into uploads
}
