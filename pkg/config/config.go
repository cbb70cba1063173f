// Package config assembles the runtime configuration for pepd from
// environment variables and an optional policy file (spec.md §6.4), in the
// env-var-with-defaults style of examples/relay-initiator/main.go's
// getEnv/getDuration/getEnvInt/parseCSV helpers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OllieNilsen/pexi/pkg/policy"
)

// Defaults mirror spec.md §6.4.
const (
	DefaultListen           = ":4040"
	DefaultMaxRequestBytes  = 5 * 1024 * 1024
	DefaultMaxResponseBytes = 10 * 1024 * 1024
	DefaultMaxRedirects     = 5
	DefaultAuditLog         = "audit.jsonl"
	DefaultMetricsAddr      = "127.0.0.1:9090"
	DefaultConnectTimeout   = 10 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Config is everything pepd needs to start serving. Doc is already
// Normalize()'d and ready to hand to policy.Evaluate.
type Config struct {
	Listen         string
	AuditLog       string
	MetricsAddr    string
	MaxInFlight    int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	PolicyFile     string
	Doc            *policy.Document
}

// FromEnv reads PEP_* environment variables (spec.md §6.4) and, if
// PEP_POLICY_FILE is set, layers an on-disk YAML policy document underneath
// them (SPEC_FULL.md §A). Env vars always win over file values for the
// scalar caps, so PEP_MAX_*_BYTES keeps working with no file at all.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Listen:         getEnv("PEP_LISTEN", DefaultListen),
		AuditLog:       getEnv("PEP_AUDIT_LOG", DefaultAuditLog),
		MetricsAddr:    getEnv("PEP_METRICS_ADDR", DefaultMetricsAddr),
		MaxInFlight:    getEnvInt("PEP_MAX_INFLIGHT", 16),
		ConnectTimeout: getDuration("PEP_CONNECT_TIMEOUT", DefaultConnectTimeout),
		RequestTimeout: getDuration("PEP_REQUEST_TIMEOUT", DefaultRequestTimeout),
		PolicyFile:     getEnv("PEP_POLICY_FILE", ""),
	}

	doc := &policy.Document{
		MaxRequestBytes:  int64(getEnvInt("PEP_MAX_REQUEST_BYTES", DefaultMaxRequestBytes)),
		MaxResponseBytes: int64(getEnvInt("PEP_MAX_RESPONSE_BYTES", DefaultMaxResponseBytes)),
		MaxRedirects:     getEnvInt("PEP_MAX_REDIRECTS", DefaultMaxRedirects),
	}

	if cfg.PolicyFile != "" {
		fileDoc, err := LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("loading policy file %s: %w", cfg.PolicyFile, err)
		}
		doc.AllowedHosts = fileDoc.AllowedHosts
		doc.Methods = fileDoc.Methods
		doc.HeaderRedaction = fileDoc.HeaderRedaction
		doc.AllowDowngrade = fileDoc.AllowDowngrade
		// The file may also set caps; env vars override them only when the
		// operator actually set the corresponding PEP_MAX_* variable.
		if _, set := os.LookupEnv("PEP_MAX_REQUEST_BYTES"); !set && fileDoc.MaxRequestBytes > 0 {
			doc.MaxRequestBytes = fileDoc.MaxRequestBytes
		}
		if _, set := os.LookupEnv("PEP_MAX_RESPONSE_BYTES"); !set && fileDoc.MaxResponseBytes > 0 {
			doc.MaxResponseBytes = fileDoc.MaxResponseBytes
		}
		if _, set := os.LookupEnv("PEP_MAX_REDIRECTS"); !set && fileDoc.MaxRedirects > 0 {
			doc.MaxRedirects = fileDoc.MaxRedirects
		}
	}

	if hosts := parseCSV(getEnv("PEP_ALLOWED_DOMAINS", "")); len(hosts) > 0 {
		doc.AllowedHosts = hosts
	}

	if err := doc.Normalize(); err != nil {
		return nil, fmt.Errorf("normalizing policy document: %w", err)
	}
	cfg.Doc = doc
	return cfg, nil
}

// LoadPolicyFile reads and parses a YAML Policy Document (SPEC_FULL.md §A).
// It does not call Normalize — callers decide when to normalize, since
// FromEnv still needs to apply env overrides to the scalar caps first.
func LoadPolicyFile(path string) (*policy.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc policy.Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return &doc, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func parseCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
