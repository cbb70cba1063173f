// Package policy evaluates the declarative Policy Document (spec.md §3, §4.3)
// against a normalized request descriptor. It is a fixed-schema evaluator —
// deliberately not a general-purpose rule engine — per spec.md §9's design
// note removing an embedded interpreter from the trust surface.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// DefaultMethods is the whitelist spec.md §6.2 names.
var DefaultMethods = []string{"GET", "POST", "PUT", "DELETE", "HEAD", "PATCH", "OPTIONS"}

// DefaultHeaderRedaction is the short, fixed set of safe headers spec.md
// §4.5(iv) permits logging verbatim.
var DefaultHeaderRedaction = []string{"content-type", "content-length"}

// Document is the immutable Policy Document (spec.md §3). A loaded Document
// is never mutated; a reload builds a new one and swaps the reference
// (spec.md §6.4, §9 "Shared mutable policy").
type Document struct {
	AllowedHosts     []string `yaml:"allowed_domains" json:"allowed_domains"`
	MaxRequestBytes  int64    `yaml:"max_request_bytes" json:"max_request_bytes"`
	MaxResponseBytes int64    `yaml:"max_response_bytes" json:"max_response_bytes"`
	MaxRedirects     int      `yaml:"max_redirects" json:"max_redirects"`
	Methods          []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	HeaderRedaction  []string `yaml:"header_redaction,omitempty" json:"header_redaction,omitempty"`
	AllowDowngrade   bool     `yaml:"allow_https_downgrade,omitempty" json:"allow_https_downgrade,omitempty"`

	normalizedHosts map[string]bool
	methodSet       map[string]bool
}

// Normalize lowercases and Punycode-normalizes every allowed host, and
// fills in defaults for Methods/HeaderRedaction. Called once after loading
// or decoding a Document, before it is ever evaluated against.
func (d *Document) Normalize() error {
	hosts := make([]string, 0, len(d.AllowedHosts))
	for _, h := range d.AllowedHosts {
		n, err := normalizeHost(h)
		if err != nil {
			continue // unparseable entries never match anything; skip rather than fail startup
		}
		hosts = append(hosts, n)
	}
	d.AllowedHosts = hosts
	d.normalizedHosts = make(map[string]bool, len(hosts))
	for _, h := range hosts {
		d.normalizedHosts[h] = true
	}

	methods := d.Methods
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	d.methodSet = make(map[string]bool, len(methods))
	for _, m := range methods {
		d.methodSet[strings.ToUpper(m)] = true
	}

	if len(d.HeaderRedaction) == 0 {
		d.HeaderRedaction = DefaultHeaderRedaction
	}
	if d.MaxRedirects <= 0 {
		d.MaxRedirects = 5
	}
	return nil
}

// normalizeHost lowercases and strips a trailing dot, then applies IDNA
// Punycode normalization so "café.example" and "xn--caf-dma.example" match
// the same allowlist entry (spec.md §4.3).
func normalizeHost(host string) (string, error) {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Not every allowlist entry (or requested host) is a DNS name —
		// literal IPs fail ToASCII. Fall back to the lowercased form.
		return host, nil
	}
	return ascii, nil
}

// HostAllowed matches host against the allowlist using the suffix rule in
// spec.md §4.3 / GLOSSARY: an entry X matches X itself or any host ending
// in ".X". An empty allowlist denies every host (deny-by-default).
func (d *Document) HostAllowed(host string) bool {
	if len(d.normalizedHosts) == 0 {
		return false
	}
	normalized, err := normalizeHost(host)
	if err != nil {
		return false
	}
	if d.normalizedHosts[normalized] {
		return true
	}
	for entry := range d.normalizedHosts {
		if strings.HasSuffix(normalized, "."+entry) {
			return true
		}
	}
	return false
}

// MethodAllowed reports whether method is in the effective whitelist.
func (d *Document) MethodAllowed(method string) bool {
	return d.methodSet[strings.ToUpper(method)]
}

// Fingerprint is a deterministic hash of the policy document's effective
// content (spec.md §3 "deterministic hash of the policy document").
func (d *Document) Fingerprint() string {
	hosts := append([]string(nil), d.AllowedHosts...)
	sort.Strings(hosts)
	canonical := struct {
		Hosts            []string `json:"hosts"`
		MaxRequestBytes  int64    `json:"max_request_bytes"`
		MaxResponseBytes int64    `json:"max_response_bytes"`
		MaxRedirects     int      `json:"max_redirects"`
		Methods          []string `json:"methods"`
		AllowDowngrade   bool     `json:"allow_downgrade"`
	}{
		Hosts:            hosts,
		MaxRequestBytes:  d.MaxRequestBytes,
		MaxResponseBytes: d.MaxResponseBytes,
		MaxRedirects:     d.MaxRedirects,
		Methods:          d.methodsSorted(),
		AllowDowngrade:   d.AllowDowngrade,
	}
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (d *Document) methodsSorted() []string {
	out := make([]string, 0, len(d.methodSet))
	for m := range d.methodSet {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
