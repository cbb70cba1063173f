package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OllieNilsen/pexi/pkg/config"
)

// healthSnapshot is printed by `pepd health` — supplementing spec.md from
// the original's health.rs, which the distillation dropped (SPEC_FULL.md
// §C). It reports what the active configuration would be, without binding
// a listener or opening the audit log.
type healthSnapshot struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	AllowedDomains   int    `json:"allowed_domains"`
	MaxRequestBytes  int64  `json:"max_request_bytes"`
	MaxResponseBytes int64  `json:"max_response_bytes"`
	MaxRedirects     int    `json:"max_redirects"`
	PolicyFP         string `json:"policy_fingerprint"`
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print a JSON health snapshot and exit",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	if policyFile != "" {
		os.Setenv("PEP_POLICY_FILE", policyFile)
	}
	cfg, err := config.FromEnv()
	snapshot := healthSnapshot{Status: "ok", Version: appVersion}
	if err != nil {
		snapshot.Status = "error"
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snapshot)
		return fmt.Errorf("loading configuration: %w", err)
	}

	snapshot.AllowedDomains = len(cfg.Doc.AllowedHosts)
	snapshot.MaxRequestBytes = cfg.Doc.MaxRequestBytes
	snapshot.MaxResponseBytes = cfg.Doc.MaxResponseBytes
	snapshot.MaxRedirects = cfg.Doc.MaxRedirects
	snapshot.PolicyFP = cfg.Doc.Fingerprint()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshot)
}
