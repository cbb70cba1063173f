package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OllieNilsen/pexi/pkg/config"
)

// validatePolicyCmd is a dry-run check, grounded on spec.md §9's removal of
// the embedded Rego/regorus evaluator: RegorusEvaluator::from_dir validated
// policy at load time in the original, and operators still need that check
// against the fixed-schema replacement (SPEC_FULL.md §A).
var validatePolicyCmd = &cobra.Command{
	Use:   "validate-policy",
	Short: "Load and fingerprint a policy file without serving",
	RunE:  runValidatePolicy,
}

func runValidatePolicy(cmd *cobra.Command, args []string) error {
	path := policyFile
	if path == "" {
		path = os.Getenv("PEP_POLICY_FILE")
	}
	if path == "" {
		return fmt.Errorf("no policy file given: pass --policy-file or set PEP_POLICY_FILE")
	}

	doc, err := config.LoadPolicyFile(path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	if err := doc.Normalize(); err != nil {
		return fmt.Errorf("normalizing %s: %w", path, err)
	}

	fmt.Printf("policy file: %s\n", path)
	fmt.Printf("fingerprint: %s\n", doc.Fingerprint())
	fmt.Printf("allowed domains: %d\n", len(doc.AllowedHosts))
	for _, h := range doc.AllowedHosts {
		fmt.Printf("  - %s\n", h)
	}
	fmt.Printf("max_request_bytes: %d\n", doc.MaxRequestBytes)
	fmt.Printf("max_response_bytes: %d\n", doc.MaxResponseBytes)
	fmt.Printf("max_redirects: %d\n", doc.MaxRedirects)
	fmt.Printf("allow_https_downgrade: %v\n", doc.AllowDowngrade)
	fmt.Println("policy file is valid.")
	return nil
}
