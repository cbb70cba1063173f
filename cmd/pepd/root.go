// Command pepd is the PEP egress gateway daemon. Its command tree is
// grounded on ratnesh-maurya-forge/forge-cli's cmd/root.go use of
// spf13/cobra for a root command with persistent flags plus subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	policyFile string

	appVersion = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "pepd",
	Short: "pepd — Policy Enforcement Point egress gateway",
	Long:  "pepd mediates guest egress HTTP requests against a fixed-schema policy document, enforcing SSRF, redirect, and body-size constraints before any request reaches the network.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&policyFile, "policy-file", "", "policy YAML file (overrides PEP_POLICY_FILE)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(validatePolicyCmd)
}

// SetVersionInfo sets the version string cobra prints for --version.
func SetVersionInfo(version string) {
	appVersion = version
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("pepd %s\n", version))
}

// Execute runs the root command and exits 1 on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
