package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestPolicyYAML(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing policy.yaml: %v", err)
	}
	return path
}

func TestRunValidatePolicy_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTestPolicyYAML(t, dir, `
allowed_domains:
  - example.com
max_request_bytes: 4096
max_response_bytes: 8192
max_redirects: 3
`)

	oldPolicyFile := policyFile
	policyFile = path
	defer func() { policyFile = oldPolicyFile }()

	if err := runValidatePolicy(nil, nil); err != nil {
		t.Fatalf("runValidatePolicy() error: %v", err)
	}
}

func TestRunValidatePolicy_MissingFile(t *testing.T) {
	oldPolicyFile := policyFile
	policyFile = ""
	os.Unsetenv("PEP_POLICY_FILE")
	defer func() { policyFile = oldPolicyFile }()

	if err := runValidatePolicy(nil, nil); err == nil {
		t.Fatal("expected an error when no policy file is given")
	}
}

func TestRunValidatePolicy_UnreadableFile(t *testing.T) {
	oldPolicyFile := policyFile
	policyFile = filepath.Join(t.TempDir(), "does-not-exist.yaml")
	defer func() { policyFile = oldPolicyFile }()

	if err := runValidatePolicy(nil, nil); err == nil {
		t.Fatal("expected an error for a nonexistent policy file")
	}
}
