package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taskqueue/internal/config"
	"taskqueue/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	for _, key := range []string{"TASKQUEUE_DB", "TASKQUEUE_BACKUP_DIR", "TASKQUEUE_LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	cfg := testsupport.NewConfig(t, opts...)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{cfg: cfg, configPath: configPath}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func (env *cliTestEnv) run(t *testing.T, args ...string) string {
	t.Helper()
	stdout, stderr, err := runCLI(t, args, env.configPath)
	if err != nil {
		t.Fatalf("taskq %s: %v (stderr: %s)", strings.Join(args, " "), err, stderr)
	}
	return stdout
}

func (env *cliTestEnv) runErr(t *testing.T, args ...string) error {
	t.Helper()
	_, _, err := runCLI(t, args, env.configPath)
	if err == nil {
		t.Fatalf("taskq %s: expected error", strings.Join(args, " "))
	}
	return err
}

func (env *cliTestEnv) runJSON(t *testing.T, dest any, args ...string) {
	t.Helper()
	stdout := env.run(t, append(args, "--json")...)
	if err := json.Unmarshal([]byte(stdout), dest); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
