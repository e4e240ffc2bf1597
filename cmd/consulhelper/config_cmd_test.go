package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/consulhelper"
	"pkt.systems/pslog"
)

func runConfigGen(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger(), nil)
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"config", "gen"}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestConfigGenStdout(t *testing.T) {
	t.Parallel()

	out, err := runConfigGen(t, "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("generated config is not YAML: %v", err)
	}
	if got.RetryDelay != consulhelper.DefaultRetryDelay.String() || got.LogLevel != consulhelper.DefaultLogLevel {
		t.Fatalf("unexpected defaults %+v", got)
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if _, err := runConfigGen(t, "--out", path); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}
	if _, err := runConfigGen(t, "--out", path); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, err := runConfigGen(t, "--out", path, "--force"); err != nil {
		t.Fatalf("forced config gen: %v", err)
	}
}

func TestConfigGenRejectsStdoutWithOut(t *testing.T) {
	t.Parallel()

	if _, err := runConfigGen(t, "--stdout", "--out", filepath.Join(t.TempDir(), "c.yaml")); err == nil {
		t.Fatal("expected mutually exclusive error")
	}
}

func TestGeneratedConfigIsLoadable(t *testing.T) {
	t.Parallel()

	data, err := defaultConfigYAML(func(d *configDefaults) { d.Datacenter = "dc3" })
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	path := filepath.Join(t.TempDir(), "generated.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	a := &app{v: viper.New()}
	a.v.Set("config", path)
	if _, err := a.loadConfigFile(); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := a.bindConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate generated config: %v", err)
	}
	if cfg.Datacenter != "dc3" || cfg.RetryDelay != consulhelper.DefaultRetryDelay {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
