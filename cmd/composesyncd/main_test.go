package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/composesyncd/internal/config"
	"github.com/schaermu/composesyncd/internal/docker"
	"github.com/schaermu/composesyncd/internal/sidecar"
	"github.com/schaermu/composesyncd/internal/stack"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSetupLogger(t *testing.T) {
	origLevel := logLevel.value
	origFormat := logFormat.value
	t.Cleanup(func() {
		logLevel.value = origLevel
		logFormat.value = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := logLevel.Set(tc.logLevel); err != nil {
				t.Fatalf("Set(%q): %v", tc.logLevel, err)
			}
			if err := logFormat.Set(tc.logFormat); err != nil {
				t.Fatalf("Set(%q): %v", tc.logFormat, err)
			}

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestEnumValue(t *testing.T) {
	v := newEnumValue("text", "text", "yaml")

	if err := v.Set("YAML"); err != nil {
		t.Fatalf("Set(YAML): %v", err)
	}
	if v.String() != "yaml" {
		t.Errorf("String() = %q, want yaml", v.String())
	}

	err := v.Set("xml")
	if err == nil {
		t.Fatal("expected error for value outside the allowed set")
	}
	if !strings.Contains(err.Error(), "text, yaml") {
		t.Errorf("error %q does not list the allowed values", err)
	}
	if v.String() != "yaml" {
		t.Errorf("rejected value changed the flag to %q", v.String())
	}
	if v.Type() != "string" {
		t.Errorf("Type() = %q", v.Type())
	}
}

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	tmpDir := t.TempDir()
	stateDir := filepath.Join(tmpDir, "state")

	content := []byte(`repo:
  url: "git@github.com:test/stacks.git"
  ref: "main"
paths:
  state_dir: "` + stateDir + `"
` + extra)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, content, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return cfgPath
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = writeConfig(t, "sync:\n  interval: 2m\n")

	cfg, err := loadConfig(discardLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Sync.Interval.Minutes() != 2 {
		t.Errorf("Sync.Interval = %s, want 2m", cfg.Sync.Interval)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	if _, err := loadConfig(discardLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = ""

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(configEnv, "")

	if _, err := loadConfig(discardLogger()); err == nil {
		t.Fatal("expected error when default config file doesn't exist")
	}

	dir := filepath.Join(home, ".config", "composesyncd")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(writeConfig(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(discardLogger()); err != nil {
		t.Fatalf("loadConfig from default path: %v", err)
	}
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = ""

	t.Setenv("HOME", t.TempDir())
	t.Setenv(configEnv, writeConfig(t, ""))

	if _, err := loadConfig(discardLogger()); err != nil {
		t.Fatalf("loadConfig from %s: %v", configEnv, err)
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func TestCommandsRegistered(t *testing.T) {
	var got []string
	for _, c := range rootCmd.Commands() {
		got = append(got, c.Name())
	}
	for _, want := range []string{"check", "env", "job", "plan", "serve", "sync", "version"} {
		found := false
		for _, name := range got {
			if name == want {
				found = true
			}
		}
		if !found {
			t.Errorf("command %q not registered (have %v)", want, got)
		}
	}
}

func testSummary() stack.Summary {
	order := 2
	return stack.Summary{
		BringUp: []stack.RefSummary{
			{Name: "p1", Kind: "expected", Manifest: "/repo/2_p1/compose.yml", Order: &order},
		},
		TearDown: []stack.RefSummary{
			{Name: "old", Kind: "actual", Manifest: "/repo/old/compose.yml"},
		},
		Ignored: []stack.RefSummary{},
	}
}

func TestRenderPlan_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := renderPlan(&buf, testSummary(), "text"); err != nil {
		t.Fatalf("renderPlan: %v", err)
	}

	var rows [][]string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		rows = append(rows, strings.Fields(line))
	}
	want := [][]string{
		{"ACTION", "NAME", "ORDER", "MANIFEST"},
		{"down", "old", "-", "/repo/old/compose.yml"},
		{"up", "p1", "2", "/repo/2_p1/compose.yml"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("renderPlan() mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderPlan_YAML(t *testing.T) {
	var buf bytes.Buffer
	if err := renderPlan(&buf, testSummary(), "yaml"); err != nil {
		t.Fatalf("renderPlan: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"bring_up:", "tear_down:", "ignored: []", "order: 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("yaml output missing %q:\n%s", want, out)
		}
	}

	var got stack.Summary
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not valid yaml: %v", err)
	}
	if diff := cmp.Diff(testSummary(), got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("decoded plan mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderEnv(t *testing.T) {
	env := stack.EffectiveEnv{
		"TOKEN":  {Value: stack.MaskedValue, Secret: true},
		"DOMAIN": {Value: "example.org"},
	}

	var buf bytes.Buffer
	renderEnv(&buf, env)

	want := "DOMAIN=example.org\nTOKEN=***\n"
	if buf.String() != want {
		t.Errorf("renderEnv() = %q, want %q", buf.String(), want)
	}
}

func TestFindProject(t *testing.T) {
	layout := &stack.Full{
		Base: stack.Base{RepoRoot: "/repo"},
		Projects: []stack.Project{
			{Name: "proxy", Dir: "/repo/1_proxy", Order: 1, ManifestPath: "/repo/1_proxy/compose.yml"},
			{Name: "Proxy", Dir: "/repo/3_Proxy", Order: 3, ManifestPath: "/repo/3_Proxy/compose.yml"},
			{Name: "app", Dir: "/repo/app", Order: stack.Unordered, ManifestPath: "/repo/app/compose.yml"},
		},
	}

	got, ok := findProject(layout, "PROXY")
	if !ok {
		t.Fatal("expected proxy to be found")
	}
	if got.StackDir != "/repo/1_proxy" {
		t.Errorf("found %s, want the lowest order project", got.StackDir)
	}

	if _, ok := findProject(layout, "missing"); ok {
		t.Error("expected missing project not to be found")
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = writeConfig(t, "sidecar:\n  enabled: false\n")

	cfg, err := loadConfig(discardLogger())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	return cfg
}

func TestSelectMode_SidecarDisabled(t *testing.T) {
	cfg := testConfig(t)

	d, closeFn, err := selectMode(context.Background(), cfg, nil, discardLogger())
	if err != nil {
		t.Fatalf("selectMode: %v", err)
	}
	defer closeFn()

	if d.every != cfg.Sync.Interval {
		t.Errorf("every = %s, want sync interval %s", d.every, cfg.Sync.Interval)
	}
	if st := d.status(); st != nil {
		t.Errorf("status before the first cycle = %#v, want nil", st)
	}
}

// absentEngine reports every container as missing
type absentEngine struct{}

func (absentEngine) ContainerInfo(context.Context, string) (*docker.Info, error) {
	return nil, nil
}

func (absentEngine) CopyContainer(context.Context, string, []string, *docker.Info, bool) (bool, string, error) {
	return false, "", nil
}

func (absentEngine) DeleteContainer(context.Context, string) (bool, error) { return false, nil }

func (absentEngine) StartContainer(context.Context, string) (bool, error) { return false, nil }

func TestSidecarDaemon(t *testing.T) {
	mgr := sidecar.NewManager(absentEngine{}, sidecar.Target{Name: "job"}, discardLogger(), nil)
	d := sidecarDaemon(mgr, 0)

	if st := d.status(); st != nil {
		t.Fatalf("status before the first heal = %#v, want nil", st)
	}
	if err := d.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	r, ok := d.status().(*sidecar.Report)
	if !ok {
		t.Fatalf("status = %#v, want *sidecar.Report", d.status())
	}
	if r.Outcome != sidecar.OutcomeNoSelf {
		t.Errorf("Outcome = %q, want %q", r.Outcome, sidecar.OutcomeNoSelf)
	}
}
