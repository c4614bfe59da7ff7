package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/genos-ai/zeblit-sub001/internal/command"
)

func TestEncodeSingleArgumentIsParsed(t *testing.T) {
	f := commandFlags{workdir: "/workspace/app", env: []string{"A=1"}}
	token, err := f.encode([]string{"npm test && npm run lint"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	spec, err := command.Decode(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !spec.Shell || spec.WorkDir != "/workspace/app" || spec.Env["A"] != "1" {
		t.Fatalf("unexpected spec %+v", spec)
	}
}

func TestEncodeSeveralArgumentsKeepsArgv(t *testing.T) {
	var f commandFlags
	token, err := f.encode([]string{"echo", "a && b"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	spec, err := command.Decode(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if spec.Shell || len(spec.Args) != 2 || spec.Args[1] != "a && b" {
		t.Fatalf("argv was not preserved: %+v", spec)
	}
}

func TestEncodeRejectsMalformedEnv(t *testing.T) {
	f := commandFlags{env: []string{"NOVALUE"}}
	if _, err := f.encode([]string{"ls"}); err == nil {
		t.Fatal("expected error for env without '='")
	}
}

func TestFinishPropagatesExitCode(t *testing.T) {
	var errOut bytes.Buffer
	a := &app{out: &bytes.Buffer{}, errOut: &errOut}
	err := a.finish(3, true, false)
	var code exitCodeError
	if !errors.As(err, &code) || int(code) != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
	if !strings.Contains(errOut.String(), "truncated") {
		t.Fatalf("expected truncation notice, got %q", errOut.String())
	}
	if err := a.finish(0, false, false); err != nil {
		t.Fatalf("expected nil for success, got %v", err)
	}
	if err := a.finish(0, false, true); !errors.As(err, &code) || int(code) != timeoutExitCode {
		t.Fatalf("expected timeout exit code, got %v", err)
	}
}

func TestEncodeCommandPrintsToken(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(&out, &bytes.Buffer{})
	root.SetArgs([]string{"encode", "--", "ls", "-la"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	spec, err := command.Decode(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("token does not decode: %v", err)
	}
	if len(spec.Args) != 2 || spec.Args[0] != "ls" {
		t.Fatalf("unexpected spec %+v", spec)
	}
}

func TestExecRequiresProject(t *testing.T) {
	t.Setenv("ZEBLIT_CONFIG", t.TempDir()+"/config.yaml")
	t.Setenv("ZEBLIT_PROJECT", "")
	root := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	root.SetArgs([]string{"exec", "--token", "tok", "--", "ls"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "--project") {
		t.Fatalf("expected missing project error, got %v", err)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	t.Setenv("ZEBLIT_CONFIG", path)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load missing config: %v", err)
	}
	if cfg.APIBaseURL != defaultAPIBaseURL {
		t.Fatalf("default base = %q", cfg.APIBaseURL)
	}

	cfg.AccessToken = "tok"
	cfg.DefaultProject = "proj-1"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config mode = %o, want 600", perm)
	}
	got, err := loadConfig()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got != cfg {
		t.Fatalf("reloaded %+v, want %+v", got, cfg)
	}
}
