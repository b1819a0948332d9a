package main

import (
	"path/filepath"
	"testing"
)

func TestParseSaveSpec(t *testing.T) {
	name, variable, err := parseSaveSpec("cleaned=df")
	if err != nil {
		t.Fatalf("parseSaveSpec failed: %v", err)
	}
	if name != "cleaned" || variable != "df" {
		t.Errorf("got %s=%s", name, variable)
	}

	for _, bad := range []string{"cleaned", "=df", "cleaned=", ""} {
		if _, _, err := parseSaveSpec(bad); err == nil {
			t.Errorf("spec %q should be rejected", bad)
		}
	}
}

func TestResolvePath(t *testing.T) {
	old := workspace
	defer func() { workspace = old }()

	workspace = "/tmp/ws"
	if got := resolvePath(filepath.Join(".linea", "linea.db")); got != "/tmp/ws/.linea/linea.db" {
		t.Errorf("resolved %s", got)
	}
	if got := resolvePath("/abs/linea.db"); got != "/abs/linea.db" {
		t.Errorf("absolute path should pass through, got %s", got)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{
		"trace": false, "artifacts": false, "get": false,
		"slice": false, "export": false, "db": false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %s not registered", name)
		}
	}
}
