package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStatic(t *testing.T) {
	token, ok := Static("abc123").Token()
	if !ok || token != "abc123" {
		t.Errorf("Token() = %q, %v; want abc123, true", token, ok)
	}

	if _, ok := Static("").Token(); ok {
		t.Error("empty static token should report ok=false")
	}
}

func TestEnv(t *testing.T) {
	t.Setenv("TRADESYNC_TEST_TOKEN", "  env-token\n")

	token, ok := Env{Var: "TRADESYNC_TEST_TOKEN"}.Token()
	if !ok || token != "env-token" {
		t.Errorf("Token() = %q, %v; want env-token, true", token, ok)
	}

	t.Setenv("TRADESYNC_TEST_TOKEN", "")
	if _, ok := (Env{Var: "TRADESYNC_TEST_TOKEN"}).Token(); ok {
		t.Error("unset env var should report ok=false")
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  file-token \n"), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	token, ok := p.Token()
	if !ok || token != "file-token" {
		t.Errorf("Token() = %q, %v; want file-token, true", token, ok)
	}
}

func TestFromFile_Errors(t *testing.T) {
	if _, err := FromFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := FromFile(empty); err == nil {
		t.Error("expected error for empty token file")
	}
}

func TestResolve_Anonymous(t *testing.T) {
	p, err := Resolve("", "", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := p.Token(); ok {
		t.Error("no source configured should resolve to anonymous")
	}
}

func TestResolve_Priority(t *testing.T) {
	p, err := Resolve("literal", "/nonexistent", "SOME_VAR")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if token, _ := p.Token(); token != "literal" {
		t.Errorf("literal token should win, got %q", token)
	}
}
