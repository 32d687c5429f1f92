package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPort(t *testing.T) {
	t.Setenv("TEST_PORT", "70000")
	if _, err := Port("TEST_PORT", "8080"); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
	t.Setenv("TEST_PORT", "")
	p, err := Port("TEST_PORT", "8080")
	if err != nil || p != "8080" {
		t.Fatalf("expected fallback 8080, got %q (%v)", p, err)
	}
}

func TestDurationAndInt(t *testing.T) {
	t.Setenv("TEST_TIMEOUT", "8s")
	d, err := Duration("TEST_TIMEOUT", time.Second)
	if err != nil || d != 8*time.Second {
		t.Fatalf("expected 8s, got %s (%v)", d, err)
	}
	t.Setenv("TEST_TIMEOUT", "soon")
	if _, err := Duration("TEST_TIMEOUT", time.Second); err == nil {
		t.Fatalf("expected parse error")
	}

	t.Setenv("TEST_LIMIT", "")
	n, err := Int("TEST_LIMIT", 60)
	if err != nil || n != 60 {
		t.Fatalf("expected fallback 60, got %d (%v)", n, err)
	}
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("COACHBOOK_DOTENV_TEST=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("COACHBOOK_DOTENV_TEST", "")
	os.Unsetenv("COACHBOOK_DOTENV_TEST")

	if err := LoadDotenv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if got := String("COACHBOOK_DOTENV_TEST", ""); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
}
