package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nTEST_DOTENV_KEY=value\n\nMALFORMED\n=nokey\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("TEST_DOTENV_KEY", "")
	os.Unsetenv("TEST_DOTENV_KEY")

	loadDotEnv(path)

	if got := os.Getenv("TEST_DOTENV_KEY"); got != "value" {
		t.Fatalf("TEST_DOTENV_KEY = %q, want %q", got, "value")
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TEST_DOTENV_KEEP=file\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("TEST_DOTENV_KEEP", "env")

	loadDotEnv(path)

	if got := os.Getenv("TEST_DOTENV_KEEP"); got != "env" {
		t.Fatalf("existing env var overridden: got %q", got)
	}
}

func TestLoadAuthToken_GeneratesAndPersists(t *testing.T) {
	home := t.TempDir()

	tok1, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if strings.TrimSpace(tok1) == "" {
		t.Fatal("empty token generated")
	}

	tok2, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("token not stable across loads: %q vs %q", tok1, tok2)
	}

	info, err := os.Stat(filepath.Join(home, "auth.token"))
	if err != nil {
		t.Fatalf("stat auth.token: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("auth.token perm = %o, want 600", perm)
	}
}

func TestRunHashpwCommand(t *testing.T) {
	if code := runHashpwCommand(nil); code != 2 {
		t.Fatalf("no args: got exit code %d, want 2", code)
	}
	if code := runHashpwCommand([]string{""}); code != 2 {
		t.Fatalf("empty password: got exit code %d, want 2", code)
	}
	if code := runHashpwCommand([]string{"hunter2"}); code != 0 {
		t.Fatalf("valid password: got exit code %d, want 0", code)
	}
}

func TestIsAddrInUse(t *testing.T) {
	if isAddrInUse(os.ErrNotExist) {
		t.Fatal("unrelated error reported as addr-in-use")
	}
}
