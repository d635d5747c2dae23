package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".touchline")); err != nil {
		t.Fatalf("workspace dir missing: %v", err)
	}
	if got, want := Path(dir), filepath.Join(dir, ".touchline", "touchline.db"); got != want {
		t.Fatalf("Path = %q, want %q", got, want)
	}
}
