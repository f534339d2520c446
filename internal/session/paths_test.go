package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatsync", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestCacheDBPath(t *testing.T) {
	got := CacheDBPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "cache.db")) {
		t.Errorf("CacheDBPath(test) = %q, want suffix sessions/test/cache.db", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix sessions/test/LOCK", got)
	}
}

func TestLogPath(t *testing.T) {
	got := LogPath("test")
	if !strings.HasSuffix(got, filepath.Join("test", "logs", "chatsyncd.log")) {
		t.Errorf("LogPath(test) = %q", got)
	}
}

func TestConfigPath(t *testing.T) {
	got := ConfigPath()
	if !strings.HasSuffix(got, filepath.Join(".chatsync", "config.toml")) {
		t.Errorf("ConfigPath() = %q", got)
	}
}
