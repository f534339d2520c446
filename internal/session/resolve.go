package session

import (
	"os"

	"github.com/chatsync/internal/config"
)

const DefaultSessionName = "main"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. CHATSYNC_SESSION environment variable
// 3. config.toml default_session
// 4. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv("CHATSYNC_SESSION"); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
