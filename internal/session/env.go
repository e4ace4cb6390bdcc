package session

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

const oauthTokenKey = "CLAUDE_CODE_OAUTH_TOKEN"

// WorkerEnv returns the environment passed to worker sessions. The OAuth
// token comes from the environment first, then from ~/.autodev/.env.
func WorkerEnv() map[string]string {
	env := map[string]string{}
	if tok := loadOAuthToken(); tok != "" {
		env[oauthTokenKey] = tok
	}
	return env
}

func loadOAuthToken() string {
	if v := os.Getenv(oauthTokenKey); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return readEnvFileVar(filepath.Join(home, ".autodev", ".env"), oauthTokenKey)
}

// readEnvFileVar reads the value of a specific key from a .env file.
// Supports both "KEY=VALUE" and "export KEY=VALUE" formats, with optional
// quotes. Returns empty string if the file or key is not found.
func readEnvFileVar(path, key string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) == key {
			return strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		}
	}
	return ""
}
