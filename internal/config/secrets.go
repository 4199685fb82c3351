package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// secretSource supplies secrets not given through the environment.
type secretSource interface {
	Get(key string) (string, error)
}

// secretsFile reads a flat {"key": "value"} JSON object that only the owner
// can read, kept next to the data directory.
type secretsFile struct {
	path string
}

func defaultSecretsFile() secretsFile {
	return secretsFile{path: filepath.Join(defaultDataDir(), "secrets.json")}
}

func (s secretsFile) Get(key string) (string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return "", fmt.Errorf("secrets file not available: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("secrets file %s must not be readable by group or others (mode %v)", s.path, info.Mode().Perm())
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	val, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found", key)
	}
	return val, nil
}
