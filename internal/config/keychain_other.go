//go:build !darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "moodtracker", "secrets.toml")
}

func readSecrets() (map[string]map[string]string, error) {
	return readSecretsFile(secretsFilePath())
}

func readSecretsFile(path string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := toml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func keychainGet(service, account string) (string, error) {
	secrets, err := readSecrets()
	if err != nil {
		return "", fmt.Errorf("keychain not available: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func keychainSet(service, account, value string) error {
	secrets, err := readSecrets()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("refusing to overwrite unreadable secrets file: %w", err)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return writeSecretsFile(secretsFilePath(), secrets)
}

func writeSecretsFile(p string, secrets map[string]map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := toml.Marshal(secrets)
	if err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}
