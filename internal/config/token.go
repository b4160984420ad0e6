package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const (
	keychainService = "moodtracker"
	tokenAccount    = "api_token"
	tokenEnv        = "MOODTRACKER_API_TOKEN"

	syncTokenAccount = "sync_token"
	syncTokenEnv     = "MOODTRACKER_SYNC_TOKEN"
)

// Keychain stores secrets in the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type platformKeychain struct{}

// NewKeychain returns the platform secret store: macOS Keychain on darwin,
// a 0600 TOML file under $XDG_DATA_HOME elsewhere.
func NewKeychain() Keychain {
	return platformKeychain{}
}

func (platformKeychain) Get(service, account string) (string, error) {
	return keychainGet(service, account)
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the management API bearer token. MOODTRACKER_API_TOKEN
// wins; otherwise the token is read from kc and generated on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv(tokenEnv); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(keychainService, tokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// GetSyncToken returns the bearer token for the sync remote, or "" when none
// is configured. MOODTRACKER_SYNC_TOKEN wins over the secret store.
func GetSyncToken(kc Keychain) string {
	if tok := os.Getenv(syncTokenEnv); tok != "" {
		return tok
	}
	tok, err := kc.Get(keychainService, syncTokenAccount)
	if err != nil {
		return ""
	}
	return tok
}

// SetSyncToken stores the sync remote's bearer token in kc.
func SetSyncToken(kc Keychain, token string) error {
	return kc.Set(keychainService, syncTokenAccount, token)
}
