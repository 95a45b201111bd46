// Package secret resolves credentials through the same priority chain the
// teacher used: OS keyring first (encrypted at rest), then an environment
// variable, then whatever plaintext value the caller already has from
// config.yaml.
package secret

import (
	"os"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name under which all NanoClaw secrets are
// stored in the OS keyring.
const keyringService = "nanoclaw"

// Store saves a secret under key in the OS keyring.
func Store(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// Get reads a secret from the OS keyring, returning "" if absent.
func Get(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// Delete removes a secret from the OS keyring.
func Delete(key string) error {
	return keyring.Delete(keyringService, key)
}

// Available reports whether an OS keyring backend is reachable, by probing
// a set-then-delete round trip on a throwaway key.
func Available() bool {
	const probeKey = "_nanoclaw_probe"
	if err := keyring.Set(keyringService, probeKey, "1"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probeKey)
	return true
}

// Resolve applies the keyring → env var → fallback priority chain.
func Resolve(keyringKey, envVar, fallback string) string {
	if val := Get(keyringKey); val != "" {
		return val
	}
	if envVar != "" {
		if val := os.Getenv(envVar); val != "" {
			return val
		}
	}
	return fallback
}
