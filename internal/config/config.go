// Package config loads this instance's environment variables, mirroring
// walletserver/config's godotenv.Load-then-os.Getenv shape: a flat set of
// settings has no layered-config story worth a YAML loader.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the mesh and transport settings a meshd process needs to
// start. Secrets (NetworkKey) are never logged; callers must not dump this
// struct with %+v in production logs.
type Config struct {
	InstanceID string
	RelayURL   string
	NetworkKey []byte // 32 raw bytes, decoded from SYNC_NETWORK_KEY
	MeshID     string // derived, public, non-secret

	BaseURL string
	Port    int
}

// Load reads .env (if present, silently ignored otherwise) and then the
// process environment, validating the shape of each required variable.
func Load() (Config, error) {
	_ = godotenv.Load()

	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		return Config{}, errors.New("config: INSTANCE_ID is required")
	}
	relayURL := os.Getenv("SYNC_RELAY_URL")
	if relayURL == "" {
		return Config{}, errors.New("config: SYNC_RELAY_URL is required")
	}

	keyHex := os.Getenv("SYNC_NETWORK_KEY")
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return Config{}, fmt.Errorf("config: SYNC_NETWORK_KEY must be hex: %w", err)
	}
	if len(key) != 32 {
		return Config{}, fmt.Errorf("config: SYNC_NETWORK_KEY must decode to 32 bytes, got %d", len(key))
	}

	baseURL := os.Getenv("BASE_URL")
	portStr := os.Getenv("PORT")
	port := 8080
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return Config{}, fmt.Errorf("config: PORT must be numeric: %w", err)
		}
	}

	return Config{
		InstanceID: instanceID,
		RelayURL:   relayURL,
		NetworkKey: key,
		MeshID:     MeshID(key),
		BaseURL:    baseURL,
		Port:       port,
	}, nil
}

// MeshID derives the public, non-secret mesh tag from the shared network
// key: the first 8 bytes of SHA-256(key), hex-encoded.
func MeshID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
