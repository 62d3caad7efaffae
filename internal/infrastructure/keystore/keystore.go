package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/satp-gateway/satp-gateway/internal/domain/ledger"
)

// StaticKeyStore resolves per-network signing credentials from memory.
type StaticKeyStore struct {
	keys       map[string][]byte
	defaultKey string
}

// NewFromEnv builds a keystore from environment variables.
// GATEWAY_SIGNING_KEYS format: "networkId:hex,networkId2:hex".
// GATEWAY_DEFAULT_SIGNING_KEY names the network whose key signs for networks
// without an explicit entry.
func NewFromEnv() (*StaticKeyStore, error) {
	keys := make(map[string][]byte)
	raw := os.Getenv("GATEWAY_SIGNING_KEYS")
	if raw != "" {
		pairs := strings.Split(raw, ",")
		for _, p := range pairs {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				return nil, errors.New("invalid GATEWAY_SIGNING_KEYS format")
			}
			bytes, err := hex.DecodeString(parts[1])
			if err != nil {
				return nil, fmt.Errorf("network %s: %w", parts[0], err)
			}
			keys[parts[0]] = bytes
		}
	}
	return &StaticKeyStore{
		keys:       keys,
		defaultKey: os.Getenv("GATEWAY_DEFAULT_SIGNING_KEY"),
	}, nil
}

// NewStatic builds a keystore from an explicit network-to-key map.
func NewStatic(keys map[string][]byte) *StaticKeyStore {
	copied := make(map[string][]byte, len(keys))
	for k, v := range keys {
		copied[k] = v
	}
	return &StaticKeyStore{keys: copied}
}

// Resolve returns the signing credential for a network, falling back to the
// configured default key.
func (s *StaticKeyStore) Resolve(networkID string) (ledger.Credential, error) {
	if key, ok := s.keys[networkID]; ok {
		return ledger.Credential{KeyID: networkID, PrivateKey: key}, nil
	}
	if s.defaultKey != "" {
		if key, ok := s.keys[s.defaultKey]; ok {
			return ledger.Credential{KeyID: s.defaultKey, PrivateKey: key}, nil
		}
	}
	return ledger.Credential{}, fmt.Errorf("no signing key for network %s", networkID)
}
