// Package identity keeps the Ed25519 keys that give a P2P node and the
// relay host a stable peer ID across restarts.
package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/tandem/internal/logger"
)

// LoadOrCreate reads the key at path. A missing or unreadable key is
// replaced by a fresh one; created reports that case.
func LoadOrCreate(path string) (priv crypto.PrivKey, created bool, err error) {
	data, err := os.ReadFile(path)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		logger.Warn("identity: corrupt key, generating a new one", logger.String("path", path), logger.Err(err))
	}

	priv, _, err = crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("save key: %w", err)
	}
	return priv, true, nil
}

// PeerID returns the peer ID the key at path stands for, creating the key
// if needed.
func PeerID(path string) (string, error) {
	priv, _, err := LoadOrCreate(path)
	if err != nil {
		return "", err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
