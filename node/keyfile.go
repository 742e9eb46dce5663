package node

import (
	"fmt"
	"os"

	"github.com/cometbft/cometbft/crypto/ed25519"
	cometjson "github.com/cometbft/cometbft/libs/json"
	"github.com/cometbft/cometbft/libs/tempfile"
)

// FileKey stores a member's signing key on disk.
type FileKey struct {
	PubKey  ed25519.PubKey  `json:"pub_key"`
	PrivKey ed25519.PrivKey `json:"priv_key"`

	filePath string
}

// GenFileKey generates a new member key bound to filePath, without saving.
func GenFileKey(filePath string) *FileKey {
	privKey := ed25519.GenPrivKey()
	return &FileKey{
		PubKey:   privKey.PubKey().(ed25519.PubKey),
		PrivKey:  privKey,
		filePath: filePath,
	}
}

// LoadFileKey reads a member key from disk.
func LoadFileKey(filePath string) (*FileKey, error) {
	bz, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	key := &FileKey{}
	if err := cometjson.Unmarshal(bz, key); err != nil {
		return nil, fmt.Errorf("error reading member key from %s: %w", filePath, err)
	}
	// re-derive the public key rather than trusting the file
	key.PubKey = key.PrivKey.PubKey().(ed25519.PubKey)
	key.filePath = filePath
	return key, nil
}

// Save persists the key to its filePath with an atomic write.
func (k *FileKey) Save() error {
	if k.filePath == "" {
		return fmt.Errorf("cannot save member key: file path not set")
	}
	bz, err := cometjson.MarshalIndent(k, "", "  ")
	if err != nil {
		return err
	}
	return tempfile.WriteFileAtomic(k.filePath, bz, 0600)
}
