package node

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileKeyRoundTrip(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "signer_key.json")

	key := GenFileKey(filePath)
	require.NoError(t, key.Save())

	loaded, err := LoadFileKey(filePath)
	require.NoError(t, err)
	require.Equal(t, key.PrivKey, loaded.PrivKey)
	require.Equal(t, key.PubKey, loaded.PubKey)

	// signatures made by the loaded key verify against the original pubkey
	msg := []byte("payload")
	sig, err := loaded.PrivKey.Sign(msg)
	require.NoError(t, err)
	require.True(t, key.PubKey.VerifySignature(msg, sig))
}

func TestLoadFileKeyMissing(t *testing.T) {
	_, err := LoadFileKey(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestFileKeySaveWithoutPath(t *testing.T) {
	key := &FileKey{}
	require.Error(t, key.Save())
}
