package evaluator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onenameio/blockstore/types"
)

func TestDecisionStoreIdempotentSave(t *testing.T) {
	store := NewDecisionStore("")
	hash := types.SignatureHash{1}
	record := DecisionRecord{
		Response:   types.AcceptBlock(hash, []byte("sig")),
		BurnHeight: 10,
	}

	require.NoError(t, store.Save(hash, record))
	require.NoError(t, store.Save(hash, record))

	got, ok := store.Get(hash)
	require.True(t, ok)
	require.True(t, got.IsAccepted())
}

func TestDecisionStoreConflict(t *testing.T) {
	store := NewDecisionStore("")
	hash := types.SignatureHash{1}

	require.NoError(t, store.Save(hash, DecisionRecord{
		Response:   types.AcceptBlock(hash, []byte("sig")),
		BurnHeight: 10,
	}))

	err := store.Save(hash, DecisionRecord{
		Response:   types.RejectBlock(hash, types.RejectValidationFailed, "changed my mind", []byte("sig")),
		BurnHeight: 10,
	})
	var conflict *ConflictingDecisionError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, hash, conflict.Hash)

	// the original decision survives
	got, ok := store.Get(hash)
	require.True(t, ok)
	require.True(t, got.IsAccepted())
}

func TestDecisionStoreRejectsInvalidResponse(t *testing.T) {
	store := NewDecisionStore("")
	err := store.Save(types.SignatureHash{1}, DecisionRecord{
		Response: &types.BlockResponse{},
	})
	require.Error(t, err)
}

func TestDecisionStorePrunesOldTenures(t *testing.T) {
	store := NewDecisionStore("")

	old := types.SignatureHash{1}
	require.NoError(t, store.Save(old, DecisionRecord{
		Response:   types.AcceptBlock(old, []byte("sig")),
		BurnHeight: 10,
	}))

	recent := types.SignatureHash{2}
	require.NoError(t, store.Save(recent, DecisionRecord{
		Response:   types.AcceptBlock(recent, []byte("sig")),
		BurnHeight: 20,
	}))

	_, ok := store.Get(old)
	require.False(t, ok)
	_, ok = store.Get(recent)
	require.True(t, ok)
}

func TestDecisionStorePersistence(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "decisions.json")

	store, err := LoadOrCreateDecisionStore(filePath)
	require.NoError(t, err)

	hash := types.SignatureHash{7}
	require.NoError(t, store.Save(hash, DecisionRecord{
		Response:   types.RejectBlock(hash, types.RejectValidationFailed, "bad state root", []byte("sig")),
		BurnHeight: 10,
	}))
	store.WaitForPendingWrites()

	reloaded, err := LoadOrCreateDecisionStore(filePath)
	require.NoError(t, err)

	got, ok := reloaded.Get(hash)
	require.True(t, ok)
	require.False(t, got.IsAccepted())
	require.Equal(t, types.RejectValidationFailed, got.Rejected.ReasonCode)
}
