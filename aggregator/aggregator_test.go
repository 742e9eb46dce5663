package aggregator

import (
	"math"
	"testing"

	"github.com/cometbft/cometbft/crypto/ed25519"
	cometlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/require"

	"github.com/onenameio/blockstore/types"
)

type fakeCommittees struct {
	committee *types.Committee
}

func (f *fakeCommittees) CommitteeFor(cycle types.RewardCycle) (*types.Committee, bool) {
	if f.committee != nil && f.committee.Cycle == cycle {
		return f.committee, true
	}
	return nil, false
}

type aggFixture struct {
	agg       *BlockAggregator
	committee *types.Committee
	keys      map[types.SlotID]ed25519.PrivKey
}

func newAggFixture(t *testing.T, size int) *aggFixture {
	t.Helper()
	regs := make([]types.Registration, size)
	byPub := make(map[string]ed25519.PrivKey, size)
	for i := range regs {
		priv := ed25519.GenPrivKey()
		pub := priv.PubKey().(ed25519.PubKey)
		regs[i] = types.Registration{PublicKey: pub, Weight: 10}
		byPub[string(pub)] = priv
	}
	committee, err := types.DeriveCommittee(1, regs)
	require.NoError(t, err)

	keys := make(map[types.SlotID]ed25519.PrivKey, size)
	for _, m := range committee.Members {
		keys[m.SlotID] = byPub[string(m.PublicKey)]
	}

	agg, err := New(cometlog.NewNopLogger(), &fakeCommittees{committee: committee}, nil, DefaultThresholdPercent)
	require.NoError(t, err)
	return &aggFixture{agg: agg, committee: committee, keys: keys}
}

func (f *aggFixture) accept(t *testing.T, slot types.SlotID, hash types.SignatureHash) *types.BlockResponse {
	t.Helper()
	sig, err := f.keys[slot].Sign(hash.Bytes())
	require.NoError(t, err)
	return types.AcceptBlock(hash, sig)
}

func (f *aggFixture) reject(t *testing.T, slot types.SlotID, hash types.SignatureHash) *types.BlockResponse {
	t.Helper()
	sig, err := f.keys[slot].Sign(hash.Bytes())
	require.NoError(t, err)
	return types.RejectBlock(hash, types.RejectValidationFailed, "bad", sig)
}

func TestThresholdWeight(t *testing.T) {
	require.EqualValues(t, 35, thresholdWeight(50, 70))
	require.EqualValues(t, 4, thresholdWeight(5, 70))
	require.EqualValues(t, 1, thresholdWeight(1, 70))
	require.EqualValues(t, 100, thresholdWeight(100, 100))
	require.EqualValues(t, 71, thresholdWeight(101, 70))

	// totals near the uint64 ceiling must not wrap and lower the threshold
	require.EqualValues(t, uint64(math.MaxUint64), thresholdWeight(math.MaxUint64, 100))
	big := uint64(200_000_000_000_000_000)
	require.EqualValues(t, big/100*70, thresholdWeight(big, 70))
	require.Greater(t, thresholdWeight(math.MaxUint64, 70), uint64(math.MaxUint64)/2)
}

func TestNewRejectsBadThreshold(t *testing.T) {
	logger := cometlog.NewNopLogger()
	_, err := New(logger, &fakeCommittees{}, nil, 0)
	require.Error(t, err)
	_, err = New(logger, &fakeCommittees{}, nil, 101)
	require.Error(t, err)
}

func TestAggregatorReachesThreshold(t *testing.T) {
	f := newAggFixture(t, 5)
	hash := types.SignatureHash{1}

	// 70% of total weight 50 requires 35; three acceptances are not enough
	for slot := types.SlotID(0); slot < 3; slot++ {
		outcome, err := f.agg.AddResponse(1, slot, f.accept(t, slot, hash))
		require.NoError(t, err)
		require.Equal(t, OutcomePending, outcome)
	}
	require.EqualValues(t, 30, f.agg.AcceptedWeight(hash))

	outcome, err := f.agg.AddResponse(1, 3, f.accept(t, 3, hash))
	require.NoError(t, err)
	require.Equal(t, OutcomeSigned, outcome)
	require.Equal(t, OutcomeSigned, f.agg.OutcomeFor(hash))
}

func TestAggregatorDuplicateResponsesIdempotent(t *testing.T) {
	f := newAggFixture(t, 5)
	hash := types.SignatureHash{1}

	for i := 0; i < 3; i++ {
		outcome, err := f.agg.AddResponse(1, 0, f.accept(t, 0, hash))
		require.NoError(t, err)
		require.Equal(t, OutcomePending, outcome)
	}
	require.EqualValues(t, 10, f.agg.AcceptedWeight(hash))
}

func TestAggregatorDiscardsConflictingResponse(t *testing.T) {
	f := newAggFixture(t, 5)
	hash := types.SignatureHash{1}

	_, err := f.agg.AddResponse(1, 0, f.accept(t, 0, hash))
	require.NoError(t, err)
	require.EqualValues(t, 10, f.agg.AcceptedWeight(hash))

	// a member never decides one hash twice: the contradicting second
	// response carries no weight and the recorded vote stands
	outcome, err := f.agg.AddResponse(1, 0, f.reject(t, 0, hash))
	require.NoError(t, err)
	require.Equal(t, OutcomePending, outcome)
	require.EqualValues(t, 10, f.agg.AcceptedWeight(hash))

	// the reverse direction is discarded the same way
	_, err = f.agg.AddResponse(1, 1, f.reject(t, 1, hash))
	require.NoError(t, err)
	outcome, err = f.agg.AddResponse(1, 1, f.accept(t, 1, hash))
	require.NoError(t, err)
	require.Equal(t, OutcomePending, outcome)
	require.EqualValues(t, 10, f.agg.AcceptedWeight(hash))
}

func TestAggregatorGlobalRejection(t *testing.T) {
	f := newAggFixture(t, 5)
	hash := types.SignatureHash{1}

	// 20 rejected of 50 leaves at most 30 acceptable, below the 35 needed
	outcome, err := f.agg.AddResponse(1, 0, f.reject(t, 0, hash))
	require.NoError(t, err)
	require.Equal(t, OutcomePending, outcome)

	outcome, err = f.agg.AddResponse(1, 1, f.reject(t, 1, hash))
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, outcome)
}

func TestAggregatorDiscardsStaleCycle(t *testing.T) {
	f := newAggFixture(t, 5)
	hash := types.SignatureHash{1}

	outcome, err := f.agg.AddResponse(2, 0, f.accept(t, 0, hash))
	require.NoError(t, err)
	require.Equal(t, OutcomePending, outcome)
	require.EqualValues(t, 0, f.agg.AcceptedWeight(hash))
}

func TestAggregatorRejectsInvalidSignature(t *testing.T) {
	f := newAggFixture(t, 5)
	hash := types.SignatureHash{1}

	// signed by slot 1's key but attributed to slot 0
	_, err := f.agg.AddResponse(1, 0, f.accept(t, 1, hash))
	require.Error(t, err)
	require.EqualValues(t, 0, f.agg.AcceptedWeight(hash))
}

func TestAggregatorRejectsMalformedResponse(t *testing.T) {
	f := newAggFixture(t, 5)
	_, err := f.agg.AddResponse(1, 0, &types.BlockResponse{})
	require.Error(t, err)
}
