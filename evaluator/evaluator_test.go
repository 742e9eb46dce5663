package evaluator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/cometbft/cometbft/crypto/ed25519"
	cometlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/require"

	"github.com/onenameio/blockstore/chainview"
	"github.com/onenameio/blockstore/types"
)

type fakeAnchor struct {
	current types.SortitionFacts
	prior   types.SortitionFacts
}

func (f *fakeAnchor) CurrentTip(context.Context) (types.SortitionFacts, error) {
	return f.current, nil
}

func (f *fakeAnchor) PriorTip(context.Context) (types.SortitionFacts, error) {
	return f.prior, nil
}

func (f *fakeAnchor) BlockHeightToRewardCycle(height uint64) types.RewardCycle {
	return types.RewardCycle(height / 100)
}

func (f *fakeAnchor) GetRewardSetSigners(context.Context, types.RewardCycle) ([]types.Registration, error) {
	return nil, nil
}

type fakeValidator struct {
	calls   int
	verdict Verdict
	err     error
}

func (f *fakeValidator) ValidateBlock(context.Context, *types.BlockCandidate) (*Verdict, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v := f.verdict
	return &v, nil
}

// chanGate stays closed until its channel is closed.
type chanGate struct {
	open chan struct{}
}

func (g *chanGate) Wait(ctx context.Context) error {
	select {
	case <-g.open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type evalFixture struct {
	eval      *Evaluator
	view      *chainview.SortitionsView
	validator *fakeValidator
	committee *types.Committee
	privKey   ed25519.PrivKey
}

func newEvalFixture(t *testing.T, gate Gate) *evalFixture {
	t.Helper()
	now := time.Now()
	anchor := &fakeAnchor{
		current: types.SortitionFacts{
			ConsensusHash: types.ConsensusHash{0xA},
			BurnHeight:    10,
			ObservedAt:    now,
		},
		prior: types.SortitionFacts{
			ConsensusHash: types.ConsensusHash{0xB},
			BurnHeight:    9,
			ObservedAt:    now,
		},
	}
	view, err := chainview.FetchView(cometlog.NewNopLogger(), chainview.ProposalEvalConfig{
		FirstProposalBurnBlockTiming: 30 * time.Second,
		BlockProposalTimeout:         5 * time.Second,
	}, anchor)
	require.NoError(t, err)

	privKey := ed25519.GenPrivKey()
	committee, err := types.DeriveCommittee(1, []types.Registration{
		{PublicKey: privKey.PubKey().(ed25519.PubKey), Weight: 10},
		{PublicKey: ed25519.GenPrivKey().PubKey().(ed25519.PubKey), Weight: 10},
		{PublicKey: ed25519.GenPrivKey().PubKey().(ed25519.PubKey), Weight: 10},
	})
	require.NoError(t, err)

	validator := &fakeValidator{verdict: Verdict{Accepted: true}}
	eval := New(cometlog.NewNopLogger(), view, validator, gate, NewDecisionStore(""), privKey, nil)
	return &evalFixture{
		eval:      eval,
		view:      view,
		validator: validator,
		committee: committee,
		privKey:   privKey,
	}
}

func (f *evalFixture) proposal() *types.BlockProposal {
	return &types.BlockProposal{
		Block: types.BlockCandidate{
			Header: types.BlockHeader{
				ParentBlockID: types.BlockID{1},
				ConsensusHash: types.ConsensusHash{0xA},
				ChainLength:   42,
				TimestampMs:   1700000000000,
				Treatment:     bitset.New(3),
			},
			Body: []byte("body"),
		},
		BurnHeight:  10,
		RewardCycle: 1,
	}
}

func TestEvaluateAccepts(t *testing.T) {
	f := newEvalFixture(t, nil)
	proposal := f.proposal()

	response, err := f.eval.Evaluate(context.Background(), f.committee, proposal)
	require.NoError(t, err)
	require.True(t, response.IsAccepted())

	hash := proposal.Block.SignatureHash()
	require.Equal(t, hash, response.SignatureHash())

	pubKey := f.privKey.PubKey().(ed25519.PubKey)
	require.True(t, pubKey.VerifySignature(hash.Bytes(), response.Signature()))

	// accepting the tenure's proposal clears the leader timeout
	require.False(t, f.view.IsTimedOut(time.Now().Add(time.Hour)))
}

func TestEvaluateIdempotent(t *testing.T) {
	f := newEvalFixture(t, nil)
	proposal := f.proposal()

	first, err := f.eval.Evaluate(context.Background(), f.committee, proposal)
	require.NoError(t, err)

	second, err := f.eval.Evaluate(context.Background(), f.committee, proposal)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, f.validator.calls)
}

func TestEvaluateSortitionMismatchSkipsOracle(t *testing.T) {
	f := newEvalFixture(t, nil)
	proposal := f.proposal()
	proposal.Block.Header.ConsensusHash = types.ConsensusHash{0xF}

	response, err := f.eval.Evaluate(context.Background(), f.committee, proposal)
	require.NoError(t, err)
	require.False(t, response.IsAccepted())
	require.Equal(t, types.RejectSortitionViewMismatch, response.Rejected.ReasonCode)
	require.Zero(t, f.validator.calls)
}

func TestEvaluateMalformedProposal(t *testing.T) {
	f := newEvalFixture(t, nil)
	proposal := f.proposal()
	proposal.Block.Header.Treatment = bitset.New(7)

	response, err := f.eval.Evaluate(context.Background(), f.committee, proposal)
	require.NoError(t, err)
	require.False(t, response.IsAccepted())
	require.Equal(t, types.RejectMalformedProposal, response.Rejected.ReasonCode)
	require.Zero(t, f.validator.calls)
}

func TestEvaluateValidationFailed(t *testing.T) {
	f := newEvalFixture(t, nil)
	f.validator.verdict = Verdict{Accepted: false, Reason: "bad state root"}

	response, err := f.eval.Evaluate(context.Background(), f.committee, f.proposal())
	require.NoError(t, err)
	require.False(t, response.IsAccepted())
	require.Equal(t, types.RejectValidationFailed, response.Rejected.ReasonCode)
	require.Equal(t, "bad state root", response.Rejected.Reason)
}

func TestEvaluateOracleUnreachableIsRetryable(t *testing.T) {
	f := newEvalFixture(t, nil)
	f.validator.err = fmt.Errorf("connection refused")
	proposal := f.proposal()

	response, err := f.eval.Evaluate(context.Background(), f.committee, proposal)
	require.Nil(t, response)
	var retryable *RetryableError
	require.ErrorAs(t, err, &retryable)

	// the proposal stayed undecided; a later re-delivery can settle it
	f.validator.err = nil
	response, err = f.eval.Evaluate(context.Background(), f.committee, proposal)
	require.NoError(t, err)
	require.True(t, response.IsAccepted())
}

func TestEvaluateGateHoldsValidation(t *testing.T) {
	gate := &chanGate{open: make(chan struct{})}
	f := newEvalFixture(t, gate)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	response, err := f.eval.Evaluate(ctx, f.committee, f.proposal())
	require.Nil(t, response)
	var retryable *RetryableError
	require.ErrorAs(t, err, &retryable)
	require.Zero(t, f.validator.calls)

	// once the gate opens the same proposal settles normally
	close(gate.open)
	response, err = f.eval.Evaluate(context.Background(), f.committee, f.proposal())
	require.NoError(t, err)
	require.True(t, response.IsAccepted())
}
