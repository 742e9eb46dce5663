package node

import (
	"context"
	"testing"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/cometbft/cometbft/crypto/ed25519"
	cometlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/require"

	"github.com/onenameio/blockstore/aggregator"
	"github.com/onenameio/blockstore/chainview"
	"github.com/onenameio/blockstore/channel"
	"github.com/onenameio/blockstore/evaluator"
	"github.com/onenameio/blockstore/rewardcycle"
	"github.com/onenameio/blockstore/types"
)

// fakeAnchorNode serves both the sortition view and the reward-set source.
type fakeAnchorNode struct {
	current types.SortitionFacts
	prior   types.SortitionFacts
	regs    []types.Registration
}

func (f *fakeAnchorNode) CurrentTip(context.Context) (types.SortitionFacts, error) {
	return f.current, nil
}

func (f *fakeAnchorNode) PriorTip(context.Context) (types.SortitionFacts, error) {
	return f.prior, nil
}

func (f *fakeAnchorNode) BlockHeightToRewardCycle(height uint64) types.RewardCycle {
	return types.RewardCycle(height / 100)
}

func (f *fakeAnchorNode) GetRewardSetSigners(context.Context, types.RewardCycle) ([]types.Registration, error) {
	return f.regs, nil
}

type acceptAllOracle struct{}

func (acceptAllOracle) ValidateBlock(context.Context, *types.BlockCandidate) (*evaluator.Verdict, error) {
	return &evaluator.Verdict{Accepted: true}, nil
}

type staticLeader struct {
	leader bool
	key    ed25519.PubKey
}

func (l staticLeader) IsLeader() bool                { return l.leader }
func (l staticLeader) CurrentLeader() ed25519.PubKey { return l.key }

// nodeFixture wires a one-member committee, its runner, and a leader-side
// miner over a shared channel.
type nodeFixture struct {
	anchor    *fakeAnchorNode
	view      *chainview.SortitionsView
	cycles    *rewardcycle.Manager
	ch        *channel.Channel
	committee *types.Committee
	memberKey *FileKey
	leaderKey *FileKey
	runner    *Runner
	miner     *Miner
	agg       *aggregator.BlockAggregator
}

func newNodeFixture(t *testing.T) *nodeFixture {
	t.Helper()
	logger := cometlog.NewNopLogger()
	now := time.Now()

	memberPriv := ed25519.GenPrivKey()
	memberKey := &FileKey{
		PubKey:  memberPriv.PubKey().(ed25519.PubKey),
		PrivKey: memberPriv,
	}
	leaderPriv := ed25519.GenPrivKey()
	leaderKey := &FileKey{
		PubKey:  leaderPriv.PubKey().(ed25519.PubKey),
		PrivKey: leaderPriv,
	}

	anchor := &fakeAnchorNode{
		current: types.SortitionFacts{
			ConsensusHash: types.ConsensusHash{0xA},
			BurnHeight:    550,
			WinningKey:    []byte(leaderKey.PubKey),
			ObservedAt:    now,
		},
		prior: types.SortitionFacts{
			ConsensusHash: types.ConsensusHash{0xB},
			BurnHeight:    549,
			ObservedAt:    now,
		},
		regs: []types.Registration{
			{PublicKey: memberKey.PubKey, Weight: 10},
		},
	}

	evalCfg := chainview.ProposalEvalConfig{
		FirstProposalBurnBlockTiming: 30 * time.Second,
		BlockProposalTimeout:         5 * time.Second,
	}
	view, err := chainview.FetchView(logger, evalCfg, anchor)
	require.NoError(t, err)

	cycles, err := rewardcycle.NewManager(logger, anchor, nil, 100, 10)
	require.NoError(t, err)
	require.NoError(t, cycles.ObserveBurnHeight(context.Background(), 550))

	committee, ok := cycles.ActiveCommittee()
	require.True(t, ok)

	ch := channel.New(logger, committee)

	eval := evaluator.New(logger, view, acceptAllOracle{}, nil,
		evaluator.NewDecisionStore(""), memberKey.PrivKey, nil)

	runner := NewRunner(logger, RunnerConfig{
		EvalConfig:         evalCfg,
		AnchorPollInterval: 50 * time.Millisecond,
		SlotPollInterval:   10 * time.Millisecond,
	}, view, cycles, ch, eval, memberKey, nil)

	agg, err := aggregator.New(logger, cycles, nil, aggregator.DefaultThresholdPercent)
	require.NoError(t, err)

	miner := NewMiner(logger, ch, agg, leaderKey,
		staticLeader{leader: true, key: leaderKey.PubKey}, 10*time.Millisecond)

	return &nodeFixture{
		anchor:    anchor,
		view:      view,
		cycles:    cycles,
		ch:        ch,
		committee: committee,
		memberKey: memberKey,
		leaderKey: leaderKey,
		runner:    runner,
		miner:     miner,
		agg:       agg,
	}
}

func (f *nodeFixture) proposal(consensusHash types.ConsensusHash) *types.BlockProposal {
	return &types.BlockProposal{
		Block: types.BlockCandidate{
			Header: types.BlockHeader{
				ParentBlockID: types.BlockID{1},
				ConsensusHash: consensusHash,
				ChainLength:   42,
				TimestampMs:   uint64(time.Now().UnixMilli()),
				Treatment:     bitset.New(uint(f.committee.Size())),
			},
			Body: []byte("block body"),
		},
		BurnHeight:  550,
		RewardCycle: f.committee.Cycle,
	}
}

// publishResponse signs and publishes a member's response the way the runner
// would, for tests that drive the leader side alone.
func (f *nodeFixture) publishResponse(t *testing.T, response *types.BlockResponse) {
	t.Helper()
	payload, err := types.EncodeMessage(&types.SignerMessage{BlockResponse: response})
	require.NoError(t, err)
	sig, err := f.memberKey.PrivKey.Sign(payload)
	require.NoError(t, err)

	member, ok := f.committee.MemberByKey(f.memberKey.PubKey)
	require.True(t, ok)
	version := f.ch.LastVersion(member.SlotID) + 1
	require.NoError(t, f.ch.Publish(member.SlotID, version, payload, sig))
}
