package node

import (
	"context"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/onenameio/blockstore/aggregator"
	"github.com/onenameio/blockstore/channel"
	"github.com/onenameio/blockstore/types"
)

// Miner is the leader-side consumer of the committee channel: it publishes
// block proposals on the leader slot and folds member responses into the
// aggregator until the weight threshold settles. It shares no state with the
// member loops beyond the channel itself.
type Miner struct {
	logger       log.Logger
	ch           *channel.Channel
	session      *channel.Session
	agg          *aggregator.BlockAggregator
	key          *FileKey
	leader       Leader
	pollInterval time.Duration
}

func NewMiner(
	logger log.Logger,
	ch *channel.Channel,
	agg *aggregator.BlockAggregator,
	key *FileKey,
	leader Leader,
	pollInterval time.Duration,
) *Miner {
	ch.RegisterSlot(LeaderSlot, key.PubKey)
	return &Miner{
		logger:       logger,
		ch:           ch,
		session:      ch.NewSession(),
		agg:          agg,
		key:          key,
		leader:       leader,
		pollInterval: pollInterval,
	}
}

// Propose signs and publishes a block proposal on the leader slot. Each
// resubmission of the same tenure must carry an incremented version; the
// channel refuses replays.
func (m *Miner) Propose(proposal *types.BlockProposal) error {
	if !m.leader.IsLeader() && !proposal.Block.Header.TenureExtend {
		return fmt.Errorf("not the current sortition winner")
	}

	payload, err := types.EncodeMessage(&types.SignerMessage{BlockProposal: proposal})
	if err != nil {
		return err
	}
	sig, err := m.key.PrivKey.Sign(payload)
	if err != nil {
		return err
	}

	version := m.ch.LastVersion(LeaderSlot) + 1
	if err := m.ch.Publish(LeaderSlot, version, payload, sig); err != nil {
		return err
	}

	m.logger.Info("block proposal published",
		"signature_hash", proposal.Block.SignatureHash().String(),
		"burn_height", proposal.BurnHeight,
		"version", version,
	)
	return nil
}

// GatherResponses polls member slots and feeds responses for the given
// signature hash into the aggregator until the outcome settles or ctx
// expires. Expiry returns OutcomePending: the leader treats unresponsive
// members as implicit rejection and may resubmit with a new version.
func (m *Miner) GatherResponses(
	ctx context.Context,
	committee *types.Committee,
	hash types.SignatureHash,
) (aggregator.Outcome, error) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		for _, msg := range m.session.Poll(committee.SlotIDs()) {
			decoded, err := types.DecodeMessage(msg.Payload)
			if err != nil {
				m.logger.Error("dropping malformed response",
					"slot", msg.SlotID, "err", err)
				continue
			}
			if decoded.BlockResponse == nil {
				continue
			}
			if decoded.BlockResponse.SignatureHash() != hash {
				continue
			}

			outcome, err := m.agg.AddResponse(committee.Cycle, msg.SlotID, decoded.BlockResponse)
			if err != nil {
				m.logger.Error("discarding invalid response",
					"slot", msg.SlotID, "err", err)
				continue
			}
			if outcome != aggregator.OutcomePending {
				return outcome, nil
			}
		}

		select {
		case <-ctx.Done():
			return aggregator.OutcomePending, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProposeAndGather publishes a proposal and waits for the committee to settle
// it, bounded by timeout.
func (m *Miner) ProposeAndGather(
	ctx context.Context,
	committee *types.Committee,
	proposal *types.BlockProposal,
	timeout time.Duration,
) (aggregator.Outcome, error) {
	if err := m.Propose(proposal); err != nil {
		return aggregator.OutcomePending, err
	}

	gatherCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := m.GatherResponses(gatherCtx, committee, proposal.Block.SignatureHash())
	if err != nil && gatherCtx.Err() != nil && ctx.Err() == nil {
		// Deadline spent without a settled outcome: a timeout is a
		// resubmission opportunity for the leader, not a failure.
		m.logger.Info("response gathering timed out",
			"signature_hash", proposal.Block.SignatureHash().String(),
			"reason_code", types.RejectTimeout.String(),
		)
		return aggregator.OutcomePending, nil
	}
	return outcome, err
}
