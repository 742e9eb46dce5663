package metrics

import (
	"github.com/onenameio/blockstore/types"
)

// Observer is notified synchronously at well-defined state transitions of the
// signer subsystem. Components are handed an Observer at construction; there
// are no process-wide counters.
type Observer interface {
	// ProposalReceived fires when a block proposal enters evaluation.
	ProposalReceived()

	// ProposalDecided fires when an evaluation reaches Decided. code is
	// meaningful only when accepted is false.
	ProposalDecided(accepted bool, code types.RejectCode)

	// SortitionRefreshed fires when the sortition view advances to a new
	// burn height.
	SortitionRefreshed(burnHeight uint64)

	// RewardCycleTransition fires when a reward cycle changes phase.
	RewardCycleTransition(cycle types.RewardCycle, phase string)

	// StaleResponseDiscarded fires when the aggregator drops a response
	// that cannot carry weight: from outside the proposal's committee, or
	// contradicting the member's recorded vote.
	StaleResponseDiscarded()

	// BlockSigned fires when accumulated acceptance weight reaches the
	// threshold for a signature hash.
	BlockSigned(gatheredWeight, totalWeight uint64)
}

// NopObserver ignores all transitions.
type NopObserver struct{}

func (NopObserver) ProposalReceived()                               {}
func (NopObserver) ProposalDecided(bool, types.RejectCode)          {}
func (NopObserver) SortitionRefreshed(uint64)                       {}
func (NopObserver) RewardCycleTransition(types.RewardCycle, string) {}
func (NopObserver) StaleResponseDiscarded()                         {}
func (NopObserver) BlockSigned(uint64, uint64)                      {}
