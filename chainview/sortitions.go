package chainview

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/onenameio/blockstore/types"
)

// ProposalEvalConfig tunes proposal admission against the sortition view.
type ProposalEvalConfig struct {
	// FirstProposalBurnBlockTiming is the grace period after a new sortition
	// during which the first proposal of a tenure is tolerated even if it
	// references the previous sortition. The boundary is inclusive.
	FirstProposalBurnBlockTiming time.Duration

	// BlockProposalTimeout is the deadline after which a leader that has not
	// produced an accepted proposal is considered non-responsive for the
	// tenure.
	BlockProposalTimeout time.Duration
}

// SortitionsView tracks the two election outcomes a proposal may legitimately
// reference: the current sortition and the one before it. A proposal against
// the previous sortition can race the leader-key update, so both snapshots are
// held at all times.
type SortitionsView struct {
	logger log.Logger
	client AnchorClient
	config ProposalEvalConfig

	mu      sync.RWMutex
	current types.SortitionFacts
	last    types.SortitionFacts

	// acceptedCurrent records that at least one proposal has been accepted
	// for the current tenure. It gates both the leader timeout and the
	// first-proposal grace window.
	acceptedCurrent bool
}

// FetchView queries the anchor client for the latest and prior election
// outcomes and returns a tracker over them. Anchor unreachability surfaces as
// a ChainQueryError for the caller to retry; it is never swallowed.
func FetchView(logger log.Logger, config ProposalEvalConfig, client AnchorClient) (*SortitionsView, error) {
	v := &SortitionsView{
		logger: logger,
		client: client,
		config: config,
	}
	if err := v.fetchBoth(context.Background()); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *SortitionsView) fetchBoth(ctx context.Context) error {
	current, err := v.client.CurrentTip(ctx)
	if err != nil {
		return &ChainQueryError{Op: "current_tip", Err: err}
	}
	last, err := v.client.PriorTip(ctx)
	if err != nil {
		return &ChainQueryError{Op: "prior_tip", Err: err}
	}
	if current.BurnHeight <= last.BurnHeight {
		return &ChainQueryError{
			Op:  "fetch_view",
			Err: fmt.Errorf("anchor client returned non-advancing tips: current %d, prior %d", current.BurnHeight, last.BurnHeight),
		}
	}
	if current.ObservedAt.IsZero() {
		current.ObservedAt = time.Now()
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = current
	v.last = last
	v.acceptedCurrent = false
	return nil
}

// Refresh advances the view to a new anchor-chain tip. The normal path shifts
// current into last. A tip that does not extend the tracked current snapshot
// means the anchor chain reorganized; incremental state is invalid then, so
// both snapshots are re-derived from scratch.
func (v *SortitionsView) Refresh(ctx context.Context) error {
	tip, err := v.client.CurrentTip(ctx)
	if err != nil {
		return &ChainQueryError{Op: "current_tip", Err: err}
	}

	v.mu.Lock()
	if tip.ConsensusHash == v.current.ConsensusHash {
		// no new sortition
		v.mu.Unlock()
		return nil
	}

	if tip.BurnHeight > v.current.BurnHeight {
		if tip.ObservedAt.IsZero() {
			tip.ObservedAt = time.Now()
		}
		v.last = v.current
		v.current = tip
		v.acceptedCurrent = false
		v.mu.Unlock()
		v.logger.Info("sortition view advanced",
			"burn_height", tip.BurnHeight,
			"consensus_hash", tip.ConsensusHash.String(),
			"empty", tip.Empty,
		)
		return nil
	}
	v.mu.Unlock()

	v.logger.Info("anchor chain reorg detected, rebuilding sortition view",
		"tracked_burn_height", v.CurrentFacts().BurnHeight,
		"tip_burn_height", tip.BurnHeight,
	)
	return v.fetchBoth(ctx)
}

// CurrentFacts returns the current sortition snapshot.
func (v *SortitionsView) CurrentFacts() types.SortitionFacts {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// LastFacts returns the prior sortition snapshot.
func (v *SortitionsView) LastFacts() types.SortitionFacts {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.last
}

// MarkAccepted records that a proposal was accepted for the current tenure,
// clearing the leader-timeout trigger and closing the first-proposal grace
// window.
func (v *SortitionsView) MarkAccepted() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.acceptedCurrent = true
}

// IsTimedOut reports whether the current tenure's leader is considered
// non-responsive: the proposal timeout has elapsed since the sortition was
// observed without any accepted proposal. This is the trigger for
// tenure-extension eligibility.
func (v *SortitionsView) IsTimedOut(now time.Time) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.acceptedCurrent {
		return false
	}
	return now.Sub(v.current.ObservedAt) > v.config.BlockProposalTimeout
}

// CheckProposal applies the consensus-hash admission rule to a candidate
// header. It returns (0, true) for an admitted proposal or a reject code and
// false otherwise. No remote calls are made: a mismatched consensus hash can
// never validate, so it must be refused before the oracle is consulted.
//
// Admission paths:
//   - hash matches the current sortition;
//   - hash matches the previous sortition, the current sortition elected a
//     leader, the tenure's first proposal has not yet been accepted, and the
//     current sortition was observed within FirstProposalBurnBlockTiming
//     (inclusive);
//   - the candidate carries the tenure-extend flag, the current sortition is
//     empty or its leader timed out, and the hash matches the previous
//     sortition.
func (v *SortitionsView) CheckProposal(header *types.BlockHeader, now time.Time) (types.RejectCode, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if header.ConsensusHash == v.current.ConsensusHash {
		if v.current.Empty {
			// An empty sortition elected nobody; only extension proposals
			// against the prior tenure are acceptable.
			return types.RejectSortitionViewMismatch, false
		}
		return 0, true
	}

	if header.ConsensusHash != v.last.ConsensusHash {
		return types.RejectSortitionViewMismatch, false
	}

	// Candidate references the previous sortition.
	if header.TenureExtend {
		timedOut := !v.acceptedCurrent && now.Sub(v.current.ObservedAt) > v.config.BlockProposalTimeout
		if v.current.Empty || timedOut {
			return 0, true
		}
		return types.RejectSortitionViewMismatch, false
	}

	// The grace window tolerates a new leader broadcasting before it observed
	// its own sortition. An empty sortition elected nobody, so only the
	// extend-flagged path above may build on the previous tenure then.
	if !v.current.Empty && !v.acceptedCurrent && now.Sub(v.current.ObservedAt) <= v.config.FirstProposalBurnBlockTiming {
		return 0, true
	}

	return types.RejectSortitionViewMismatch, false
}
