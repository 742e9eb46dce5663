package aggregator

import (
	"fmt"
	"sync"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/onenameio/blockstore/metrics"
	"github.com/onenameio/blockstore/types"
)

// DefaultThresholdPercent is the super-majority weight required to authorize
// a block.
const DefaultThresholdPercent = 70

// Outcome is the aggregate standing of one signature hash.
type Outcome int8

const (
	// OutcomePending: neither threshold reached yet.
	OutcomePending Outcome = iota

	// OutcomeSigned: accepted weight reached the threshold. The block is
	// authorized regardless of remaining non-responders.
	OutcomeSigned

	// OutcomeRejected: enough weight rejected that the threshold can no
	// longer be reached.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSigned:
		return "signed"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int8(o))
	}
}

// CommitteeSource resolves the committee authorized to sign for a reward
// cycle. Retired cycles resolve to nothing, which is what makes stale-cycle
// signatures impossible to count.
type CommitteeSource interface {
	CommitteeFor(cycle types.RewardCycle) (*types.Committee, bool)
}

type tally struct {
	cycle    types.RewardCycle
	accepted map[types.SlotID]uint64
	rejected map[types.SlotID]uint64
	outcome  Outcome
}

// BlockAggregator collects committee responses per signature hash and
// declares a block signed once accumulated accepted weight reaches the
// threshold. It runs in the leader role, consuming the same channel the
// members publish on.
type BlockAggregator struct {
	logger           log.Logger
	committees       CommitteeSource
	observer         metrics.Observer
	thresholdPercent uint64

	mu      sync.Mutex
	tallies map[types.SignatureHash]*tally
}

func New(logger log.Logger, committees CommitteeSource, observer metrics.Observer, thresholdPercent uint64) (*BlockAggregator, error) {
	if thresholdPercent == 0 || thresholdPercent > 100 {
		return nil, fmt.Errorf("threshold percent %d out of range (0, 100]", thresholdPercent)
	}
	if observer == nil {
		observer = metrics.NopObserver{}
	}
	return &BlockAggregator{
		logger:           logger,
		committees:       committees,
		observer:         observer,
		thresholdPercent: thresholdPercent,
		tallies:          make(map[types.SignatureHash]*tally),
	}, nil
}

// AddResponse folds one member response into the tally for its signature
// hash. slot identifies the publishing member within the proposal's cycle.
// Responses from outside the cycle's committee are discarded, duplicate
// responses from one member are idempotent, a response contradicting the
// member's recorded vote is discarded, and every signature is verified over
// the signature hash bytes before it carries weight.
func (a *BlockAggregator) AddResponse(
	cycle types.RewardCycle,
	slot types.SlotID,
	response *types.BlockResponse,
) (Outcome, error) {
	if err := response.Validate(); err != nil {
		return OutcomePending, err
	}

	committee, ok := a.committees.CommitteeFor(cycle)
	if !ok {
		// Not the active committee: stale-cycle responses never count.
		a.observer.StaleResponseDiscarded()
		a.logger.Debug("discarding response for inactive reward cycle", "cycle", cycle)
		return OutcomePending, nil
	}
	member, ok := committee.MemberBySlot(slot)
	if !ok {
		a.observer.StaleResponseDiscarded()
		a.logger.Debug("discarding response from unknown slot", "slot", slot)
		return OutcomePending, nil
	}

	hash := response.SignatureHash()
	if !member.PublicKey.VerifySignature(hash.Bytes(), response.Signature()) {
		return OutcomePending, fmt.Errorf("invalid signature from slot %d for %s", slot, hash)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.tallies[hash]
	if !ok {
		t = &tally{
			cycle:    cycle,
			accepted: make(map[types.SlotID]uint64),
			rejected: make(map[types.SlotID]uint64),
		}
		a.tallies[hash] = t
	}
	if t.cycle != cycle {
		a.observer.StaleResponseDiscarded()
		return t.outcome, nil
	}
	if t.outcome != OutcomePending {
		return t.outcome, nil
	}

	// A member never decides one signature hash twice. A second response
	// that contradicts the first is misbehavior; it carries no weight and
	// the recorded vote stands.
	_, wasAccepted := t.accepted[slot]
	_, wasRejected := t.rejected[slot]
	if (wasAccepted && !response.IsAccepted()) || (wasRejected && response.IsAccepted()) {
		a.observer.StaleResponseDiscarded()
		a.logger.Error("discarding conflicting response",
			"slot", slot, "signature_hash", hash.String())
		return t.outcome, nil
	}

	if response.IsAccepted() {
		t.accepted[slot] = member.Weight
	} else {
		t.rejected[slot] = member.Weight
	}

	total := committee.TotalWeight()
	need := thresholdWeight(total, a.thresholdPercent)
	acceptedWeight := sumWeights(t.accepted)
	rejectedWeight := sumWeights(t.rejected)

	switch {
	case acceptedWeight >= need:
		t.outcome = OutcomeSigned
		a.observer.BlockSigned(acceptedWeight, total)
		a.logger.Info("block signed",
			"signature_hash", hash.String(),
			"weight", acceptedWeight,
			"total_weight", total,
		)
	case rejectedWeight > total-need:
		t.outcome = OutcomeRejected
		a.logger.Info("block globally rejected",
			"signature_hash", hash.String(),
			"rejected_weight", rejectedWeight,
			"total_weight", total,
		)
	}
	return t.outcome, nil
}

// OutcomeFor returns the current standing of a signature hash.
func (a *BlockAggregator) OutcomeFor(hash types.SignatureHash) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tallies[hash]; ok {
		return t.outcome
	}
	return OutcomePending
}

// AcceptedWeight returns the gathered acceptance weight for a signature hash.
func (a *BlockAggregator) AcceptedWeight(hash types.SignatureHash) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tallies[hash]; ok {
		return sumWeights(t.accepted)
	}
	return 0
}

// thresholdWeight is the minimum weight satisfying pct of total, rounded up.
// Split into quotient and remainder so total*pct cannot overflow uint64 for
// any realizable committee weight.
func thresholdWeight(total, pct uint64) uint64 {
	q, r := total/100, total%100
	return q*pct + (r*pct+99)/100
}

func sumWeights(weights map[types.SlotID]uint64) uint64 {
	var sum uint64
	for _, w := range weights {
		sum += w
	}
	return sum
}
