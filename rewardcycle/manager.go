package rewardcycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/onenameio/blockstore/metrics"
	"github.com/onenameio/blockstore/types"
)

// Phase is the lifecycle of one reward cycle's committee.
type Phase int8

const (
	PhaseFuture Phase = iota
	PhaseComputing
	PhaseActive
	PhaseRetired
)

func (p Phase) String() string {
	switch p {
	case PhaseFuture:
		return "future"
	case PhaseComputing:
		return "computing"
	case PhaseActive:
		return "active"
	case PhaseRetired:
		return "retired"
	default:
		return fmt.Sprintf("unknown(%d)", int8(p))
	}
}

// RewardSetSource supplies the stake-weighted registrations committees are
// derived from.
type RewardSetSource interface {
	GetRewardSetSigners(ctx context.Context, cycle types.RewardCycle) ([]types.Registration, error)
}

// CycleInfo is a snapshot of one cycle's state, served through the status
// protocol.
type CycleInfo struct {
	Cycle           types.RewardCycle `json:"cycle"`
	Phase           Phase             `json:"phase"`
	FirstBurnHeight uint64            `json:"first_burn_height"`
}

type cycleState struct {
	info      CycleInfo
	committee *types.Committee
}

// Manager drives reward-cycle rollover from observed burn heights. Membership
// and slot assignment for a cycle are computed once, at the prepare-phase
// offset before the cycle's first burn height, and are immutable once Active.
// Rollover is not negotiated: every member derives the same committee from
// the same anchor-chain state.
type Manager struct {
	logger   log.Logger
	source   RewardSetSource
	observer metrics.Observer

	// cycleLength and prepareOffset are in burn blocks.
	cycleLength   uint64
	prepareOffset uint64

	mu      sync.RWMutex
	active  *cycleState
	next    *cycleState
	retired map[types.RewardCycle]struct{}
}

func NewManager(
	logger log.Logger,
	source RewardSetSource,
	observer metrics.Observer,
	cycleLength uint64,
	prepareOffset uint64,
) (*Manager, error) {
	if cycleLength == 0 {
		return nil, fmt.Errorf("reward cycle length must be positive")
	}
	if prepareOffset == 0 || prepareOffset >= cycleLength {
		return nil, fmt.Errorf("prepare offset %d must be within (0, %d)", prepareOffset, cycleLength)
	}
	if observer == nil {
		observer = metrics.NopObserver{}
	}
	return &Manager{
		logger:        logger,
		source:        source,
		observer:      observer,
		cycleLength:   cycleLength,
		prepareOffset: prepareOffset,
		retired:       make(map[types.RewardCycle]struct{}),
	}, nil
}

// CycleForHeight maps a burn height to its reward cycle.
func (m *Manager) CycleForHeight(height uint64) types.RewardCycle {
	return types.RewardCycle(height / m.cycleLength)
}

// FirstBurnHeight returns the first burn height of a cycle.
func (m *Manager) FirstBurnHeight(cycle types.RewardCycle) uint64 {
	return uint64(cycle) * m.cycleLength
}

// ObserveBurnHeight advances the manager to a burn height. It bootstraps the
// first observed cycle, computes the next cycle's committee once the prepare
// boundary is crossed, and at a cycle's first burn height atomically retires
// the old committee and activates the new one. Anchor-source failures are
// returned for the caller to retry; the manager's state is unchanged by them.
func (m *Manager) ObserveBurnHeight(ctx context.Context, height uint64) error {
	cycle := m.CycleForHeight(height)

	m.mu.RLock()
	bootstrap := m.active == nil
	m.mu.RUnlock()

	if bootstrap {
		committee, err := m.computeCommittee(ctx, cycle)
		if err != nil {
			return err
		}
		m.mu.Lock()
		if m.active == nil {
			m.active = &cycleState{
				info: CycleInfo{
					Cycle:           cycle,
					Phase:           PhaseActive,
					FirstBurnHeight: m.FirstBurnHeight(cycle),
				},
				committee: committee,
			}
			m.observer.RewardCycleTransition(cycle, PhaseActive.String())
			m.logger.Info("reward cycle active",
				"cycle", cycle, "members", len(committee.Members))
		}
		m.mu.Unlock()
		return nil
	}

	if err := m.maybeCompute(ctx, height); err != nil {
		return err
	}
	m.maybeActivate(cycle)
	return nil
}

// maybeCompute fetches and derives the next cycle's committee once the
// prepare boundary is reached. The derivation runs exactly once per cycle.
func (m *Manager) maybeCompute(ctx context.Context, height uint64) error {
	m.mu.RLock()
	activeCycle := m.active.info.Cycle
	alreadyComputed := m.next != nil
	m.mu.RUnlock()

	nextCycle := activeCycle + 1
	prepareHeight := m.FirstBurnHeight(nextCycle) - m.prepareOffset
	if alreadyComputed || height < prepareHeight {
		return nil
	}

	m.observer.RewardCycleTransition(nextCycle, PhaseComputing.String())
	committee, err := m.computeCommittee(ctx, nextCycle)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next != nil {
		return nil
	}
	m.next = &cycleState{
		info: CycleInfo{
			Cycle:           nextCycle,
			Phase:           PhaseComputing,
			FirstBurnHeight: m.FirstBurnHeight(nextCycle),
		},
		committee: committee,
	}
	m.logger.Info("next reward cycle committee computed",
		"cycle", nextCycle, "members", len(committee.Members))
	return nil
}

// maybeActivate retires the active cycle and promotes the next at the next
// cycle's first burn height.
func (m *Manager) maybeActivate(cycle types.RewardCycle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.next == nil || cycle < m.next.info.Cycle {
		return
	}

	old := m.active
	old.info.Phase = PhaseRetired
	m.retired[old.info.Cycle] = struct{}{}

	m.next.info.Phase = PhaseActive
	m.active = m.next
	m.next = nil

	m.observer.RewardCycleTransition(old.info.Cycle, PhaseRetired.String())
	m.observer.RewardCycleTransition(m.active.info.Cycle, PhaseActive.String())
	m.logger.Info("reward cycle rollover",
		"retired", old.info.Cycle,
		"active", m.active.info.Cycle,
		"members", len(m.active.committee.Members),
	)
}

func (m *Manager) computeCommittee(ctx context.Context, cycle types.RewardCycle) (*types.Committee, error) {
	registrations, err := m.source.GetRewardSetSigners(ctx, cycle)
	if err != nil {
		return nil, fmt.Errorf("fetching reward set for cycle %d: %w", cycle, err)
	}
	return types.DeriveCommittee(cycle, registrations)
}

// ActiveCommittee returns the active cycle's committee, or false before
// bootstrap.
func (m *Manager) ActiveCommittee() (*types.Committee, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil, false
	}
	return m.active.committee, true
}

// CommitteeFor returns the committee authorized to sign for the given cycle.
// Retired cycles return false: a member must stop signing for a retired
// cycle's slot even if it belongs to the new committee, and the aggregator
// must not count stale-cycle signatures.
func (m *Manager) CommitteeFor(cycle types.RewardCycle) (*types.Committee, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active != nil && m.active.info.Cycle == cycle {
		return m.active.committee, true
	}
	return nil, false
}

// ActiveInfo returns the active cycle snapshot for the status protocol.
func (m *Manager) ActiveInfo() (CycleInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return CycleInfo{}, false
	}
	return m.active.info, true
}

// IsRetired reports whether the cycle has been rolled past.
func (m *Manager) IsRetired(cycle types.RewardCycle) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.retired[cycle]
	return ok
}
