package channel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cometbft/cometbft/crypto/ed25519"
	cometbytes "github.com/cometbft/cometbft/libs/bytes"
	"github.com/cometbft/cometbft/libs/log"

	"github.com/onenameio/blockstore/types"
)

// Message is one signed chunk on a member's slot. The signature covers the
// payload bytes exactly.
type Message struct {
	SlotID    types.SlotID        `json:"slot_id"`
	Version   uint32              `json:"version"`
	Signature cometbytes.HexBytes `json:"signature"`
	Payload   cometbytes.HexBytes `json:"payload"`
}

// StaleVersionError reports a publish with a version at or below the slot's
// last accepted version. The publish is refused and the channel state is
// unchanged; replays are an error, never a silent drop.
type StaleVersionError struct {
	Slot     types.SlotID
	Version  uint32
	LastSeen uint32
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("stale version %d for slot %d: last seen %d", e.Version, e.Slot, e.LastSeen)
}

type slotState struct {
	key         ed25519.PubKey
	lastVersion uint32
	entries     []Message
}

// Channel is the committee's only transport: one append-only, version-numbered
// slot per member. It is a single serializing component; the per-slot
// monotonic version check is its only admission rule, which is what makes it
// safe for concurrent readers and writers.
type Channel struct {
	logger log.Logger

	mu    sync.Mutex
	cycle types.RewardCycle
	slots map[types.SlotID]*slotState

	// extra holds slot bindings outside committee assignment (the leader's
	// proposal slot); they are reinstalled on every reassignment.
	extra map[types.SlotID]ed25519.PubKey
}

// New creates a channel with one slot per committee member, keyed by the
// member's public key for verification on delivery.
func New(logger log.Logger, committee *types.Committee) *Channel {
	ch := &Channel{
		logger: logger,
		cycle:  committee.Cycle,
		slots:  make(map[types.SlotID]*slotState),
		extra:  make(map[types.SlotID]ed25519.PubKey),
	}
	ch.install(committee)
	return ch
}

func (ch *Channel) install(committee *types.Committee) {
	for _, m := range committee.Members {
		ch.slots[m.SlotID] = &slotState{key: m.PublicKey}
	}
	for slot, key := range ch.extra {
		ch.slots[slot] = &slotState{key: key}
	}
}

// Reassign installs a new reward cycle's slot-to-key mapping. Slots restart
// from version zero: a cycle's slots are a fresh namespace, and messages of a
// retired cycle must not satisfy the new cycle's version discipline.
// Reassigning to the already-installed cycle (or an older one) is a no-op, so
// every member observing the same rollover can call it safely.
func (ch *Channel) Reassign(committee *types.Committee) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if committee.Cycle <= ch.cycle {
		return
	}
	ch.cycle = committee.Cycle
	ch.slots = make(map[types.SlotID]*slotState)
	ch.install(committee)
	ch.logger.Info("channel slots reassigned",
		"reward_cycle", committee.Cycle,
		"slots", len(ch.slots),
	)
}

// Cycle returns the reward cycle whose slot assignment is installed.
func (ch *Channel) Cycle() types.RewardCycle {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.cycle
}

// RegisterSlot binds a single slot to a public key outside of committee
// assignment. Used for the leader's proposal slot, which exists in every
// cycle alongside the member slots.
func (ch *Channel) RegisterSlot(slot types.SlotID, key ed25519.PubKey) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.extra[slot] = key
	ch.slots[slot] = &slotState{key: key}
}

// Publish appends a signed payload to a slot. The version must strictly
// increase per slot; a duplicate or lower version is rejected without payload
// inspection.
func (ch *Channel) Publish(slot types.SlotID, version uint32, payload, signature []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	state, ok := ch.slots[slot]
	if !ok {
		return fmt.Errorf("unknown slot %d", slot)
	}
	if version <= state.lastVersion {
		return &StaleVersionError{Slot: slot, Version: version, LastSeen: state.lastVersion}
	}

	state.entries = append(state.entries, Message{
		SlotID:    slot,
		Version:   version,
		Signature: signature,
		Payload:   payload,
	})
	state.lastVersion = version
	return nil
}

// LastVersion returns the highest accepted version for a slot.
func (ch *Channel) LastVersion(slot types.SlotID) uint32 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if state, ok := ch.slots[slot]; ok {
		return state.lastVersion
	}
	return 0
}

// Session is one reader's cursor over the channel. "New since last poll" is
// per consumer, so every member and the leader hold their own session.
type Session struct {
	ch      *Channel
	cycle   types.RewardCycle
	cursors map[types.SlotID]uint32
}

// NewSession returns a session that has observed nothing yet.
func (ch *Channel) NewSession() *Session {
	return &Session{
		ch:      ch,
		cycle:   ch.Cycle(),
		cursors: make(map[types.SlotID]uint32),
	}
}

// Poll returns messages newly observed on the given slots since this
// session's previous poll, in slot order then version order. Every message is
// verified against the slot's registered public key before delivery; an
// unverifiable message is dropped and logged, never surfaced.
func (s *Session) Poll(slots []types.SlotID) []Message {
	ordered := make([]types.SlotID, len(slots))
	copy(ordered, slots)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()

	if s.cycle != s.ch.cycle {
		// The slot namespace restarted at rollover; stale cursors would
		// suppress the new cycle's messages.
		s.cursors = make(map[types.SlotID]uint32)
		s.cycle = s.ch.cycle
	}

	var out []Message
	for _, slot := range ordered {
		state, ok := s.ch.slots[slot]
		if !ok {
			continue
		}
		cursor := s.cursors[slot]
		for _, msg := range state.entries {
			if msg.Version <= cursor {
				continue
			}
			if !state.key.VerifySignature(msg.Payload, msg.Signature) {
				s.ch.logger.Error("dropping unverifiable channel message",
					"slot", slot, "version", msg.Version)
				continue
			}
			out = append(out, msg)
		}
		s.cursors[slot] = state.lastVersion
	}
	return out
}
