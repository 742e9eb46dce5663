package types

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cometbft/cometbft/crypto/ed25519"
)

// RewardCycle is a fixed-length epoch over which committee membership is held
// constant. Membership for a cycle is a pure function of the stake-weighted
// registrations observed on the anchor chain.
type RewardCycle uint64

// SlotID identifies a member's append-only channel slot within one reward
// cycle. Slot assignments may differ between cycles even for a member that is
// re-elected.
type SlotID uint32

// CommitteeMember is one weighted signer of the active committee.
type CommitteeMember struct {
	PublicKey ed25519.PubKey `json:"public_key"`
	Weight    uint64         `json:"weight"`
	SlotID    SlotID         `json:"slot_id"`
}

// Registration is a stake-weighted signer registration read off the anchor
// chain, the raw material committees are derived from.
type Registration struct {
	PublicKey ed25519.PubKey `json:"public_key"`
	Weight    uint64         `json:"weight"`
}

// Committee is the immutable signer set of one reward cycle, ordered by slot.
type Committee struct {
	Cycle   RewardCycle       `json:"cycle"`
	Members []CommitteeMember `json:"members"`
}

// DeriveCommittee computes the committee for a reward cycle from registrations.
// Derivation is deterministic: members are ordered by public key bytes and
// assigned slots by position, so every honest observer of the same anchor-chain
// state arrives at the same committee without any handshake.
func DeriveCommittee(cycle RewardCycle, registrations []Registration) (*Committee, error) {
	if len(registrations) == 0 {
		return nil, fmt.Errorf("no registrations for reward cycle %d", cycle)
	}

	regs := make([]Registration, len(registrations))
	copy(regs, registrations)
	sort.Slice(regs, func(i, j int) bool {
		return bytes.Compare(regs[i].PublicKey, regs[j].PublicKey) < 0
	})

	members := make([]CommitteeMember, len(regs))
	for i, reg := range regs {
		if reg.Weight == 0 {
			return nil, fmt.Errorf("zero-weight registration for key %x", []byte(reg.PublicKey))
		}
		members[i] = CommitteeMember{
			PublicKey: reg.PublicKey,
			Weight:    reg.Weight,
			SlotID:    SlotID(i),
		}
	}

	return &Committee{Cycle: cycle, Members: members}, nil
}

// TotalWeight is the sum of all member weights.
func (c *Committee) TotalWeight() uint64 {
	var total uint64
	for _, m := range c.Members {
		total += m.Weight
	}
	return total
}

// Size returns the number of members.
func (c *Committee) Size() uint {
	return uint(len(c.Members))
}

// MemberBySlot returns the member assigned the given slot.
func (c *Committee) MemberBySlot(slot SlotID) (CommitteeMember, bool) {
	if int(slot) >= len(c.Members) {
		return CommitteeMember{}, false
	}
	return c.Members[slot], true
}

// MemberByKey returns the member holding the given public key.
func (c *Committee) MemberByKey(key ed25519.PubKey) (CommitteeMember, bool) {
	for _, m := range c.Members {
		if bytes.Equal(m.PublicKey, key) {
			return m, true
		}
	}
	return CommitteeMember{}, false
}

// SlotIDs returns all slot ids in slot order.
func (c *Committee) SlotIDs() []SlotID {
	ids := make([]SlotID, len(c.Members))
	for i := range c.Members {
		ids[i] = SlotID(i)
	}
	return ids
}
