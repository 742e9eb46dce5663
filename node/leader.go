package node

import (
	"bytes"

	"github.com/cometbft/cometbft/crypto/ed25519"

	"github.com/onenameio/blockstore/chainview"
)

// Leader reports whether this process currently holds the proposing role.
// Leadership is a fact read off the anchor chain's sortition, not an internal
// election.
type Leader interface {
	// IsLeader returns true when this member won the current sortition.
	IsLeader() bool

	// CurrentLeader returns the winning public key of the current
	// sortition, or nil when the sortition is empty.
	CurrentLeader() ed25519.PubKey
}

// SortitionLeader derives leadership from the tracked sortition view.
type SortitionLeader struct {
	view   *chainview.SortitionsView
	pubKey ed25519.PubKey
}

var _ Leader = (*SortitionLeader)(nil)

func NewSortitionLeader(view *chainview.SortitionsView, pubKey ed25519.PubKey) *SortitionLeader {
	return &SortitionLeader{view: view, pubKey: pubKey}
}

func (l *SortitionLeader) IsLeader() bool {
	facts := l.view.CurrentFacts()
	if facts.Empty {
		return false
	}
	return bytes.Equal(facts.WinningKey, l.pubKey)
}

func (l *SortitionLeader) CurrentLeader() ed25519.PubKey {
	facts := l.view.CurrentFacts()
	if facts.Empty || len(facts.WinningKey) == 0 {
		return nil
	}
	return ed25519.PubKey(facts.WinningKey)
}
