package chainview

import (
	"context"
	"errors"
	"fmt"

	"github.com/onenameio/blockstore/types"
)

// AnchorClient is the narrow view of the anchor chain this subsystem consumes:
// election outcomes and reward-cycle arithmetic. Implementations talk to a
// real anchor-chain node; tests inject fakes.
type AnchorClient interface {
	// CurrentTip returns the most recent sortition outcome.
	CurrentTip(ctx context.Context) (types.SortitionFacts, error)

	// PriorTip returns the sortition outcome immediately before the current
	// tip on the same fork.
	PriorTip(ctx context.Context) (types.SortitionFacts, error)

	// BlockHeightToRewardCycle maps a burn height to its reward cycle.
	BlockHeightToRewardCycle(height uint64) types.RewardCycle

	// GetRewardSetSigners returns the stake-weighted registrations that
	// determine committee membership for a reward cycle.
	GetRewardSetSigners(ctx context.Context, cycle types.RewardCycle) ([]types.Registration, error)
}

// ChainQueryError wraps an anchor-client failure. It is always retryable:
// callers retry it within their timeout budget and never publish it on the
// committee channel.
type ChainQueryError struct {
	Op  string
	Err error
}

func (e *ChainQueryError) Error() string {
	return fmt.Sprintf("anchor chain query %s failed: %v", e.Op, e.Err)
}

func (e *ChainQueryError) Unwrap() error {
	return e.Err
}

// IsChainQueryError reports whether err is (or wraps) a ChainQueryError.
func IsChainQueryError(err error) bool {
	var cqe *ChainQueryError
	return errors.As(err, &cqe)
}
