package node

import (
	"context"
	"errors"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/cometbft/cometbft/libs/log"

	"github.com/onenameio/blockstore/chainview"
	"github.com/onenameio/blockstore/channel"
	"github.com/onenameio/blockstore/evaluator"
	"github.com/onenameio/blockstore/metrics"
	"github.com/onenameio/blockstore/rewardcycle"
	"github.com/onenameio/blockstore/types"
)

// LeaderSlot is the reserved channel slot leaders publish block proposals on.
// It exists in every reward cycle alongside the member slots.
const LeaderSlot types.SlotID = 0xFFFF

const anchorRetryAttempts = 5

// RunnerConfig collects the run loop's tuning knobs.
type RunnerConfig struct {
	EvalConfig         chainview.ProposalEvalConfig
	AnchorPollInterval time.Duration
	SlotPollInterval   time.Duration
}

type evalResult struct {
	response *types.BlockResponse
}

// Runner is one committee member's event loop. It is single-threaded and
// cooperative: anchor tip changes, channel messages, and status requests are
// all handled on the loop goroutine, while validation oracle calls run
// asynchronously so a stalled oracle never blocks status requests or the
// queueing of new proposals.
type Runner struct {
	logger   log.Logger
	cfg      RunnerConfig
	view     *chainview.SortitionsView
	cycles   *rewardcycle.Manager
	ch       *channel.Channel
	session  *channel.Session
	eval     *evaluator.Evaluator
	key      *FileKey
	observer metrics.Observer

	results chan evalResult

	mu      sync.Mutex
	state   types.RunLoopState
	pending map[types.SignatureHash]struct{}
}

func NewRunner(
	logger log.Logger,
	cfg RunnerConfig,
	view *chainview.SortitionsView,
	cycles *rewardcycle.Manager,
	ch *channel.Channel,
	eval *evaluator.Evaluator,
	key *FileKey,
	observer metrics.Observer,
) *Runner {
	if observer == nil {
		observer = metrics.NopObserver{}
	}
	return &Runner{
		logger:   logger,
		cfg:      cfg,
		view:     view,
		cycles:   cycles,
		ch:       ch,
		session:  ch.NewSession(),
		eval:     eval,
		key:      key,
		observer: observer,
		results:  make(chan evalResult, 16),
		state:    types.StateUninitialized,
		pending:  make(map[types.SignatureHash]struct{}),
	}
}

// Status returns the loop's lifecycle state.
func (r *Runner) Status() types.RunLoopState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(state types.RunLoopState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// Run drives the event loop until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.setState(types.StateRunning)
	r.logger.Info("signer run loop started",
		"member_key", r.key.PubKey.String(),
	)

	if err := r.observeAnchor(ctx); err != nil {
		r.logger.Error("initial anchor observation failed", "err", err)
	}

	anchorTicker := time.NewTicker(r.cfg.AnchorPollInterval)
	defer anchorTicker.Stop()
	slotTicker := time.NewTicker(r.cfg.SlotPollInterval)
	defer slotTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.setState(types.StateStopping)
			r.logger.Info("signer run loop stopping")
			return nil

		case <-anchorTicker.C:
			if err := r.observeAnchor(ctx); err != nil {
				r.logger.Error("anchor observation failed", "err", err)
			}

		case <-slotTicker.C:
			r.pollChannel(ctx)

		case res := <-r.results:
			r.publishMessage(&types.SignerMessage{BlockResponse: res.response})
		}
	}
}

// observeAnchor refreshes the sortition view and feeds the burn height to the
// reward-cycle manager. Transient anchor faults are retried with backoff and
// surface here only after the retry budget is spent.
func (r *Runner) observeAnchor(ctx context.Context) error {
	err := retry.Do(
		func() error { return r.view.Refresh(ctx) },
		retry.Context(ctx),
		retry.Attempts(anchorRetryAttempts),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return err
	}

	facts := r.view.CurrentFacts()
	r.observer.SortitionRefreshed(facts.BurnHeight)

	if err := r.cycles.ObserveBurnHeight(ctx, facts.BurnHeight); err != nil {
		return err
	}

	if committee, ok := r.cycles.ActiveCommittee(); ok {
		// No-op unless the committee belongs to a newer cycle.
		r.ch.Reassign(committee)
	}
	return nil
}

// pollChannel drains newly observed slot messages and dispatches them.
func (r *Runner) pollChannel(ctx context.Context) {
	committee, ok := r.cycles.ActiveCommittee()
	if !ok {
		return
	}

	slots := append(committee.SlotIDs(), LeaderSlot)
	for _, msg := range r.session.Poll(slots) {
		decoded, err := types.DecodeMessage(msg.Payload)
		if err != nil {
			// Malformed remote input is dropped, never fatal.
			r.logger.Error("dropping malformed channel message",
				"slot", msg.SlotID, "version", msg.Version, "err", err)
			continue
		}

		switch {
		case decoded.BlockProposal != nil:
			if msg.SlotID != LeaderSlot {
				r.logger.Error("dropping block proposal from non-leader slot", "slot", msg.SlotID)
				continue
			}
			r.dispatchEvaluation(ctx, committee, decoded.BlockProposal)

		case decoded.StatusRequest != nil:
			r.publishStatus()

		default:
			// Responses and status responses are consumed by the leader
			// and operators, not by the member loop.
		}
	}
}

// dispatchEvaluation runs the evaluator off the loop goroutine. Re-delivery
// of an in-flight signature hash is ignored; the decision store already makes
// settled hashes idempotent. Transient oracle faults are retried with backoff
// inside the proposal timeout budget; spending the budget abandons the
// proposal, which the leader observes as a timeout and may resubmit.
func (r *Runner) dispatchEvaluation(ctx context.Context, committee *types.Committee, proposal *types.BlockProposal) {
	hash := proposal.Block.SignatureHash()

	r.mu.Lock()
	if _, inFlight := r.pending[hash]; inFlight {
		r.mu.Unlock()
		return
	}
	r.pending[hash] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.pending, hash)
			r.mu.Unlock()
		}()

		evalCtx, cancel := context.WithTimeout(ctx, r.cfg.EvalConfig.BlockProposalTimeout)
		defer cancel()

		var response *types.BlockResponse
		err := retry.Do(
			func() error {
				var evalErr error
				response, evalErr = r.eval.Evaluate(evalCtx, committee, proposal)
				return evalErr
			},
			retry.Context(evalCtx),
			retry.DelayType(retry.BackOffDelay),
			retry.RetryIf(func(err error) bool {
				var retryable *evaluator.RetryableError
				return errors.As(err, &retryable)
			}),
		)
		if err != nil {
			r.logger.Error("abandoning proposal evaluation",
				"signature_hash", hash.String(), "err", err)
			return
		}

		select {
		case r.results <- evalResult{response: response}:
		case <-ctx.Done():
		}
	}()
}

// publishMessage signs and publishes a message on this member's own slot.
func (r *Runner) publishMessage(msg *types.SignerMessage) {
	committee, ok := r.cycles.ActiveCommittee()
	if !ok {
		return
	}
	member, ok := committee.MemberByKey(r.key.PubKey)
	if !ok {
		// Not part of the active committee: signing for a retired cycle's
		// slot is forbidden, so there is nothing to publish.
		r.logger.Debug("not in active committee, suppressing publish",
			"reward_cycle", committee.Cycle)
		return
	}

	payload, err := types.EncodeMessage(msg)
	if err != nil {
		r.logger.Error("failed to encode message", "err", err)
		return
	}
	sig, err := r.key.PrivKey.Sign(payload)
	if err != nil {
		r.logger.Error("failed to sign message", "err", err)
		return
	}

	version := r.ch.LastVersion(member.SlotID) + 1
	if err := r.ch.Publish(member.SlotID, version, payload, sig); err != nil {
		r.logger.Error("failed to publish message",
			"slot", member.SlotID, "version", version, "err", err)
	}
}

// publishStatus answers a status request on this member's own slot.
func (r *Runner) publishStatus() {
	status := &types.StatusResponse{
		State:      r.Status(),
		BurnHeight: r.view.CurrentFacts().BurnHeight,
	}
	if info, ok := r.cycles.ActiveInfo(); ok {
		status.RewardCycle = info.Cycle
	}
	r.publishMessage(&types.SignerMessage{StatusResponse: status})
}
