package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/cometbft/cometbft/libs/log"

	"github.com/onenameio/blockstore/chainview"
	"github.com/onenameio/blockstore/metrics"
	"github.com/onenameio/blockstore/types"
)

// State is the evaluation lifecycle of one proposal. Decided is terminal for
// a given signature hash; the decision store enforces that no transition ever
// leaves it.
type State int8

const (
	StateReceived State = iota
	StateConsensusChecked
	StateValidationPending
	StateDecided
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateConsensusChecked:
		return "consensus_checked"
	case StateValidationPending:
		return "validation_pending"
	case StateDecided:
		return "decided"
	default:
		return fmt.Sprintf("unknown(%d)", int8(s))
	}
}

// Verdict is the validation oracle's judgment of a candidate's content.
type Verdict struct {
	Accepted bool
	Reason   string
}

// BlockValidator is the validation oracle: the external ledger asked whether
// a candidate block would apply cleanly. A transport failure is returned as
// an error distinct from a rejection verdict; it is retryable and must never
// be mistaken for a protocol violation. The oracle is idempotent under retry.
type BlockValidator interface {
	ValidateBlock(ctx context.Context, candidate *types.BlockCandidate) (*Verdict, error)
}

// Gate pauses the oracle call under external control. Production wiring uses
// NopGate; tests inject a controllable gate to hold evaluations in
// ValidationPending. The evaluator itself never times out while gated: the
// run loop owns timeout policy.
type Gate interface {
	// Wait blocks until the gate is open or ctx is done.
	Wait(ctx context.Context) error
}

// NopGate is always open.
type NopGate struct{}

func (NopGate) Wait(context.Context) error { return nil }

// RetryableError wraps a transient fault encountered mid-evaluation. The
// proposal remains undecided and should be re-delivered.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("evaluation must be retried: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Evaluator decides block proposals for one committee member. It consults the
// sortition view and the validation oracle, signs the resulting response with
// the member key, and records every decision in the idempotence store.
type Evaluator struct {
	logger    log.Logger
	view      *chainview.SortitionsView
	validator BlockValidator
	gate      Gate
	decisions *DecisionStore
	privKey   ed25519.PrivKey
	observer  metrics.Observer
}

func New(
	logger log.Logger,
	view *chainview.SortitionsView,
	validator BlockValidator,
	gate Gate,
	decisions *DecisionStore,
	privKey ed25519.PrivKey,
	observer metrics.Observer,
) *Evaluator {
	if gate == nil {
		gate = NopGate{}
	}
	if observer == nil {
		observer = metrics.NopObserver{}
	}
	return &Evaluator{
		logger:    logger,
		view:      view,
		validator: validator,
		gate:      gate,
		decisions: decisions,
		privKey:   privKey,
		observer:  observer,
	}
}

// Evaluate runs one proposal through the state machine and returns the signed
// response. Re-delivery of a decided signature hash returns the stored
// response without re-running any checks. A nil response with a RetryableError
// means the proposal stayed in Received and should be re-delivered.
func (e *Evaluator) Evaluate(ctx context.Context, committee *types.Committee, proposal *types.BlockProposal) (*types.BlockResponse, error) {
	hash := proposal.Block.SignatureHash()
	e.observer.ProposalReceived()

	if cached, ok := e.decisions.Get(hash); ok {
		e.logger.Debug("proposal already decided", "signature_hash", hash.String())
		return cached, nil
	}

	// Received -> ConsensusChecked. A mismatched consensus hash can never
	// validate, so the oracle is not consulted for it.
	if code, ok := e.view.CheckProposal(&proposal.Block.Header, time.Now()); !ok {
		return e.reject(proposal, hash, code, "consensus hash does not match a tolerated sortition")
	}

	// ConsensusChecked -> ValidationPending. Structural checks are local and
	// cheap; they run before the expensive oracle call.
	if err := proposal.Block.ValidateStructure(committee.Size()); err != nil {
		return e.reject(proposal, hash, types.RejectMalformedProposal, err.Error())
	}

	// The gate may hold the evaluation in ValidationPending indefinitely.
	if err := e.gate.Wait(ctx); err != nil {
		return nil, &RetryableError{Err: err}
	}

	verdict, err := e.validator.ValidateBlock(ctx, &proposal.Block)
	if err != nil {
		// Transient infrastructure fault: remain undecided for re-delivery.
		e.logger.Error("validation oracle unreachable",
			"signature_hash", hash.String(), "err", err)
		return nil, &RetryableError{Err: err}
	}

	if !verdict.Accepted {
		return e.reject(proposal, hash, types.RejectValidationFailed, verdict.Reason)
	}

	sig, err := e.privKey.Sign(hash.Bytes())
	if err != nil {
		return nil, &RetryableError{Err: err}
	}
	response := types.AcceptBlock(hash, sig)
	if err := e.store(proposal, hash, response); err != nil {
		return nil, err
	}

	e.view.MarkAccepted()
	e.observer.ProposalDecided(true, 0)
	e.logger.Info("block proposal accepted",
		"signature_hash", hash.String(),
		"burn_height", proposal.BurnHeight,
	)
	return response, nil
}

func (e *Evaluator) reject(
	proposal *types.BlockProposal,
	hash types.SignatureHash,
	code types.RejectCode,
	reason string,
) (*types.BlockResponse, error) {
	sig, err := e.privKey.Sign(hash.Bytes())
	if err != nil {
		return nil, &RetryableError{Err: err}
	}
	response := types.RejectBlock(hash, code, reason, sig)
	if err := e.store(proposal, hash, response); err != nil {
		return nil, err
	}

	e.observer.ProposalDecided(false, code)
	e.logger.Info("block proposal rejected",
		"signature_hash", hash.String(),
		"reason_code", code.String(),
		"reason", reason,
	)
	return response, nil
}

func (e *Evaluator) store(proposal *types.BlockProposal, hash types.SignatureHash, response *types.BlockResponse) error {
	return e.decisions.Save(hash, DecisionRecord{
		Response:   response,
		BurnHeight: proposal.BurnHeight,
	})
}
