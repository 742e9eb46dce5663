package types

import (
	"encoding/json"
	"fmt"

	cometbytes "github.com/cometbft/cometbft/libs/bytes"
	cometjson "github.com/cometbft/cometbft/libs/json"
)

// RejectCode is the operator-visible taxonomy of proposal rejections. These
// codes are the only error vocabulary that crosses the committee channel;
// transient infrastructure faults are retried internally and never published.
type RejectCode int8

const (
	// RejectSortitionViewMismatch: the proposal's claimed consensus hash
	// matches no tolerated sortition snapshot. Non-retryable for this exact
	// proposal.
	RejectSortitionViewMismatch RejectCode = iota + 1

	// RejectMalformedProposal: structural validation failed before any
	// oracle consultation. Non-retryable.
	RejectMalformedProposal

	// RejectValidationFailed: the validation oracle rejected the candidate's
	// content. Non-retryable for this signature hash; a corrected candidate
	// hashes differently and gets a fresh evaluation.
	RejectValidationFailed

	// RejectTimeout: the member never reached a decision before the leader's
	// deadline. Leader-side bookkeeping only; members do not publish it.
	RejectTimeout
)

func (rc RejectCode) String() string {
	switch rc {
	case RejectSortitionViewMismatch:
		return "sortition_view_mismatch"
	case RejectMalformedProposal:
		return "malformed_proposal"
	case RejectValidationFailed:
		return "validation_failed"
	case RejectTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("unknown(%d)", int8(rc))
	}
}

// BlockProposal is a leader's request for committee authorization of a block.
type BlockProposal struct {
	Block       BlockCandidate `json:"block"`
	BurnHeight  uint64         `json:"burn_height"`
	RewardCycle RewardCycle    `json:"reward_cycle"`
}

// BlockAccepted is a member's signed acceptance of a candidate. The signature
// covers the signature hash bytes exactly, never the raw block encoding.
type BlockAccepted struct {
	SignatureHash SignatureHash       `json:"signature_hash"`
	Signature     cometbytes.HexBytes `json:"signature"`
}

// BlockRejected is a member's signed rejection, carrying the reason taxonomy
// so the leader holds cryptographic evidence of why the block was refused.
type BlockRejected struct {
	SignatureHash SignatureHash       `json:"signature_hash"`
	ReasonCode    RejectCode          `json:"reason_code"`
	Reason        string              `json:"reason"`
	Signature     cometbytes.HexBytes `json:"signature"`
}

// BlockResponse is the tagged decision variant for one signature hash.
// Exactly one of Accepted or Rejected is set; a member never emits two
// different responses for the same signature hash.
type BlockResponse struct {
	Accepted *BlockAccepted `json:"accepted,omitempty"`
	Rejected *BlockRejected `json:"rejected,omitempty"`
}

func AcceptBlock(hash SignatureHash, signature []byte) *BlockResponse {
	return &BlockResponse{Accepted: &BlockAccepted{
		SignatureHash: hash,
		Signature:     signature,
	}}
}

func RejectBlock(hash SignatureHash, code RejectCode, reason string, signature []byte) *BlockResponse {
	return &BlockResponse{Rejected: &BlockRejected{
		SignatureHash: hash,
		ReasonCode:    code,
		Reason:        reason,
		Signature:     signature,
	}}
}

// IsAccepted reports whether the response is an acceptance.
func (r *BlockResponse) IsAccepted() bool {
	return r.Accepted != nil
}

// SignatureHash returns the hash this response decides.
func (r *BlockResponse) SignatureHash() SignatureHash {
	if r.Accepted != nil {
		return r.Accepted.SignatureHash
	}
	if r.Rejected != nil {
		return r.Rejected.SignatureHash
	}
	return SignatureHash{}
}

// Signature returns the member signature over the signature hash bytes.
func (r *BlockResponse) Signature() []byte {
	if r.Accepted != nil {
		return r.Accepted.Signature
	}
	if r.Rejected != nil {
		return r.Rejected.Signature
	}
	return nil
}

// Validate checks the exactly-one-variant invariant.
func (r *BlockResponse) Validate() error {
	if (r.Accepted == nil) == (r.Rejected == nil) {
		return fmt.Errorf("block response must set exactly one of accepted or rejected")
	}
	return nil
}

// RunLoopState describes where a member's event loop is in its lifecycle,
// reported through the status protocol.
type RunLoopState string

const (
	StateUninitialized RunLoopState = "uninitialized"
	StateRunning       RunLoopState = "running"
	StateStopping      RunLoopState = "stopping"
)

// StatusRequest asks a member to report its run loop state on its own slot.
// It carries no payload.
type StatusRequest struct{}

// StatusResponse reports a member's run loop state and reward cycle view.
// Operators and tests use it to confirm a member has observed a given
// reward-cycle transition.
type StatusResponse struct {
	State       RunLoopState `json:"state"`
	RewardCycle RewardCycle  `json:"reward_cycle"`
	BurnHeight  uint64       `json:"burn_height"`
}

// MessageType tags the closed set of payload kinds carried on the committee
// channel. New kinds are added by extending this enumeration; there is no
// runtime registration.
type MessageType string

const (
	MessageTypeBlockProposal  MessageType = "block_proposal"
	MessageTypeBlockResponse  MessageType = "block_response"
	MessageTypeStatusRequest  MessageType = "status_request"
	MessageTypeStatusResponse MessageType = "status_response"
)

// SignerMessage is the decoded form of one channel payload: exactly one
// variant is non-nil.
type SignerMessage struct {
	BlockProposal  *BlockProposal
	BlockResponse  *BlockResponse
	StatusRequest  *StatusRequest
	StatusResponse *StatusResponse
}

// Type returns the tag of the set variant.
func (m *SignerMessage) Type() MessageType {
	switch {
	case m.BlockProposal != nil:
		return MessageTypeBlockProposal
	case m.BlockResponse != nil:
		return MessageTypeBlockResponse
	case m.StatusRequest != nil:
		return MessageTypeStatusRequest
	case m.StatusResponse != nil:
		return MessageTypeStatusResponse
	default:
		return ""
	}
}

type messageEnvelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeMessage serializes a signer message for publication on the channel.
func EncodeMessage(m *SignerMessage) ([]byte, error) {
	var payload interface{}
	switch {
	case m.BlockProposal != nil:
		payload = m.BlockProposal
	case m.BlockResponse != nil:
		if err := m.BlockResponse.Validate(); err != nil {
			return nil, err
		}
		payload = m.BlockResponse
	case m.StatusRequest != nil:
		payload = m.StatusRequest
	case m.StatusResponse != nil:
		payload = m.StatusResponse
	default:
		return nil, fmt.Errorf("signer message has no variant set")
	}

	bz, err := cometjson.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return cometjson.Marshal(messageEnvelope{Type: m.Type(), Payload: bz})
}

// DecodeMessage deserializes a channel payload into the closed variant set.
// Unknown tags are an error, not an extension point.
func DecodeMessage(bz []byte) (*SignerMessage, error) {
	var env messageEnvelope
	if err := cometjson.Unmarshal(bz, &env); err != nil {
		return nil, fmt.Errorf("malformed message envelope: %w", err)
	}

	msg := &SignerMessage{}
	var err error
	switch env.Type {
	case MessageTypeBlockProposal:
		var p BlockProposal
		err = cometjson.Unmarshal(env.Payload, &p)
		msg.BlockProposal = &p
	case MessageTypeBlockResponse:
		var r BlockResponse
		if err = cometjson.Unmarshal(env.Payload, &r); err == nil {
			err = r.Validate()
		}
		msg.BlockResponse = &r
	case MessageTypeStatusRequest:
		var s StatusRequest
		err = cometjson.Unmarshal(env.Payload, &s)
		msg.StatusRequest = &s
	case MessageTypeStatusResponse:
		var s StatusResponse
		err = cometjson.Unmarshal(env.Payload, &s)
		msg.StatusResponse = &s
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
	}
	return msg, nil
}
