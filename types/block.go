package types

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/cometbft/cometbft/crypto/tmhash"
	cometbytes "github.com/cometbft/cometbft/libs/bytes"
)

// BlockHeader carries the fields of a candidate block that committee members
// inspect and sign over. The body stays opaque to the signer; only the header
// participates in the signature hash.
type BlockHeader struct {
	// ParentBlockID references the candidate's parent block.
	ParentBlockID BlockID `json:"parent_block_id"`

	// ConsensusHash is the anchor-chain sortition this candidate claims to
	// have been mined under.
	ConsensusHash ConsensusHash `json:"consensus_hash"`

	// ChainLength is the height of the candidate on the signed chain.
	ChainLength uint64 `json:"chain_length"`

	// TimestampMs is the leader-asserted wall clock time, in milliseconds.
	TimestampMs uint64 `json:"timestamp_ms"`

	// Treatment marks which committee members the leader considers included
	// for this block. Its length must equal the committee size.
	Treatment *bitset.BitSet `json:"treatment"`

	// TenureExtend flags the candidate as a tenure-extension proposal,
	// eligible for admission against the previous sortition when the
	// current one is empty or its leader has gone silent.
	TenureExtend bool `json:"tenure_extend,omitempty"`
}

// BlockCandidate is a leader-proposed block awaiting committee authorization.
type BlockCandidate struct {
	Header BlockHeader         `json:"header"`
	Body   cometbytes.HexBytes `json:"body"`
}

// SignatureHash derives the canonical digest members sign. The digest covers
// the header fields in a fixed binary layout; the opaque body contributes via
// its own digest so that body bytes cannot be mutated after signing.
func (c *BlockCandidate) SignatureHash() SignatureHash {
	h := tmhash.New()

	h.Write(c.Header.ParentBlockID[:])
	h.Write(c.Header.ConsensusHash[:])

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], c.Header.ChainLength)
	h.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], c.Header.TimestampMs)
	h.Write(u64[:])

	if c.Header.Treatment != nil {
		// MarshalBinary cannot fail for an in-memory bitset.
		bz, _ := c.Header.Treatment.MarshalBinary()
		h.Write(bz)
	}

	if c.Header.TenureExtend {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}

	h.Write(tmhash.Sum(c.Body))

	var sh SignatureHash
	copy(sh[:], h.Sum(nil))
	return sh
}

// ValidateStructure performs the cheap local checks that gate the expensive
// validation oracle call: treatment coverage of the committee and parent
// linkage. These never consult remote state.
func (c *BlockCandidate) ValidateStructure(committeeSize uint) error {
	if c.Header.Treatment == nil {
		return fmt.Errorf("missing treatment bit-vector")
	}
	if c.Header.Treatment.Len() != committeeSize {
		return fmt.Errorf("treatment bit-vector length %d does not cover committee of %d",
			c.Header.Treatment.Len(), committeeSize)
	}
	if c.Header.ParentBlockID.IsZero() && c.Header.ChainLength > 1 {
		return fmt.Errorf("non-genesis candidate at height %d has no parent", c.Header.ChainLength)
	}
	if c.Header.ConsensusHash.IsZero() {
		return fmt.Errorf("missing consensus hash")
	}
	return nil
}

// SortitionFacts is a snapshot of one anchor-chain leader election outcome.
type SortitionFacts struct {
	ConsensusHash ConsensusHash `json:"consensus_hash"`
	BurnHeight    uint64        `json:"burn_height"`

	// WinningKey is the public key of the elected leader. Empty sortitions
	// carry no winning key.
	WinningKey cometbytes.HexBytes `json:"winning_key,omitempty"`

	// Empty reports that the sortition elected no leader.
	Empty bool `json:"empty,omitempty"`

	// ObservedAt is when this process first saw the outcome. Timeouts are
	// measured from observation, not from process start.
	ObservedAt time.Time `json:"observed_at"`
}
