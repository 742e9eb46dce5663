package types

import (
	"encoding/hex"
	"fmt"

	"github.com/cometbft/cometbft/crypto/tmhash"
)

const (
	// ConsensusHashSize is the length of an anchor-chain consensus hash.
	ConsensusHashSize = 20

	// BlockIDSize is the length of a block identifier.
	BlockIDSize = tmhash.Size
)

// ConsensusHash identifies a single sortition on the anchor chain. Every block
// candidate claims exactly one consensus hash, and admission of a proposal is
// decided by comparing that claim against the tracked sortition view.
type ConsensusHash [ConsensusHashSize]byte

func (ch ConsensusHash) String() string {
	return hex.EncodeToString(ch[:])
}

func (ch ConsensusHash) IsZero() bool {
	return ch == ConsensusHash{}
}

func ConsensusHashFromBytes(bz []byte) (ConsensusHash, error) {
	var ch ConsensusHash
	if len(bz) != ConsensusHashSize {
		return ch, fmt.Errorf("invalid consensus hash length: expected %d, got %d", ConsensusHashSize, len(bz))
	}
	copy(ch[:], bz)
	return ch, nil
}

func (ch ConsensusHash) MarshalJSON() ([]byte, error) {
	return marshalHexJSON(ch[:])
}

func (ch *ConsensusHash) UnmarshalJSON(bz []byte) error {
	return unmarshalHexJSON(bz, ch[:], ConsensusHashSize)
}

// BlockID references a block by the digest of its header.
type BlockID [BlockIDSize]byte

func (id BlockID) String() string {
	return hex.EncodeToString(id[:])
}

func (id BlockID) IsZero() bool {
	return id == BlockID{}
}

func (id BlockID) MarshalJSON() ([]byte, error) {
	return marshalHexJSON(id[:])
}

func (id *BlockID) UnmarshalJSON(bz []byte) error {
	return unmarshalHexJSON(bz, id[:], BlockIDSize)
}

// SignatureHash is the canonical digest of a block candidate that committee
// members sign. It is derived from the candidate header, never from the raw
// block encoding, so re-serialization cannot produce a second signable hash
// for the same block.
type SignatureHash [tmhash.Size]byte

func (sh SignatureHash) String() string {
	return hex.EncodeToString(sh[:])
}

func (sh SignatureHash) Bytes() []byte {
	return sh[:]
}

func SignatureHashFromBytes(bz []byte) (SignatureHash, error) {
	var sh SignatureHash
	if len(bz) != tmhash.Size {
		return sh, fmt.Errorf("invalid signature hash length: expected %d, got %d", tmhash.Size, len(bz))
	}
	copy(sh[:], bz)
	return sh, nil
}

func (sh SignatureHash) MarshalJSON() ([]byte, error) {
	return marshalHexJSON(sh[:])
}

func (sh *SignatureHash) UnmarshalJSON(bz []byte) error {
	return unmarshalHexJSON(bz, sh[:], tmhash.Size)
}

func marshalHexJSON(bz []byte) ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(bz) + `"`), nil
}

func unmarshalHexJSON(src, dst []byte, size int) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("expected hex string")
	}
	decoded, err := hex.DecodeString(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	if len(decoded) != size {
		return fmt.Errorf("invalid hash length: expected %d, got %d", size, len(decoded))
	}
	copy(dst, decoded)
	return nil
}
