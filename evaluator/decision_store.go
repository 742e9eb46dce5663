package evaluator

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	cometjson "github.com/cometbft/cometbft/libs/json"
	"github.com/cometbft/cometbft/libs/tempfile"

	"github.com/onenameio/blockstore/types"
)

// tenuresToCache bounds how many burn heights of decisions are retained.
// Decisions for tenures further back are inert: their cache keys can no
// longer match the current view.
const tenuresToCache = 3

// DecisionRecord is one settled verdict, keyed by signature hash.
type DecisionRecord struct {
	Response   *types.BlockResponse `json:"response"`
	BurnHeight uint64               `json:"burn_height"`
}

// ConflictingDecisionError reports an attempt to store a second, different
// decision for a signature hash that already has one. Decisions are final;
// this error indicates a caller bug, not a recoverable condition.
type ConflictingDecisionError struct {
	Hash types.SignatureHash
}

func (e *ConflictingDecisionError) Error() string {
	return fmt.Sprintf("conflicting decision for signature hash %s", e.Hash)
}

// DecisionStore makes proposal evaluation idempotent: once a signature hash is
// decided, re-delivery returns the stored response unchanged. The store is
// persisted atomically so a restarted member cannot contradict itself.
type DecisionStore struct {
	mu        sync.Mutex
	decisions map[types.SignatureHash]DecisionRecord
	filePath  string

	// pendingDiskWG tracks scheduled writes so shutdown can drain them.
	pendingDiskWG sync.WaitGroup
}

type decisionStoreFile struct {
	Decisions []decisionFileEntry `json:"decisions"`
}

type decisionFileEntry struct {
	Hash   types.SignatureHash `json:"hash"`
	Record DecisionRecord      `json:"record"`
}

// NewDecisionStore returns an in-memory store. An empty filePath disables
// persistence.
func NewDecisionStore(filePath string) *DecisionStore {
	return &DecisionStore{
		decisions: make(map[types.SignatureHash]DecisionRecord),
		filePath:  filePath,
	}
}

// LoadOrCreateDecisionStore loads persisted decisions from filePath, or
// initializes an empty store if none exist yet.
func LoadOrCreateDecisionStore(filePath string) (*DecisionStore, error) {
	store := NewDecisionStore(filePath)

	bz, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, err
	}

	var file decisionStoreFile
	if err := cometjson.Unmarshal(bz, &file); err != nil {
		return nil, fmt.Errorf("corrupt decision store %s: %w", filePath, err)
	}
	for _, entry := range file.Decisions {
		store.decisions[entry.Hash] = entry.Record
	}
	return store, nil
}

// Get returns the stored decision for a signature hash, if any.
func (s *DecisionStore) Get(hash types.SignatureHash) (*types.BlockResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.decisions[hash]
	if !ok {
		return nil, false
	}
	return rec.Response, true
}

// Save stores a decision. Storing the identical decision again is a no-op;
// storing a different decision for a decided hash fails with
// ConflictingDecisionError. Old tenures are pruned as newer ones settle.
func (s *DecisionStore) Save(hash types.SignatureHash, record DecisionRecord) error {
	if err := record.Response.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.decisions[hash]; ok {
		if !sameResponse(existing.Response, record.Response) {
			return &ConflictingDecisionError{Hash: hash}
		}
		return nil
	}

	s.decisions[hash] = record
	if record.BurnHeight > tenuresToCache {
		floor := record.BurnHeight - tenuresToCache
		for h, rec := range s.decisions {
			if rec.BurnHeight < floor {
				delete(s.decisions, h)
			}
		}
	}

	if s.filePath != "" {
		snapshot := s.snapshotLocked()
		s.pendingDiskWG.Add(1)
		go func() {
			defer s.pendingDiskWG.Done()
			s.persist(snapshot)
		}()
	}
	return nil
}

// WaitForPendingWrites blocks until all scheduled disk writes complete.
func (s *DecisionStore) WaitForPendingWrites() {
	s.pendingDiskWG.Wait()
}

func (s *DecisionStore) snapshotLocked() decisionStoreFile {
	file := decisionStoreFile{Decisions: make([]decisionFileEntry, 0, len(s.decisions))}
	for h, rec := range s.decisions {
		file.Decisions = append(file.Decisions, decisionFileEntry{Hash: h, Record: rec})
	}
	return file
}

func (s *DecisionStore) persist(file decisionStoreFile) {
	bz, err := cometjson.MarshalIndent(file, "", "  ")
	if err != nil {
		panic(err)
	}
	if err := tempfile.WriteFileAtomic(s.filePath, bz, 0600); err != nil {
		panic(err)
	}
}

func sameResponse(a, b *types.BlockResponse) bool {
	if a.IsAccepted() != b.IsAccepted() {
		return false
	}
	if a.SignatureHash() != b.SignatureHash() {
		return false
	}
	if !bytes.Equal(a.Signature(), b.Signature()) {
		return false
	}
	if !a.IsAccepted() && a.Rejected.ReasonCode != b.Rejected.ReasonCode {
		return false
	}
	return true
}
