package rescue

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// SubmissionSet tracks the transfer transactions of one attempt in submission
// order. The burst phase records what the primary gateway accepted from
// concurrent goroutines; the wait phase iterates the accepted entries in the
// original transfer order.
type SubmissionSet struct {
	mu      sync.Mutex                    // Mutex to ensure thread safety
	entries map[common.Hash]*txSubmission // Mapping from hash to submission entry
	queue   []*txSubmission               // FIFO submission queue
}

// txSubmission records one transfer submission and its pool-accept state.
type txSubmission struct {
	Index    int         // position in the original transfer-call list
	Nonce    uint64      // executor nonce carried by the signed tx
	Hash     common.Hash // signed tx hash
	Raw      []byte      // RLP bytes handed to every gateway
	Accepted bool        // primary pool accepted the submission
}

// NewSubmissionSet creates an empty SubmissionSet.
func NewSubmissionSet() *SubmissionSet {
	return &SubmissionSet{
		entries: make(map[common.Hash]*txSubmission),
		queue:   make([]*txSubmission, 0),
	}
}

// Add records a submission. Re-adding an existing hash replaces the old entry,
// moves it to the tail of the queue and clears its accept state.
func (s *SubmissionSet) Add(index int, nonce uint64, hash common.Hash, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &txSubmission{
		Index: index,
		Nonce: nonce,
		Hash:  hash,
		Raw:   raw,
	}

	if old, exists := s.entries[hash]; exists {
		for i, e := range s.queue {
			if e == old {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	} else {
		metricsInflightInc(1)
		log.Trace("submission tracked", "tx", hash.Hex(), "index", index)
	}

	s.entries[hash] = entry
	s.queue = append(s.queue, entry)
}

// MarkAccepted flags the entry for hash as accepted by the primary pool.
func (s *SubmissionSet) MarkAccepted(hash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.entries[hash]; exists {
		entry.Accepted = true
	}
}

// Contains checks if a submission with the given hash is tracked.
func (s *SubmissionSet) Contains(hash common.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.entries[hash]
	return exists
}

// Accepted returns the accepted submissions in queue order.
func (s *SubmissionSet) Accepted() []*txSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*txSubmission, 0, len(s.queue))
	for _, entry := range s.queue {
		if entry.Accepted {
			result = append(result, entry)
		}
	}
	return result
}

// Entries returns every submission in queue order.
func (s *SubmissionSet) Entries() []*txSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*txSubmission, len(s.queue))
	copy(result, s.queue)
	return result
}

// Remove drops the submission with the given hash.
func (s *SubmissionSet) Remove(hash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.entries[hash]; exists {
		for i, e := range s.queue {
			if e == entry {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		delete(s.entries, hash)

		metricsInflightDec(1)
		log.Trace("submission dropped", "tx", hash)
	}
}

// Forward drops every tracked submission whose nonce is below the given
// confirmed executor nonce; those can no longer be included.
func (s *SubmissionSet) Forward(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := 0
	for _, entry := range s.queue {
		if entry.Nonce < nonce {
			delete(s.entries, entry.Hash)
			metricsInflightDec(1)
			log.Trace("submission dropped by forward", "tx", entry.Hash, "nonce", nonce, "tx.nonce", entry.Nonce)
			continue
		}
		s.queue[i] = entry
		i++
	}
	s.queue = s.queue[:i]
}

// Len returns the number of tracked submissions.
func (s *SubmissionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Clear drops every tracked submission.
func (s *SubmissionSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	metricsInflightDec(len(s.entries))
	s.entries = make(map[common.Hash]*txSubmission)
	s.queue = make([]*txSubmission, 0)
}
