package service

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	zlog "github.com/rs/zerolog/log"

	"threatgate/internal/models"
)

const indexRebuildInterval = 5 * time.Minute

type blockLister interface {
	ListActiveBlocks() ([]models.BlockEntry, error)
}

// BlockIndexService keeps a bloom filter of locally blocked identity
// hashes so the hot path can skip the database for the common case of
// an unblocked client. False positives fall through to the real lookup.
type BlockIndexService struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	store  blockLister
	stop   chan struct{}
}

func NewBlockIndexService(store blockLister) *BlockIndexService {
	return &BlockIndexService{
		filter: bloom.NewWithEstimates(1000000, 0.01),
		store:  store,
		stop:   make(chan struct{}),
	}
}

// Start rebuilds the filter now and then periodically, so expired
// blocks eventually age out of the probabilistic set.
func (s *BlockIndexService) Start() {
	s.Rebuild()
	go func() {
		ticker := time.NewTicker(indexRebuildInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Rebuild()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *BlockIndexService) Stop() {
	close(s.stop)
}

// Rebuild replaces the filter with the current set of active blocks.
func (s *BlockIndexService) Rebuild() {
	blocks, err := s.store.ListActiveBlocks()
	if err != nil {
		zlog.Warn().Err(err).Msg("Block index rebuild skipped, listing active blocks failed")
		return
	}

	filter := bloom.NewWithEstimates(1000000, 0.01)
	for _, b := range blocks {
		filter.AddString(b.ClientIDHash)
	}

	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
	zlog.Debug().Int("blocks", len(blocks)).Msg("Block index rebuilt")
}

// MightBeBlocked reports whether the hash may be in the local blocklist.
// A false answer is definitive.
func (s *BlockIndexService) MightBeBlocked(idHash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.TestString(idHash)
}

// Add records a freshly blocked hash without waiting for the next rebuild.
func (s *BlockIndexService) Add(idHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter.AddString(idHash)
}
