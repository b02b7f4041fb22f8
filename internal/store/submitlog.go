// Package store keeps the daemon's in-memory record of remote submissions
// already made, so a flapping player or repeated position updates never
// produce duplicate now-playing or scrobble calls.
package store

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// SubmitLog is a bounded set of submission keys. A bloom filter answers the
// common "never seen" case without touching the LRU; the LRU is the
// authoritative recent set and caps memory.
type SubmitLog struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	recent *lru.Cache[string, struct{}]
	logger *zap.Logger
}

func NewSubmitLog(size int, logger *zap.Logger) (*SubmitLog, error) {
	if size <= 0 {
		return nil, fmt.Errorf("submit log size must be positive, got %d", size)
	}
	recent, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &SubmitLog{
		filter: bloom.NewWithEstimates(uint(size)*10, 0.01),
		recent: recent,
		logger: logger,
	}, nil
}

// MarkOnce records key and reports whether this call was the first to do so.
// A bloom hit is confirmed against the LRU before rejecting, so false
// positives cannot suppress a submission for a genuinely new key.
func (l *SubmitLog) MarkOnce(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filter.TestString(key) {
		if _, ok := l.recent.Get(key); ok {
			return false
		}
		l.logger.Debug("bloom false positive", zap.String("key", key))
	}
	l.filter.AddString(key)
	l.recent.Add(key, struct{}{})
	return true
}

// Len reports the number of keys in the recent set.
func (l *SubmitLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recent.Len()
}
