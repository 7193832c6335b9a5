package storage

import (
	"sync"

	"github.com/funnyzak/rewind/pkg/exchange"
)

// memoryBackend keeps entries in process memory with FIFO and age eviction.
type memoryBackend struct {
	mu        sync.RWMutex
	index     *orderedIndex[*exchange.Entry]
	opts      Options
	stopSweep func()
	closeOnce sync.Once
}

// NewMemory creates an in-memory backend. When opts.MaxAge is set a
// background sweeper removes aged entries until Close.
func NewMemory(opts Options) Backend {
	b := &memoryBackend{
		index: newOrderedIndex[*exchange.Entry](),
		opts:  opts,
	}
	if opts.MaxAge > 0 {
		b.stopSweep = startSweeper(opts.sweepInterval(), b.sweep)
	}
	return b
}

func (b *memoryBackend) Store(entry *exchange.Entry) error {
	if entry == nil || entry.ID() == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.index.put(entry.ID(), entry.Clone())
	b.index.trim(b.opts.MaxEntries)
	return nil
}

func (b *memoryBackend) Get(id string) (*exchange.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.index.get(id)
	if !ok || b.opts.expired(entry.Exchange.Timestamp) {
		return nil, nil
	}
	return entry.Clone(), nil
}

func (b *memoryBackend) List() ([]*exchange.Entry, error) {
	return b.Recent(0)
}

func (b *memoryBackend) Recent(limit int) ([]*exchange.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]*exchange.Entry, 0, b.index.len())
	b.index.newestFirst(func(_ string, entry *exchange.Entry) bool {
		if b.opts.expired(entry.Exchange.Timestamp) {
			return true
		}
		result = append(result, entry.Clone())
		return limit <= 0 || len(result) < limit
	})
	return result, nil
}

func (b *memoryBackend) Delete(id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index.remove(id), nil
}

func (b *memoryBackend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.index.reset()
	return nil
}

func (b *memoryBackend) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.opts.MaxAge <= 0 {
		return b.index.len()
	}
	count := 0
	b.index.newestFirst(func(_ string, entry *exchange.Entry) bool {
		if !b.opts.expired(entry.Exchange.Timestamp) {
			count++
		}
		return true
	})
	return count
}

func (b *memoryBackend) Close() error {
	b.closeOnce.Do(func() {
		if b.stopSweep != nil {
			b.stopSweep()
		}
	})
	return nil
}

func (b *memoryBackend) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.index.removeIf(func(entry *exchange.Entry) bool {
		return b.opts.expired(entry.Exchange.Timestamp)
	})
}
