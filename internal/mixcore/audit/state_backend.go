package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/r3e-network/mixcore/infrastructure/state"
)

// StateBackend adapts infrastructure/state.PersistenceBackend into the audit
// Backend interface, storing each stream as a monotonically-indexed key
// range ("audit/<stream>/000000000000", ...) so List-by-prefix doubles as
// the stream's range-scan, giving an append-only log that supports
// range-scan by stream on the storage adapter.
type StateBackend struct {
	mu      sync.Mutex
	backend state.PersistenceBackend
	counts  map[string]uint64
}

// NewStateBackend wraps a raw PersistenceBackend (the SQL adapter in
// production, state.NewMemoryBackend in tests).
func NewStateBackend(backend state.PersistenceBackend) *StateBackend {
	return &StateBackend{backend: backend, counts: make(map[string]uint64)}
}

func (b *StateBackend) Append(ctx context.Context, stream string, event []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.counts[stream]
	if !ok {
		// Continue after the events already stored for this stream.
		keys, err := b.backend.List(ctx, fmt.Sprintf("audit/%s/", stream))
		if err != nil {
			return err
		}
		n = uint64(len(keys))
	}
	key := fmt.Sprintf("audit/%s/%012d", stream, n)
	if err := b.backend.Save(ctx, key, event); err != nil {
		return err
	}
	b.counts[stream] = n + 1
	return nil
}

func (b *StateBackend) Range(ctx context.Context, stream string) ([][]byte, error) {
	prefix := fmt.Sprintf("audit/%s/", stream)
	keys, err := b.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys) // zero-padded indices sort lexically in append order

	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		data, err := b.backend.Load(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}
