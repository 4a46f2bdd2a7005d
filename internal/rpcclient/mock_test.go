package rpcclient

import (
	"context"
	"encoding/json"
	"sync"
)

// countingTransport is a hand-rolled mock that counts Call invocations per
// method and BatchCall round trips, used to verify the facade's one RPC
// per read and the "O(1) batched round trips" testable property from
// spec §8. It never touches the network.
type countingTransport struct {
	mu        sync.Mutex
	calls     map[string]int
	batches   int
	responses map[string]json.RawMessage
	batchFn   func(reqs []BatchRequest) ([]BatchResult, error)
}

func newCountingTransport() *countingTransport {
	return &countingTransport{
		calls:     map[string]int{},
		responses: map[string]json.RawMessage{},
	}
}

func (m *countingTransport) set(method string, result json.RawMessage) {
	m.responses[method] = result
}

func (m *countingTransport) Call(_ context.Context, method string, _ []any) (json.RawMessage, error) {
	m.mu.Lock()
	m.calls[method]++
	m.mu.Unlock()
	return m.responses[method], nil
}

func (m *countingTransport) BatchCall(_ context.Context, reqs []BatchRequest) ([]BatchResult, error) {
	m.mu.Lock()
	m.batches++
	m.mu.Unlock()
	if m.batchFn != nil {
		return m.batchFn(reqs)
	}
	out := make([]BatchResult, len(reqs))
	for i, r := range reqs {
		out[i] = BatchResult{Key: r.Key, Result: m.responses[r.Method]}
	}
	return out, nil
}
