package statecache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevlens/mevinspect-go/internal/rpcclient"
)

// countingTransport counts calls per method so tests can assert exactly
// one RPC is issued per cold (addr, slot/block) read, per spec §8.
type countingTransport struct {
	calls map[string]int
}

func newCountingTransport() *countingTransport {
	return &countingTransport{calls: map[string]int{}}
}

func (t *countingTransport) Call(_ context.Context, method string, _ []any) (json.RawMessage, error) {
	t.calls[method]++
	switch method {
	case "eth_getBalance":
		return json.RawMessage(`"0x64"`), nil
	case "eth_getCode":
		return json.RawMessage(`"0x6001"`), nil
	case "eth_getStorageAt":
		return json.RawMessage(`"0x0000000000000000000000000000000000000000000000000000000000000001"`), nil
	default:
		return json.RawMessage(`null`), nil
	}
}

func (t *countingTransport) BatchCall(_ context.Context, reqs []rpcclient.BatchRequest) ([]rpcclient.BatchResult, error) {
	out := make([]rpcclient.BatchResult, len(reqs))
	for i, r := range reqs {
		t.calls[r.Method]++
		switch r.Method {
		case "eth_getCode":
			out[i] = rpcclient.BatchResult{Key: r.Key, Result: json.RawMessage(`"0x6002"`)}
		default:
			out[i] = rpcclient.BatchResult{Key: r.Key, Result: json.RawMessage(`null`)}
		}
	}
	return out, nil
}

func newTestPoolStore(t *testing.T) *PoolTokenStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pools.db")
	s, err := OpenPoolTokenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCache(t *testing.T, transport *countingTransport) *Cache {
	t.Helper()
	rpc := rpcclient.New(transport, nil)
	c, err := New(1000, rpc, newTestPoolStore(t), 10, 10, 10, nil)
	require.NoError(t, err)
	return c
}

func TestCache_GetAccount_CachesAfterFirstRead(t *testing.T) {
	transport := newCountingTransport()
	c := newTestCache(t, transport)
	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	_, err := c.GetAccount(context.Background(), addr)
	require.NoError(t, err)
	_, err = c.GetAccount(context.Background(), addr)
	require.NoError(t, err)

	assert.Equal(t, 1, transport.calls["eth_getBalance"])
	assert.Equal(t, 1, transport.calls["eth_getCode"])

	stats := c.AccountStats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCache_GetStorage_OneRPCPerColdSlot(t *testing.T) {
	transport := newCountingTransport()
	c := newTestCache(t, transport)
	addr := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	slot := common.BigToHash(nil)

	for i := 0; i < 5; i++ {
		_, err := c.GetStorage(context.Background(), addr, slot)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, transport.calls["eth_getStorageAt"])

	stats := c.StorageStats()
	assert.Equal(t, uint64(4), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCache_PreloadAddresses_UsesBatchedCode(t *testing.T) {
	transport := newCountingTransport()
	c := newTestCache(t, transport)
	addrs := []common.Address{
		common.HexToAddress("0x1"),
		common.HexToAddress("0x2"),
		common.HexToAddress("0x3"),
	}
	require.NoError(t, c.PreloadAddresses(context.Background(), addrs))
	assert.Equal(t, 3, transport.calls["eth_getCode"])

	for _, a := range addrs {
		code, err := c.GetCode(context.Background(), a)
		require.NoError(t, err)
		assert.Equal(t, common.FromHex("0x6002"), code)
	}
	assert.Equal(t, 3, transport.calls["eth_getCode"])
}

func TestCache_ClearAll_ResetsStatsAndEntries(t *testing.T) {
	transport := newCountingTransport()
	c := newTestCache(t, transport)
	addr := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	_, err := c.GetAccount(context.Background(), addr)
	require.NoError(t, err)

	c.ClearAll()
	assert.Equal(t, Stats{}, c.AccountStats())

	_, err = c.GetAccount(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, 2, transport.calls["eth_getBalance"])
}

func TestPoolTokenStore_SetIsMonotonic(t *testing.T) {
	s := newTestPoolStore(t)
	pool := common.HexToAddress("0xdddddddddddddddddddddddddddddddddddddddd")
	t0 := common.HexToAddress("0x1111111111111111111111111111111111111111")
	t1 := common.HexToAddress("0x2222222222222222222222222222222222222222")
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")

	require.NoError(t, s.Set(pool, t0, t1, 100))
	require.NoError(t, s.Set(pool, other, other, 200))

	gotT0, gotT1, ok := s.Get(pool)
	require.True(t, ok)
	assert.Equal(t, t0, gotT0)
	assert.Equal(t, t1, gotT1)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RowCount)
	assert.Equal(t, 1, stats.MemoryCached)
}

func TestPoolTokenStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pools.db")
	s1, err := OpenPoolTokenStore(path)
	require.NoError(t, err)
	pool := common.HexToAddress("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	t0 := common.HexToAddress("0x1111111111111111111111111111111111111111")
	t1 := common.HexToAddress("0x2222222222222222222222222222222222222222")
	require.NoError(t, s1.Set(pool, t0, t1, 42))
	require.NoError(t, s1.Close())

	require.FileExists(t, path)
	s2, err := OpenPoolTokenStore(path)
	require.NoError(t, err)
	defer s2.Close()

	gotT0, gotT1, ok := s2.Get(pool)
	require.True(t, ok)
	assert.Equal(t, t0, gotT0)
	assert.Equal(t, t1, gotT1)
}

func TestMain_tempDirWritable(t *testing.T) {
	// sanity guard: sqlite needs a writable temp dir in this sandbox.
	_, err := os.Stat(os.TempDir())
	require.NoError(t, err)
}
