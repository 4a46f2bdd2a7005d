package replay

import (
	"context"
	"encoding/json"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevlens/mevinspect-go/internal/mevtypes"
	"github.com/mevlens/mevinspect-go/internal/rpcclient"
	"github.com/mevlens/mevinspect-go/internal/statecache"
)

type stubTransport struct {
	balance string
	code    string
	storage string
}

func (s stubTransport) Call(_ context.Context, method string, _ []any) (json.RawMessage, error) {
	switch method {
	case "eth_getBalance":
		return json.RawMessage(`"` + s.balance + `"`), nil
	case "eth_getCode":
		return json.RawMessage(`"` + s.code + `"`), nil
	case "eth_getStorageAt":
		return json.RawMessage(`"` + s.storage + `"`), nil
	}
	return json.RawMessage(`null`), nil
}

func (s stubTransport) BatchCall(_ context.Context, reqs []rpcclient.BatchRequest) ([]rpcclient.BatchResult, error) {
	out := make([]rpcclient.BatchResult, len(reqs))
	for i, r := range reqs {
		out[i] = rpcclient.BatchResult{Key: r.Key}
	}
	return out, nil
}

func newTestCache(t *testing.T, transport rpcclient.Transport) *statecache.Cache {
	t.Helper()
	rpc := rpcclient.New(transport, nil)
	pools, err := statecache.OpenPoolTokenStore(filepath.Join(t.TempDir(), "pools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pools.Close() })
	c, err := statecache.New(1, rpc, pools, 10, 10, 10, nil)
	require.NoError(t, err)
	return c
}

func TestReplayStateDB_BalanceOverlaySemantics(t *testing.T) {
	cache := newTestCache(t, stubTransport{balance: "0x64", code: "0x", storage: "0x0"})
	sdb := newReplayStateDB(context.Background(), cache)
	addr := common.HexToAddress("0x1")

	bal := sdb.GetBalance(addr)
	require.Equal(t, uint256.NewInt(0x64), bal)

	sdb.AddBalance(addr, uint256.NewInt(10), 0)
	assert.Equal(t, uint256.NewInt(0x64+10), sdb.GetBalance(addr))

	sdb.SubBalance(addr, uint256.NewInt(5), 0)
	assert.Equal(t, uint256.NewInt(0x64+5), sdb.GetBalance(addr))
}

func TestReplayStateDB_SetStateOverlayShadowsCache(t *testing.T) {
	cache := newTestCache(t, stubTransport{balance: "0x0", code: "0x", storage: "0x01"})
	sdb := newReplayStateDB(context.Background(), cache)
	addr := common.HexToAddress("0x1")
	slot := common.HexToHash("0xaa")

	word := sdb.GetState(addr, slot)
	assert.Equal(t, common.HexToHash("0x01"), word)

	sdb.SetState(addr, slot, common.HexToHash("0x02"))
	assert.Equal(t, common.HexToHash("0x02"), sdb.GetState(addr, slot))
	// GetCommittedState bypasses the overlay and reads straight through.
	assert.Equal(t, common.HexToHash("0x01"), sdb.GetCommittedState(addr, slot))
}

func TestReplayStateDB_SeedAccountAvoidsCacheRoundTrip(t *testing.T) {
	cache := newTestCache(t, stubTransport{balance: "0x1", code: "0x", storage: "0x0"})
	sdb := newReplayStateDB(context.Background(), cache)
	addr := common.HexToAddress("0x1")

	sdb.seedAccount(addr, mevtypes.AccountSnapshot{Balance: big.NewInt(999), Code: []byte{0xde, 0xad}})
	assert.Equal(t, uint256.NewInt(999), sdb.GetBalance(addr))
	assert.Equal(t, []byte{0xde, 0xad}, sdb.GetCode(addr))
}

func TestReplayStateDB_SnapshotRevertIsBookkeepingOnly(t *testing.T) {
	cache := newTestCache(t, stubTransport{balance: "0x0", code: "0x", storage: "0x0"})
	sdb := newReplayStateDB(context.Background(), cache)
	id := sdb.Snapshot()
	assert.Equal(t, 0, id)
	sdb.Snapshot()
	sdb.RevertToSnapshot(id)
	assert.Len(t, sdb.snapshots, id)
}

func TestReplayStateDB_SelfDestructTracked(t *testing.T) {
	cache := newTestCache(t, stubTransport{balance: "0x0", code: "0x", storage: "0x0"})
	sdb := newReplayStateDB(context.Background(), cache)
	addr := common.HexToAddress("0x1")
	assert.False(t, sdb.HasSelfDestructed(addr))
	sdb.SelfDestruct(addr)
	assert.True(t, sdb.HasSelfDestructed(addr))
}
