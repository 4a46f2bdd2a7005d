package pipeline

import (
	"context"
	"encoding/json"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevlens/mevinspect-go/internal/dex"
	"github.com/mevlens/mevinspect-go/internal/mevtypes"
	"github.com/mevlens/mevinspect-go/internal/rpcclient"
	"github.com/mevlens/mevinspect-go/internal/statecache"
)

func TestAddressUnion_CollectsParticipantsLogsAndTopics(t *testing.T) {
	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")
	emitter := common.HexToAddress("0x3")
	topicAddr := common.HexToAddress("0x4")

	tx := mevtypes.Transaction{Hash: common.HexToHash("0xaa"), From: from, To: &to}
	receipts := map[common.Hash]mevtypes.Receipt{
		tx.Hash: {Logs: []mevtypes.LogRecord{
			{Address: emitter, Topics: []common.Hash{common.HexToHash("0x01"), common.BytesToHash(topicAddr.Bytes())}},
		}},
	}
	addrs := addressUnion([]mevtypes.Transaction{tx}, receipts)
	assert.ElementsMatch(t, []common.Address{from, to, emitter, topicAddr}, addrs)
}

func TestGroupByTx_PreservesPerTxOrder(t *testing.T) {
	tx1 := common.HexToHash("0x1")
	tx2 := common.HexToHash("0x2")
	swaps := []mevtypes.Swap{
		{TxHash: tx1, Pool: common.HexToAddress("0xa")},
		{TxHash: tx2, Pool: common.HexToAddress("0xb")},
		{TxHash: tx1, Pool: common.HexToAddress("0xc")},
	}
	grouped := groupByTx(swaps)
	require.Len(t, grouped[tx1], 2)
	assert.Equal(t, common.HexToAddress("0xa"), grouped[tx1][0].Pool)
	assert.Equal(t, common.HexToAddress("0xc"), grouped[tx1][1].Pool)
	require.Len(t, grouped[tx2], 1)
}

func TestApproximatePreSwapReserves_InvertsObservedAmounts(t *testing.T) {
	post := dex.Reserves{Reserve0: big.NewInt(900), Reserve1: big.NewInt(1100)}
	s := mevtypes.Swap{AmountIn: big.NewInt(100), AmountOut: big.NewInt(100)}
	pre := approximatePreSwapReserves(post, s)
	assert.Equal(t, big.NewInt(800), pre.Reserve0)
	assert.Equal(t, big.NewInt(1200), pre.Reserve1)
}

func TestApproximatePreSwapReserves_ClampsAtZero(t *testing.T) {
	post := dex.Reserves{Reserve0: big.NewInt(50), Reserve1: big.NewInt(1000)}
	s := mevtypes.Swap{AmountIn: big.NewInt(100), AmountOut: big.NewInt(10)}
	pre := approximatePreSwapReserves(post, s)
	assert.Equal(t, big.NewInt(0), pre.Reserve0)
}

func TestEventSigsOf_CollectsFirstTopics(t *testing.T) {
	r := mevtypes.Receipt{Logs: []mevtypes.LogRecord{
		{Topics: []common.Hash{dex.SwapTopicV2}},
		{Topics: nil},
		{Topics: []common.Hash{dex.PairCreatedTopic}},
	}}
	sigs := eventSigsOf(r)
	assert.Equal(t, []string{dex.SwapTopicV2.Hex(), dex.PairCreatedTopic.Hex()}, sigs)
}

// fakeTransport answers only eth_getCode/eth_getBalance/eth_getStorageAt;
// its BatchCall never rejects and answers every request with "0x", so a
// batched token0()/token1() lookup resolves no pool.
type fakeTransport struct{}

func (fakeTransport) Call(_ context.Context, method string, _ []any) (json.RawMessage, error) {
	switch method {
	case "eth_getCode":
		return json.RawMessage(`"0x"`), nil
	case "eth_getBalance":
		return json.RawMessage(`"0x0"`), nil
	case "eth_getStorageAt":
		return json.RawMessage(`"0x0000000000000000000000000000000000000000000000000000000000000000"`), nil
	}
	return json.RawMessage(`null`), nil
}

func (fakeTransport) BatchCall(_ context.Context, reqs []rpcclient.BatchRequest) ([]rpcclient.BatchResult, error) {
	out := make([]rpcclient.BatchResult, len(reqs))
	for i, r := range reqs {
		out[i] = rpcclient.BatchResult{Key: r.Key, Result: json.RawMessage(`"0x"`)}
	}
	return out, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *statecache.Cache) {
	t.Helper()
	rpc := rpcclient.New(fakeTransport{}, nil)
	pools, err := statecache.OpenPoolTokenStore(filepath.Join(t.TempDir(), "pools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pools.Close() })
	p := New(rpc, pools, 10, 10, 10, nil)
	cache, err := statecache.New(1, rpc, pools, 10, 10, 10, nil)
	require.NoError(t, err)
	return p, cache
}

func TestPopulateFromPairCreated_InstallsPoolTokensImmediately(t *testing.T) {
	p, cache := newTestPipeline(t)
	token0 := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token1 := common.HexToAddress("0x2222222222222222222222222222222222222222")
	pool := common.HexToAddress("0x3333333333333333333333333333333333333333")

	data := make([]byte, 32)
	copy(data[12:], pool.Bytes())
	l := mevtypes.LogRecord{
		Topics: []common.Hash{dex.PairCreatedTopic, common.BytesToHash(token0.Bytes()), common.BytesToHash(token1.Bytes())},
		Data:   data,
	}
	p.populateFromPairCreated(cache, l, 100)

	gotT0, gotT1, ok := cache.Pools().Get(pool)
	require.True(t, ok)
	assert.Equal(t, token0, gotT0)
	assert.Equal(t, token1, gotT1)
}

func TestPopulateFromPoolCreated_ReadsPoolFromSecondDataWord(t *testing.T) {
	p, cache := newTestPipeline(t)
	token0 := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token1 := common.HexToAddress("0x2222222222222222222222222222222222222222")
	fee := common.BigToHash(big.NewInt(3000))
	pool := common.HexToAddress("0x3333333333333333333333333333333333333333")

	// Data = tickSpacing (first word, irrelevant here) || pool (second word).
	data := make([]byte, 64)
	copy(data[12:32], common.HexToAddress("0xdeadbeef").Bytes()) // decoy word, NOT the pool
	copy(data[32+12:64], pool.Bytes())
	l := mevtypes.LogRecord{
		Topics: []common.Hash{dex.PoolCreatedTopic, common.BytesToHash(token0.Bytes()), common.BytesToHash(token1.Bytes()), fee},
		Data:   data,
	}
	p.populateFromPoolCreated(cache, l, 100)

	gotT0, gotT1, ok := cache.Pools().Get(pool)
	require.True(t, ok)
	assert.Equal(t, token0, gotT0)
	assert.Equal(t, token1, gotT1)

	// The decoy tickSpacing-shaped address must NOT have been installed as a pool.
	_, _, decoyInstalled := cache.Pools().Get(common.HexToAddress("0xdeadbeef"))
	assert.False(t, decoyInstalled)
}

func TestBuildPoolRegistry_TagsProtocolFromSwapTopics(t *testing.T) {
	p, cache := newTestPipeline(t)
	poolV2 := common.HexToAddress("0x4444444444444444444444444444444444444444")
	txHash := common.HexToHash("0x1")
	receipts := map[common.Hash]mevtypes.Receipt{
		txHash: {Logs: []mevtypes.LogRecord{
			{Address: poolV2, Topics: []common.Hash{dex.SwapTopicV2}},
		}},
	}
	registry, err := p.buildPoolRegistry(context.Background(), cache, receipts, 100)
	require.NoError(t, err)
	protocol, ok := registry.ProtocolOf(poolV2)
	require.True(t, ok)
	assert.Equal(t, dex.ProtocolUniswapV2, protocol)
}
