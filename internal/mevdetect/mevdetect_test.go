package mevdetect

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevlens/mevinspect-go/internal/dex"
	"github.com/mevlens/mevinspect-go/internal/mevtypes"
)

var (
	tokenA = common.HexToAddress("0xaaaa000000000000000000000000000000000000")
	tokenB = common.HexToAddress("0xbbbb000000000000000000000000000000000000")
	tokenC = common.HexToAddress("0xcccc000000000000000000000000000000000000")
	poolAB = common.HexToAddress("0x0000000000000000000000000000000000000a1")
	poolBC = common.HexToAddress("0x0000000000000000000000000000000000000b1")
	poolCA = common.HexToAddress("0x0000000000000000000000000000000000000c1")
)

func TestArbitrageDetector_DetectsTriangularCycle(t *testing.T) {
	txHash := common.HexToHash("0x01")
	swaps := []mevtypes.Swap{
		{TxHash: txHash, BlockNumber: 5, Pool: poolAB, TokenIn: tokenA, TokenOut: tokenB, AmountIn: big.NewInt(1000), AmountOut: big.NewInt(1010), GasUsed: 300000},
		{TxHash: txHash, BlockNumber: 5, Pool: poolBC, TokenIn: tokenB, TokenOut: tokenC, AmountIn: big.NewInt(1010), AmountOut: big.NewInt(1020), GasUsed: 300000},
		{TxHash: txHash, BlockNumber: 5, Pool: poolCA, TokenIn: tokenC, TokenOut: tokenA, AmountIn: big.NewInt(1020), AmountOut: big.NewInt(1050), GasUsed: 300000},
	}

	d := NewArbitrageDetector(0.001)
	arbs := d.Detect(swaps)
	require.Len(t, arbs, 1)
	arb := arbs[0]
	assert.Equal(t, tokenA, arb.ProfitToken)
	assert.Equal(t, big.NewInt(50), arb.GrossProfit)
	assert.Equal(t, big.NewInt(300000), arb.GasCost)
	assert.Len(t, arb.Path, 3)
}

func TestArbitrageDetector_RejectsBrokenChain(t *testing.T) {
	txHash := common.HexToHash("0x02")
	swaps := []mevtypes.Swap{
		{TxHash: txHash, Pool: poolAB, TokenIn: tokenA, TokenOut: tokenB, AmountIn: big.NewInt(1000), AmountOut: big.NewInt(1010), GasUsed: 100},
		// breaks the chain: tokenIn should be tokenB to continue
		{TxHash: txHash, Pool: poolCA, TokenIn: tokenC, TokenOut: tokenA, AmountIn: big.NewInt(1020), AmountOut: big.NewInt(1050), GasUsed: 100},
	}
	d := NewArbitrageDetector(0.001)
	arbs := d.Detect(swaps)
	assert.Empty(t, arbs)
}

func TestArbitrageDetector_RejectsBelowEpsilon(t *testing.T) {
	txHash := common.HexToHash("0x03")
	swaps := []mevtypes.Swap{
		{TxHash: txHash, Pool: poolAB, TokenIn: tokenA, TokenOut: tokenB, AmountIn: big.NewInt(1000), AmountOut: big.NewInt(1000), GasUsed: 100},
		{TxHash: txHash, Pool: poolBC, TokenIn: tokenB, TokenOut: tokenA, AmountIn: big.NewInt(1000), AmountOut: big.NewInt(1000), GasUsed: 100},
	}
	d := NewArbitrageDetector(0.01) // requires ratio >= 1.01
	arbs := d.Detect(swaps)
	assert.Empty(t, arbs)
}

func TestArbitrageDetector_NonOverlappingAdvance(t *testing.T) {
	tx1 := common.HexToHash("0x04")
	cycle1 := []mevtypes.Swap{
		{TxHash: tx1, Pool: poolAB, TokenIn: tokenA, TokenOut: tokenB, AmountIn: big.NewInt(100), AmountOut: big.NewInt(110), GasUsed: 50},
		{TxHash: tx1, Pool: poolBC, TokenIn: tokenB, TokenOut: tokenA, AmountIn: big.NewInt(110), AmountOut: big.NewInt(120), GasUsed: 50},
	}
	cycle2 := []mevtypes.Swap{
		{TxHash: tx1, Pool: poolCA, TokenIn: tokenA, TokenOut: tokenC, AmountIn: big.NewInt(50), AmountOut: big.NewInt(60), GasUsed: 50},
		{TxHash: tx1, Pool: poolAB, TokenIn: tokenC, TokenOut: tokenA, AmountIn: big.NewInt(60), AmountOut: big.NewInt(70), GasUsed: 50},
	}
	swaps := append(append([]mevtypes.Swap{}, cycle1...), cycle2...)
	d := NewArbitrageDetector(0.001)
	arbs := d.Detect(swaps)
	require.Len(t, arbs, 2)
}

type staticPositions map[common.Hash]struct {
	pos  int
	from common.Address
}

func (p staticPositions) lookup(h common.Hash) (int, common.Address) {
	v := p[h]
	return v.pos, v.from
}

func TestSandwichDetector_DetectsClassicTriple(t *testing.T) {
	searcher := common.HexToAddress("0xfeed000000000000000000000000000000000000")
	victimAddr := common.HexToAddress("0xf00d000000000000000000000000000000000000")

	front := common.HexToHash("0xf1")
	victim := common.HexToHash("0xf2")
	back := common.HexToHash("0xf3")

	positions := staticPositions{
		front:  {pos: 0, from: searcher},
		victim: {pos: 1, from: victimAddr},
		back:   {pos: 2, from: searcher},
	}
	gas := map[common.Hash]uint64{front: 100000, back: 100000}

	swaps := []mevtypes.Swap{
		{TxHash: front, Pool: poolAB, TokenIn: tokenA, TokenOut: tokenB, AmountIn: big.NewInt(1000), AmountOut: big.NewInt(990)},
		{TxHash: victim, Pool: poolAB, TokenIn: tokenA, TokenOut: tokenB, AmountIn: big.NewInt(500), AmountOut: big.NewInt(480)},
		{TxHash: back, Pool: poolAB, TokenIn: tokenB, TokenOut: tokenA, AmountIn: big.NewInt(990), AmountOut: big.NewInt(1050)},
	}

	d := NewSandwichDetector()
	sandwiches := d.Detect(swaps, positions.lookup, gas)
	require.Len(t, sandwiches, 1)
	s := sandwiches[0]
	assert.Equal(t, searcher, s.Searcher)
	assert.Equal(t, front, s.FrontTx)
	assert.Equal(t, victim, s.VictimTx)
	assert.Equal(t, back, s.BackTx)
	assert.Equal(t, big.NewInt(50), s.GrossProfit) // 1050 - 1000
}

func TestSandwichDetector_RejectsDifferentSearcher(t *testing.T) {
	searcher := common.HexToAddress("0xfeed000000000000000000000000000000000001")
	otherSearcher := common.HexToAddress("0xfeed000000000000000000000000000000000002")
	victimAddr := common.HexToAddress("0xf00d000000000000000000000000000000000001")

	front := common.HexToHash("0xa1")
	victim := common.HexToHash("0xa2")
	back := common.HexToHash("0xa3")

	positions := staticPositions{
		front:  {pos: 0, from: searcher},
		victim: {pos: 1, from: victimAddr},
		back:   {pos: 2, from: otherSearcher},
	}
	gas := map[common.Hash]uint64{front: 1, back: 1}
	swaps := []mevtypes.Swap{
		{TxHash: front, Pool: poolAB, TokenIn: tokenA, TokenOut: tokenB, AmountIn: big.NewInt(1000), AmountOut: big.NewInt(990)},
		{TxHash: victim, Pool: poolAB, TokenIn: tokenA, TokenOut: tokenB, AmountIn: big.NewInt(500), AmountOut: big.NewInt(480)},
		{TxHash: back, Pool: poolAB, TokenIn: tokenB, TokenOut: tokenA, AmountIn: big.NewInt(990), AmountOut: big.NewInt(1050)},
	}
	d := NewSandwichDetector()
	sandwiches := d.Detect(swaps, positions.lookup, gas)
	assert.Empty(t, sandwiches)
}

func TestWhatIfArbitrageDFS_FindsProfitableRoundTrip(t *testing.T) {
	edges := []poolEdge{
		{pool: poolAB, tokenIn: tokenA, tokenOut: tokenB, reserveIn: big.NewInt(1_000_000), reserveOut: big.NewInt(1_000_000)},
		{pool: poolBC, tokenIn: tokenB, tokenOut: tokenA, reserveIn: big.NewInt(900_000), reserveOut: big.NewInt(1_100_000)},
	}
	seed := big.NewInt(1000)
	results := WhatIfArbitrageDFS(10, edges, seed, 3)
	// The walk starts from every token, so the same two-pool loop is
	// reported once from A (1000 -> 996 B -> 1212 A) and once from B
	// (1000 -> 1217 A -> 1211 B).
	require.Len(t, results, 2)
	outByToken := map[common.Address]*big.Int{}
	for _, r := range results {
		assert.True(t, r.AmountOut.Cmp(seed) > 0)
		assert.Len(t, r.Path, 2)
		outByToken[r.ProfitToken] = r.AmountOut
	}
	assert.Equal(t, big.NewInt(1212), outByToken[tokenA])
	assert.Equal(t, big.NewInt(1211), outByToken[tokenB])
}

func TestWhatIfArbitrageDFS_PrunesZeroOutputEdges(t *testing.T) {
	edges := []poolEdge{
		{pool: poolAB, tokenIn: tokenA, tokenOut: tokenB}, // no reserves: pruned
	}
	results := WhatIfArbitrageDFS(10, edges, big.NewInt(1000), 3)
	assert.Empty(t, results)
}

func TestWhatIfSandwichFor_ProfitableRoundTrip(t *testing.T) {
	victim := mevtypes.Swap{
		BlockNumber: 7,
		Pool:        poolAB,
		TxHash:      common.HexToHash("0xv1"),
		AmountIn:    big.NewInt(5000),
		AmountOut:   big.NewInt(4900),
	}
	pre := dex.Reserves{Reserve0: big.NewInt(1_000_000), Reserve1: big.NewInt(1_000_000)}
	result := WhatIfSandwichFor(victim, pre, big.NewInt(10000))
	if result != nil {
		assert.True(t, result.SimNetProfit.Sign() > 0)
		assert.Equal(t, victim.Pool, result.Pool)
	}
}

func TestWhatIfSandwichFor_NilOnUnprofitable(t *testing.T) {
	victim := mevtypes.Swap{Pool: poolAB, AmountIn: big.NewInt(1), AmountOut: big.NewInt(1)}
	pre := dex.Reserves{Reserve0: big.NewInt(0), Reserve1: big.NewInt(0)}
	result := WhatIfSandwichFor(victim, pre, big.NewInt(10000))
	assert.Nil(t, result)
}
