package mevdetect

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mevlens/mevinspect-go/internal/dex"
	"github.com/mevlens/mevinspect-go/internal/mevtypes"
)

// WhatIfArbitrage is a hypothetical profitable path found by simulating
// pool state instead of observing an actual on-chain round trip, spec
// §4.6's "What-if (optional)" clause. Disabled by default.
type WhatIfArbitrage struct {
	BlockNumber uint64
	Path        []common.Address // pool addresses visited, in order
	ProfitToken common.Address
	AmountIn    *big.Int
	AmountOut   *big.Int
}

// poolEdge is one directed hop in the what-if multigraph: a pool that
// can trade tokenIn for tokenOut, with the reserves needed to estimate
// output via the protocol's calculate_output.
type poolEdge struct {
	pool       common.Address
	tokenIn    common.Address
	tokenOut   common.Address
	reserveIn  *big.Int
	reserveOut *big.Int
}

// BuildGraph turns a block's observed swaps into the directed
// token->token multigraph the what-if search walks, per spec §4.6.
// Edges whose pool has no entry in reserves are kept with nil reserves
// and skipped by the walk; the pipeline reads reserves only for V2
// pools, so V3 edges are never walked.
func BuildGraph(swaps []mevtypes.Swap, reserves map[common.Address]dex.Reserves) []poolEdge {
	seen := map[string]bool{}
	var edges []poolEdge
	for _, s := range swaps {
		if s.TokenIn == (common.Address{}) || s.TokenOut == (common.Address{}) {
			continue
		}
		key := s.Pool.Hex() + s.TokenIn.Hex() + s.TokenOut.Hex()
		if seen[key] {
			continue
		}
		seen[key] = true
		r, ok := reserves[s.Pool]
		edge := poolEdge{pool: s.Pool, tokenIn: s.TokenIn, tokenOut: s.TokenOut}
		if ok {
			edge.reserveIn, edge.reserveOut = r.Reserve0, r.Reserve1
		}
		edges = append(edges, edge)
	}
	return edges
}

// WhatIfArbitrageDFS performs a bounded depth-first search (default
// depth 3) over every ordered token pair reachable in the graph,
// simulating each path with the V2 constant-product estimator and
// reporting paths with a positive round-trip gain, per spec §4.6.
// Paths whose any edge estimates zero output are pruned.
func WhatIfArbitrageDFS(blockNumber uint64, edges []poolEdge, seedAmount *big.Int, maxDepth int) []WhatIfArbitrage {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	byToken := map[common.Address][]poolEdge{}
	var starts []common.Address
	for _, e := range edges {
		if _, ok := byToken[e.tokenIn]; !ok {
			starts = append(starts, e.tokenIn)
		}
		byToken[e.tokenIn] = append(byToken[e.tokenIn], e)
	}

	var results []WhatIfArbitrage
	v2 := dex.V2Parser{}
	for _, start := range starts {
		var walk func(token common.Address, amount *big.Int, path []common.Address, depth int)
		walk = func(token common.Address, amount *big.Int, path []common.Address, depth int) {
			if depth >= maxDepth {
				return
			}
			for _, e := range byToken[token] {
				if e.reserveIn == nil || e.reserveOut == nil || e.reserveIn.Sign() == 0 {
					continue
				}
				out := v2.CalculateOutput(amount, e.reserveIn, e.reserveOut)
				if out.Sign() == 0 {
					continue
				}
				nextPath := append(append([]common.Address(nil), path...), e.pool)
				if e.tokenOut == start && len(nextPath) >= 2 && out.Cmp(seedAmount) > 0 {
					results = append(results, WhatIfArbitrage{
						BlockNumber: blockNumber,
						Path:        nextPath,
						ProfitToken: start,
						AmountIn:    seedAmount,
						AmountOut:   out,
					})
					continue
				}
				walk(e.tokenOut, out, nextPath, depth+1)
			}
		}
		walk(start, seedAmount, nil, 0)
	}
	return results
}

// WhatIfSandwich is a hypothetical front-run/back-run pair constructed
// around a single observed victim swap, spec §4.7's sandwich what-if
// clause. Disabled by default.
type WhatIfSandwich struct {
	BlockNumber  uint64
	Pool         common.Address
	VictimTx     common.Hash
	SimFrontIn   *big.Int
	SimFrontOut  *big.Int
	SimBackOut   *big.Int
	SimNetProfit *big.Int
}

// WhatIfSandwichFor simulates inserting a front-run of size frontAmount
// immediately before the victim swap and a matching back-run immediately
// after, using the V2 constant-product estimator against the supplied
// pre-victim reserves. Returns nil if the simulated front-run yields no
// output, the victim's output would exhaust the out-side reserve, or the
// simulated round trip isn't profitable. The pool's protocol is not
// checked here.
func WhatIfSandwichFor(victim mevtypes.Swap, preReserves dex.Reserves, frontAmount *big.Int) *WhatIfSandwich {
	v2 := dex.V2Parser{}
	frontOut := v2.CalculateOutput(frontAmount, preReserves.Reserve0, preReserves.Reserve1)
	if frontOut.Sign() == 0 {
		return nil
	}
	reserveInAfterFront := new(big.Int).Add(preReserves.Reserve0, frontAmount)
	reserveOutAfterFront := new(big.Int).Sub(preReserves.Reserve1, frontOut)

	reserveInAfterVictim := new(big.Int).Add(reserveInAfterFront, victim.AmountIn)
	reserveOutAfterVictim := reserveOutAfterFront
	if victim.AmountOut != nil {
		reserveOutAfterVictim = new(big.Int).Sub(reserveOutAfterFront, victim.AmountOut)
	}
	if reserveOutAfterVictim.Sign() <= 0 {
		return nil
	}

	backOut := v2.CalculateOutput(frontOut, reserveOutAfterVictim, reserveInAfterVictim)
	net := new(big.Int).Sub(backOut, frontAmount)
	if net.Sign() <= 0 {
		return nil
	}
	return &WhatIfSandwich{
		BlockNumber:  victim.BlockNumber,
		Pool:         victim.Pool,
		VictimTx:     victim.TxHash,
		SimFrontIn:   frontAmount,
		SimFrontOut:  frontOut,
		SimBackOut:   backOut,
		SimNetProfit: net,
	}
}
