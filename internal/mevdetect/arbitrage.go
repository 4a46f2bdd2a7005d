// Package mevdetect implements C6 (Arbitrage Detector) and C7 (Sandwich
// Detector): pure functions over a transaction's or block's Swap list,
// no RPC or state access. Grounded on mev_inspect/arbitrage.py and
// mev_inspect/sandwich.py, with the sandwich profit formula taken from
// this spec rather than the Python source (see DESIGN.md).
package mevdetect

import (
	"math/big"

	"github.com/mevlens/mevinspect-go/internal/mevtypes"
)

// ArbitrageDetector finds cyclic-profit chains within one transaction's
// swap list, per spec §4.6.
type ArbitrageDetector struct {
	epsilon float64 // minimum profit_ratio - 1, spec's "epsilon" tolerance
}

// NewArbitrageDetector builds a detector with the given epsilon.
func NewArbitrageDetector(epsilon float64) *ArbitrageDetector {
	return &ArbitrageDetector{epsilon: epsilon}
}

// Detect scans swaps (already ordered by call depth / index within one
// transaction) for contiguous chains where each swap's TokenOut equals
// the next swap's TokenIn, and the chain closes — the last swap's
// TokenOut equals the first swap's TokenIn — with a profit ratio at or
// above 1+epsilon. Per spec §4.6, once a cycle is accepted the scan
// resumes after its last swap, so cycles never overlap.
func (d *ArbitrageDetector) Detect(swaps []mevtypes.Swap) []mevtypes.Arbitrage {
	var out []mevtypes.Arbitrage
	i := 0
	for i < len(swaps) {
		cycle, consumed := d.findCycleFrom(swaps, i)
		if cycle != nil {
			out = append(out, *cycle)
			i += consumed
			continue
		}
		i++
	}
	return out
}

// findCycleFrom looks for the longest chain-invariant contiguous run
// starting at i that closes into a profitable cycle. It tries the
// longest possible run first so overlapping shorter sub-cycles don't
// shadow a larger one that also closes.
func (d *ArbitrageDetector) findCycleFrom(swaps []mevtypes.Swap, start int) (*mevtypes.Arbitrage, int) {
	for end := len(swaps); end > start; end-- {
		run := swaps[start:end]
		if !chainInvariant(run) {
			continue
		}
		if len(run) < 2 {
			continue
		}
		first, last := run[0], run[len(run)-1]
		if last.TokenOut != first.TokenIn {
			continue
		}
		if first.AmountIn == nil || first.AmountIn.Sign() <= 0 {
			continue
		}
		if last.AmountOut == nil {
			continue
		}
		ratio := new(big.Float).Quo(new(big.Float).SetInt(last.AmountOut), new(big.Float).SetInt(first.AmountIn))
		threshold := big.NewFloat(1 + d.epsilon)
		if ratio.Cmp(threshold) < 0 {
			continue
		}
		gross := new(big.Int).Sub(last.AmountOut, first.AmountIn)
		gasCost := totalGas(run)
		net := new(big.Int).Sub(gross, gasCost)
		arb := &mevtypes.Arbitrage{
			TxHash:      first.TxHash,
			BlockNumber: first.BlockNumber,
			Path:        append([]mevtypes.Swap(nil), run...),
			ProfitToken: first.TokenIn,
			GrossProfit: gross,
			NetProfit:   net,
			ProfitRatio: ratio,
			GasCost:     gasCost,
		}
		return arb, len(run)
	}
	return nil, 0
}

// chainInvariant reports whether each swap's output token feeds the
// next swap's input token, spec §4.6's defining property of a candidate
// arbitrage path.
func chainInvariant(run []mevtypes.Swap) bool {
	for i := 1; i < len(run); i++ {
		if run[i-1].TokenOut != run[i].TokenIn {
			return false
		}
	}
	return true
}

// totalGas sums the (uniform, receipt-level) gas used across a run; all
// swaps from one transaction share the same receipt gas total, so this
// collapses to that shared value rather than a true per-swap split,
// which the replay trace does not expose.
func totalGas(run []mevtypes.Swap) *big.Int {
	if len(run) == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).SetUint64(run[0].GasUsed)
}
